// Package server assembles a running Coyote instance from its configuration:
// the async executor, the protocol and its dispatcher, the TCP endpoint,
// the async timeout scanner and the optional status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/adapter"
	"github.com/marmos91/coyote/pkg/api"
	"github.com/marmos91/coyote/pkg/config"
	"github.com/marmos91/coyote/pkg/connection"
	"github.com/marmos91/coyote/pkg/digest"
	"github.com/marmos91/coyote/pkg/executor"
	"github.com/marmos91/coyote/pkg/metrics"
	"github.com/marmos91/coyote/pkg/metrics/prometheus"
	"github.com/marmos91/coyote/pkg/protocol/lineproto"
)

// ErrUnknownProtocol is returned by New when the connector names a
// protocol this build does not ship.
var ErrUnknownProtocol = errors.New("unknown protocol")

// Server owns every long-lived component. Build it with New and run it
// with Serve; a Server serves once.
type Server struct {
	cfg *config.Config

	executor      *executor.Pool
	protocol      *lineproto.Protocol
	dispatcher    *connection.Dispatcher
	endpoint      *adapter.Endpoint
	scanner       *connection.TimeoutScanner
	authenticator *digest.Authenticator
	api           *api.Server

	serveOnce sync.Once
}

// New wires the components described by cfg. Metrics are exported only
// when metrics.InitRegistry was called beforehand.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}
	cc := cfg.Connector

	s.executor = executor.New(cc.ExecutorSize)

	switch cc.Protocol {
	case lineproto.Name:
		s.protocol = lineproto.New(
			lineproto.WithExecutor(s.executor),
			lineproto.WithAsyncTimeout(cc.AsyncTimeout),
			lineproto.WithAsyncMetrics(prometheus.NewAsyncMetrics()),
		)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cc.Protocol)
	}

	s.dispatcher = connection.NewDispatcher(s.protocol,
		connection.WithPoolSize(cc.ProcessorCache),
		connection.WithUpgradeProtocol(lineproto.EchoProtocol{}),
		connection.WithMetrics(prometheus.NewConnectionMetrics()),
	)

	s.endpoint = adapter.NewEndpoint(adapter.Config{
		BindAddress:     cc.BindAddress,
		Port:            cc.Port,
		MaxConnections:  cc.MaxConnections,
		ShutdownTimeout: cc.ShutdownTimeout,
		IdleTimeout:     cc.IdleTimeout,
	}, s.protocol.Name(), s.dispatcher,
		adapter.WithAdapterMetrics(prometheus.NewAdapterMetrics(s.protocol.Name())),
	)

	s.scanner = connection.NewTimeoutScanner(s.dispatcher, cc.TimeoutScanInterval)

	if cfg.API.Enabled {
		opts := api.Options{
			Connector: &api.Connector{
				Endpoint:   s.endpoint,
				Dispatcher: s.dispatcher,
				Async:      s.protocol,
				Executor:   s.executor,
			},
		}
		if cfg.API.RequireAuth {
			s.authenticator = NewAuthenticator(cfg.Digest, prometheus.NewDigestMetrics())
			opts.Authenticator = s.authenticator
		}
		s.api = api.NewServer(cfg.API, opts)
	}

	return s, nil
}

// NewAuthenticator builds a Digest authenticator over the configured users.
// m may be nil.
func NewAuthenticator(cfg config.DigestConfig, m metrics.DigestMetrics) *digest.Authenticator {
	cache := digest.NewNonceCache(
		digest.WithCapacity(cfg.NonceCacheSize),
		digest.WithValidity(cfg.NonceValidity),
		digest.WithWindowSize(cfg.WindowSize),
		digest.WithCacheMetrics(m),
	)

	opts := []digest.Option{
		digest.WithNonceCache(cache),
		digest.WithValidateURI(!cfg.SkipURIValidation),
		digest.WithMetrics(m),
	}
	if cfg.Key != "" {
		opts = append(opts, digest.WithKey(cfg.Key))
	}
	if cfg.Opaque != "" {
		opts = append(opts, digest.WithOpaque(cfg.Opaque))
	}

	return digest.New(digest.NewStaticRealm(cfg.Realm, cfg.Users), opts...)
}

// Endpoint returns the TCP endpoint.
func (s *Server) Endpoint() *adapter.Endpoint { return s.endpoint }

// Protocol returns the connection protocol.
func (s *Server) Protocol() *lineproto.Protocol { return s.protocol }

// API returns the status API, or nil when it is disabled.
func (s *Server) API() *api.Server { return s.api }

// Authenticator returns the Digest authenticator, or nil when the API
// does not require authentication.
func (s *Server) Authenticator() *digest.Authenticator { return s.authenticator }

// Serve runs every component until ctx is cancelled or one of them fails,
// then shuts the rest down. Calling Serve a second time returns nil
// immediately.
func (s *Server) Serve(ctx context.Context) error {
	var err error
	s.serveOnce.Do(func() {
		err = s.serve(ctx)
	})
	return err
}

func (s *Server) serve(ctx context.Context) error {
	logger.Info("Starting Coyote server",
		logger.KeyProtocol, s.protocol.Name(),
		"port", s.cfg.Connector.Port,
		"executor_size", s.executor.Size(),
		"api", s.api != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.endpoint.Serve(gctx)
	})
	g.Go(func() error {
		return s.scanner.Run(gctx)
	})
	if s.api != nil {
		g.Go(func() error {
			return s.api.Start(gctx)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server component failed", logger.KeyError, err)
	}

	s.shutdown()

	logger.Info("Coyote server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown releases what outlives the accept loop: bound processors and
// the executor's queued tasks.
func (s *Server) shutdown() {
	s.dispatcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.executor.Shutdown(ctx); err != nil {
		logger.Warn("Executor did not drain before timeout",
			logger.KeyError, err,
			"running", s.executor.Running(),
			"queued", s.executor.Queued(),
		)
	}
}
