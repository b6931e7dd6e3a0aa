package server

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/coyote/pkg/config"
	"github.com/marmos91/coyote/pkg/digest"
)

func testConfig() *config.Config {
	cfg := config.GetDefaultConfig()
	cfg.Connector.BindAddress = "127.0.0.1"
	cfg.Connector.Port = 0
	cfg.Connector.AsyncTimeout = time.Second
	cfg.Connector.TimeoutScanInterval = 10 * time.Millisecond
	cfg.Connector.ShutdownTimeout = time.Second
	cfg.API.Enabled = false
	cfg.ShutdownTimeout = time.Second
	return cfg
}

// ============================================================================
// Wiring
// ============================================================================

func TestNew_UnknownProtocol(t *testing.T) {
	cfg := testConfig()
	cfg.Connector.Protocol = "smtp"

	_, err := New(cfg)
	require.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestNew_APIDisabled(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)
	assert.Nil(t, s.API())
	assert.Nil(t, s.Authenticator())
	assert.Equal(t, "line", s.Endpoint().Protocol())
}

func TestNew_RequireAuth(t *testing.T) {
	cfg := testConfig()
	cfg.API.Enabled = true
	cfg.API.RequireAuth = true
	cfg.Digest.Users = map[string]string{"admin": "secret"}

	s, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, s.API())
	require.NotNil(t, s.Authenticator())

	srv := httptest.NewServer(s.API().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	c := &http.Client{Transport: &digest.Transport{Username: "admin", Password: "secret"}}
	resp, err = c.Get(srv.URL + "/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewAuthenticator_UsesConfiguredOpaque(t *testing.T) {
	cfg := config.GetDefaultConfig().Digest
	cfg.Opaque = "fixed-opaque"

	a := NewAuthenticator(cfg, nil)
	assert.Equal(t, "fixed-opaque", a.Opaque())
}

// ============================================================================
// Serving
// ============================================================================

func TestServe_EndToEnd(t *testing.T) {
	s, err := New(testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errChan := make(chan error, 1)
	go func() { errChan <- s.Serve(ctx) }()

	conn, err := net.Dial("tcp", s.Endpoint().Addr())
	require.NoError(t, err)
	r := bufio.NewReader(conn)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	roundTrip := func(line string) string {
		_, err := conn.Write([]byte(line + "\n"))
		require.NoError(t, err)
		reply, err := r.ReadString('\n')
		require.NoError(t, err)
		return reply[:len(reply)-1]
	}

	assert.Equal(t, "PONG", roundTrip("PING"))
	assert.Equal(t, "DONE", roundTrip("ASYNC 5"))
	assert.Equal(t, "DISPATCHED", roundTrip("DISPATCH 5"))
	assert.Equal(t, "BYE", roundTrip("QUIT"))
	_ = conn.Close()

	assert.Eventually(t, func() bool {
		return s.Endpoint().ActiveConnections() == 0
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errChan:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Zero(t, s.Protocol().InProgress())

	// A Server serves once.
	assert.NoError(t, s.Serve(context.Background()))
}

func TestServe_ListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Connector.Port = l.Addr().(*net.TCPAddr).Port

	s, err := New(cfg)
	require.NoError(t, err)

	select {
	case err := <-serveAsync(s):
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func serveAsync(s *Server) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Serve(context.Background()) }()
	return ch
}
