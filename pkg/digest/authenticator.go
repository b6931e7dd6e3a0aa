// Package digest implements HTTP Digest authentication (RFC 2617, qop=auth)
// with server-side nonce tracking: issued nonces are cached with a replay
// window so each nonce count is accepted at most once.
package digest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/internal/telemetry"
	"github.com/marmos91/coyote/pkg/metrics"
)

// QOP is the only quality of protection supported.
const QOP = "auth"

// ChallengeError is returned when the client must (re)authenticate. Header
// is the WWW-Authenticate value to send with a 401 response.
type ChallengeError struct {
	Header string
	Stale  bool
	Reason string
}

func (e *ChallengeError) Error() string {
	if e.Reason == "" {
		return "digest: authentication required"
	}
	return "digest: authentication required: " + e.Reason
}

// IsChallenge reports whether err asks the client to authenticate.
func IsChallenge(err error) (*ChallengeError, bool) {
	var ce *ChallengeError
	ok := errors.As(err, &ce)
	return ce, ok
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithKey sets the secret mixed into nonces. A random key is used otherwise.
func WithKey(key string) Option {
	return func(a *Authenticator) {
		if key != "" {
			a.key = key
		}
	}
}

// WithOpaque sets the opaque value echoed by clients.
func WithOpaque(opaque string) Option {
	return func(a *Authenticator) {
		if opaque != "" {
			a.opaque = opaque
		}
	}
}

// WithNonceCache replaces the default nonce cache.
func WithNonceCache(c *NonceCache) Option {
	return func(a *Authenticator) { a.cache = c }
}

// WithValidateURI controls whether the digest uri must match the request
// target. Enabled by default.
func WithValidateURI(v bool) Option {
	return func(a *Authenticator) { a.validateURI = v }
}

// WithMetrics sets the metrics sink. nil disables recording.
func WithMetrics(m metrics.DigestMetrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

func withClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// Authenticator verifies Digest credentials against a Realm.
type Authenticator struct {
	realm       Realm
	key         string
	opaque      string
	validateURI bool
	cache       *NonceCache
	nonces      *NonceGenerator
	metrics     metrics.DigestMetrics
	now         func() time.Time
}

func New(realm Realm, opts ...Option) *Authenticator {
	a := &Authenticator{
		realm:       realm,
		key:         randomToken(),
		opaque:      randomToken(),
		validateURI: true,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.cache == nil {
		a.cache = NewNonceCache(WithCacheMetrics(a.metrics))
	}
	a.nonces = NewNonceGenerator(a.key)
	a.nonces.now = a.now
	return a
}

func randomToken() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// Opaque returns the opaque value sent in challenges.
func (a *Authenticator) Opaque() string { return a.opaque }

// Cache exposes the nonce cache.
func (a *Authenticator) Cache() *NonceCache { return a.cache }

// Authenticate verifies the request's Authorization header. It returns the
// principal on success, a *ChallengeError when the client must authenticate
// (again), or ErrMalformedHeader when the header cannot be parsed.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	ctx, span := telemetry.StartDigestSpan(r.Context(), a.realm.Name())
	defer span.End()

	header := r.Header.Get("Authorization")
	if header == "" {
		a.record("challenge")
		return nil, a.challenge(ctx, r, false, "no credentials")
	}

	directives, err := ParseAuthorization(header)
	if err != nil {
		a.record("failure")
		telemetry.RecordError(ctx, err)
		return nil, err
	}

	c := credentials{
		method:   r.Method,
		username: directives["username"],
		realm:    directives["realm"],
		nonce:    directives["nonce"],
		nc:       directives["nc"],
		cnonce:   directives["cnonce"],
		qop:      directives["qop"],
		uri:      directives["uri"],
		response: directives["response"],
		opaque:   directives["opaque"],
		present:  directives,
	}
	span.SetAttributes(telemetry.Username(c.username))

	stale, reason := a.validate(r, &c)
	var principal *Principal
	if reason == "" {
		principal, reason = a.verifyResponse(&c)
	}
	span.SetAttributes(telemetry.Stale(stale))

	if principal == nil {
		logger.DebugCtx(ctx, "Digest authentication failed",
			logger.KeyUser, c.username,
			logger.KeyReason, reason)
		a.record("failure")
		return nil, a.challenge(ctx, r, false, reason)
	}
	if stale {
		logger.DebugCtx(ctx, "Digest nonce stale", logger.KeyUser, c.username)
		a.record("stale")
		return nil, a.challenge(ctx, r, true, "stale nonce")
	}

	a.record("success")
	return principal, nil
}

type credentials struct {
	method   string
	username string
	realm    string
	nonce    string
	nc       string
	cnonce   string
	qop      string
	uri      string
	response string
	opaque   string
	present  map[string]string
}

func (c *credentials) has(name string) bool {
	_, ok := c.present[name]
	return ok
}

// validate checks everything but the response hash. It returns a non-empty
// reason when the credentials must be rejected. stale may be true with an
// empty reason: the credentials are otherwise acceptable but the nonce must
// be renewed.
func (a *Authenticator) validate(r *http.Request, c *credentials) (stale bool, reason string) {
	for _, name := range []string{"username", "realm", "nonce", "uri", "response"} {
		if !c.has(name) {
			return false, "missing " + name
		}
	}

	if a.validateURI && !a.uriMatches(r, c.uri) {
		return false, "uri mismatch"
	}
	if c.realm != a.realm.Name() {
		return false, "realm mismatch"
	}
	if !c.has("opaque") || c.opaque != a.opaque {
		return false, "opaque mismatch"
	}

	ts, mac, ok := parseNonce(c.nonce)
	if !ok {
		return false, "malformed nonce"
	}
	if a.now().Sub(time.UnixMilli(ts)) > a.cache.Validity() {
		stale = true
		a.cache.Remove(c.nonce)
	}
	if subtle.ConstantTimeCompare([]byte(nonceMAC(clientIP(r), ts, a.key)), []byte(mac)) != 1 {
		return stale, "nonce not issued to this client"
	}

	if c.has("qop") && c.qop != QOP {
		return stale, "unsupported qop"
	}
	if !c.has("qop") {
		if c.has("cnonce") || c.has("nc") {
			return stale, "cnonce or nc without qop"
		}
		return stale, ""
	}
	if !c.has("cnonce") || !c.has("nc") {
		return stale, "qop without cnonce or nc"
	}

	count, err := ParseNonceCount(c.nc)
	if err != nil {
		return stale, err.Error()
	}

	entry, ok := a.cache.Get(c.nonce)
	if !ok {
		// Valid nonce that dropped out of the cache: force a fresh one.
		return true, ""
	}
	if !entry.Window.Accept(count) {
		if a.metrics != nil {
			a.metrics.RecordReplay()
		}
		return stale, "nonce count replayed or out of window"
	}
	return stale, ""
}

// ParseNonceCount parses an nc directive: 6 to 8 hex digits.
func ParseNonceCount(nc string) (int64, error) {
	if len(nc) < 6 || len(nc) > 8 {
		return 0, fmt.Errorf("invalid nonce count length %d", len(nc))
	}
	n, err := strconv.ParseUint(nc, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce count %q", nc)
	}
	return int64(n), nil
}

func (a *Authenticator) verifyResponse(c *credentials) (*Principal, string) {
	ha1, ok := a.realm.HA1(c.username)
	if !ok {
		return nil, "unknown user"
	}
	ha2 := md5Hex(c.method + ":" + c.uri)

	var expected string
	if c.has("qop") {
		expected = md5Hex(ha1 + ":" + c.nonce + ":" + c.nc + ":" + c.cnonce + ":" + c.qop + ":" + ha2)
	} else {
		expected = md5Hex(ha1 + ":" + c.nonce + ":" + ha2)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(c.response))) != 1 {
		return nil, "response mismatch"
	}
	return &Principal{Username: c.username, Realm: a.realm.Name()}, ""
}

// uriMatches compares the digest uri with the request target, accepting the
// absolute form some clients send for a relative request line.
func (a *Authenticator) uriMatches(r *http.Request, uri string) bool {
	target := r.RequestURI
	if target == "" {
		target = r.URL.RequestURI()
	}
	if uri == target {
		return true
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if r.Host == "" || strings.HasPrefix(target, scheme) {
		return false
	}
	return uri == scheme+"://"+r.Host+target
}

// Challenge returns the WWW-Authenticate header for a new nonce issued to r.
func (a *Authenticator) Challenge(r *http.Request, stale bool) string {
	nonce, ts := a.nonces.Next(clientIP(r))
	a.cache.Put(nonce, ts)
	if a.metrics != nil {
		a.metrics.RecordNonceIssued()
	}

	h := fmt.Sprintf(`Digest realm="%s", qop="%s", nonce="%s", opaque="%s"`, a.realm.Name(), QOP, nonce, a.opaque)
	if stale {
		h += ", stale=true"
	}
	return h
}

func (a *Authenticator) challenge(ctx context.Context, r *http.Request, stale bool, reason string) error {
	header := a.Challenge(r, stale)
	if logger.IsDebugEnabled() {
		logger.DebugCtx(ctx, "Digest challenge issued",
			logger.KeyRealm, a.realm.Name(),
			logger.KeyStale, stale)
	}
	return &ChallengeError{Header: header, Stale: stale, Reason: reason}
}

func (a *Authenticator) record(outcome string) {
	if a.metrics != nil {
		a.metrics.RecordAuthentication(outcome)
	}
}

func clientIP(r *http.Request) string {
	addr := r.RemoteAddr
	if peer, ok := peerFromContext(r.Context()); ok {
		addr = peer
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
