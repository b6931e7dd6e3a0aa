package digest

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Transport is an http.RoundTripper that answers Digest challenges. The
// last challenge is remembered so later requests authenticate up front with
// an incremented nonce count; a stale or rejected nonce triggers one retry
// with the fresh challenge.
type Transport struct {
	Username string
	Password string

	// Base performs the requests. http.DefaultTransport when nil.
	Base http.RoundTripper

	mu        sync.Mutex
	challenge map[string]string
	nc        int
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	first := req.Clone(req.Context())
	if h, ok := t.authorization(req.Method, req.URL.RequestURI()); ok {
		first.Header.Set("Authorization", h)
	}

	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	d, err := ParseAuthorization(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return resp, nil
	}
	retry, err := rewind(req)
	if err != nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	t.mu.Lock()
	t.challenge = d
	t.nc = 0
	t.mu.Unlock()

	h, _ := t.authorization(req.Method, req.URL.RequestURI())
	retry.Header.Set("Authorization", h)
	return t.base().RoundTrip(retry)
}

// authorization builds the Authorization header from the remembered
// challenge, consuming one nonce count.
func (t *Transport) authorization(method, uri string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.challenge == nil {
		return "", false
	}
	t.nc++
	return Authorization(t.challenge, t.Username, t.Password, method, uri, t.nc, uuid.NewString()), true
}

// rewind returns a copy of req with a fresh body, or an error if the body
// cannot be replayed.
func rewind(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("digest: request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

// Authorization computes the Authorization header answering challenge ch
// for one request.
func Authorization(ch map[string]string, username, password, method, uri string, nc int, cnonce string) string {
	realm, nonce := ch["realm"], ch["nonce"]
	ha1 := HA1(username, realm, password)
	ha2 := md5Hex(method + ":" + uri)

	useQOP := false
	for _, q := range strings.Split(ch["qop"], ",") {
		if strings.TrimSpace(q) == QOP {
			useQOP = true
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`, username, realm, nonce, uri)
	if useQOP {
		count := fmt.Sprintf("%08x", nc)
		response := md5Hex(ha1 + ":" + nonce + ":" + count + ":" + cnonce + ":" + QOP + ":" + ha2)
		fmt.Fprintf(&b, `, qop=%s, nc=%s, cnonce="%s", response="%s"`, QOP, count, cnonce, response)
	} else {
		fmt.Fprintf(&b, `, response="%s"`, md5Hex(ha1+":"+nonce+":"+ha2))
	}
	if opaque, ok := ch["opaque"]; ok {
		fmt.Fprintf(&b, `, opaque="%s"`, opaque)
	}
	return b.String()
}
