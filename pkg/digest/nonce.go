package digest

import (
	"container/list"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"

	"github.com/marmos91/coyote/internal/logger"
	"github.com/marmos91/coyote/pkg/metrics"
)

const (
	// DefaultCacheSize is the number of outstanding nonces remembered.
	DefaultCacheSize = 1000

	// DefaultValidity is how long a nonce may be used after it was issued.
	DefaultValidity = 5 * time.Minute

	// evictionWarnInterval rate-limits the premature eviction warning.
	evictionWarnInterval = 5 * time.Minute
)

// NonceGenerator issues nonces of the form "ts:hex(md5(addr:ts:key))" with
// strictly increasing millisecond timestamps.
type NonceGenerator struct {
	key string
	now func() time.Time

	mu   sync.Mutex
	last int64
}

func NewNonceGenerator(key string) *NonceGenerator {
	return &NonceGenerator{key: key, now: time.Now}
}

// Next returns a fresh nonce bound to clientAddr and its timestamp.
func (g *NonceGenerator) Next(clientAddr string) (string, int64) {
	ts := g.now().UnixMilli()

	g.mu.Lock()
	if ts > g.last {
		g.last = ts
	} else {
		g.last++
		ts = g.last
	}
	g.mu.Unlock()

	return formatNonce(ts, nonceMAC(clientAddr, ts, g.key)), ts
}

func nonceMAC(clientAddr string, ts int64, key string) string {
	sum := md5.Sum([]byte(clientAddr + ":" + strconv.FormatInt(ts, 10) + ":" + key))
	return hex.EncodeToString(sum[:])
}

func formatNonce(ts int64, mac string) string {
	return strconv.FormatInt(ts, 10) + ":" + mac
}

// parseNonce splits a nonce into its timestamp and MAC parts.
func parseNonce(nonce string) (int64, string, bool) {
	i := strings.IndexByte(nonce, ':')
	if i < 0 || i+1 == len(nonce) {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(nonce[:i], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return ts, nonce[i+1:], true
}

// NonceEntry is a cached nonce.
type NonceEntry struct {
	Nonce     string
	Timestamp int64
	Window    *ReplayWindow
}

// NonceCache remembers issued nonces in insertion order. When full, the
// oldest entry is evicted regardless of whether it has expired.
type NonceCache struct {
	capacity   int
	validity   time.Duration
	windowSize int
	now        func() time.Time
	metrics    metrics.DigestMetrics
	warnings   *catrate.Limiter

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// CacheOption configures a NonceCache.
type CacheOption func(*NonceCache)

func WithCapacity(n int) CacheOption {
	return func(c *NonceCache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithValidity(d time.Duration) CacheOption {
	return func(c *NonceCache) {
		if d > 0 {
			c.validity = d
		}
	}
}

func WithWindowSize(n int) CacheOption {
	return func(c *NonceCache) {
		if n > 0 {
			c.windowSize = n
		}
	}
}

func WithCacheMetrics(m metrics.DigestMetrics) CacheOption {
	return func(c *NonceCache) { c.metrics = m }
}

func withCacheClock(now func() time.Time) CacheOption {
	return func(c *NonceCache) { c.now = now }
}

func NewNonceCache(opts ...CacheOption) *NonceCache {
	c := &NonceCache{
		capacity:   DefaultCacheSize,
		validity:   DefaultValidity,
		windowSize: DefaultWindowSize,
		now:        time.Now,
		warnings:   catrate.NewLimiter(map[time.Duration]int{evictionWarnInterval: 1}),
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validity returns how long cached nonces remain usable.
func (c *NonceCache) Validity() time.Duration { return c.validity }

// Put caches nonce issued at ts (unix milliseconds) with a fresh replay
// window, evicting the oldest entry if the cache is full.
func (c *NonceCache) Put(nonce string, ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[nonce]; ok {
		c.order.Remove(el)
	}
	entry := &NonceEntry{Nonce: nonce, Timestamp: ts, Window: NewReplayWindow(c.windowSize)}
	c.entries[nonce] = c.order.PushBack(entry)

	for c.order.Len() > c.capacity {
		c.evictOldestLocked()
	}
	c.recordSizeLocked()
}

// Get returns the entry cached for nonce.
func (c *NonceCache) Get(nonce string) (*NonceEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[nonce]
	if !ok {
		return nil, false
	}
	return el.Value.(*NonceEntry), true
}

// Remove drops nonce from the cache.
func (c *NonceCache) Remove(nonce string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[nonce]; ok {
		c.order.Remove(el)
		delete(c.entries, nonce)
		c.recordSizeLocked()
	}
}

func (c *NonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *NonceCache) evictOldestLocked() {
	el := c.order.Front()
	if el == nil {
		return
	}
	entry := c.order.Remove(el).(*NonceEntry)
	delete(c.entries, entry.Nonce)

	age := c.now().Sub(time.UnixMilli(entry.Timestamp))
	stillValid := age < c.validity
	if c.metrics != nil {
		c.metrics.RecordNonceEvicted(stillValid)
	}
	if !stillValid {
		return
	}
	if _, ok := c.warnings.Allow("evict"); ok {
		logger.Warn("Nonce cache full, evicted a nonce that was still valid; replay protection is weakened",
			logger.KeyAge, age.String(),
			"capacity", c.capacity)
	}
}

func (c *NonceCache) recordSizeLocked() {
	if c.metrics != nil {
		c.metrics.SetNonceCacheSize(c.order.Len())
	}
}
