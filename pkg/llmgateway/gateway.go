// Gateway wires four layers around a Provider: cache → coalescer →
// concurrency gate → retry. Invoke is the single entry point every
// caller in the orchestrator, proactive scheduler, dream consolidator,
// and memory saver goes through.
package llmgateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Request is one Invoke call's parameters, hashed to form a cache key.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	QueryClass  QueryClass
}

func (r Request) key() string {
	type wire struct {
		Model       string
		Messages    []Message
		Temperature float64
		QueryClass  QueryClass
	}
	b, _ := json.Marshal(wire{r.Model, r.Messages, r.Temperature, r.QueryClass})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	resp    Response
	expires time.Time
	// prev/next implement an intrusive doubly linked LRU list.
	prev, next *cacheEntry
	key        string
}

// inflight is the coalescer's one-to-many completion record: every
// later caller with the same key waits on the one done channel, which
// is closed when the first caller's work finishes, and all read the
// same resp/err.
type inflight struct {
	done chan struct{}
	resp Response
	err  error
}

// Gateway is the shared LLM client.
type Gateway struct {
	providers  []Provider
	maxRetries int
	timeout    time.Duration
	log        zerolog.Logger

	sem chan struct{} // concurrency gate

	mu             sync.Mutex
	cache          map[string]*cacheEntry
	lruHead        *cacheEntry // most-recently-used
	lruTail        *cacheEntry // least-recently-used
	maxCacheSize   int
	inFlight       map[string]*inflight
	mergedRequests int64
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithMaxConcurrent(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.sem = make(chan struct{}, n)
		}
	}
}

func WithMaxRetries(n int) Option    { return func(g *Gateway) { g.maxRetries = n } }
func WithTimeout(d time.Duration) Option { return func(g *Gateway) { g.timeout = d } }
func WithMaxCacheSize(n int) Option  { return func(g *Gateway) { g.maxCacheSize = n } }

// New builds a Gateway over an ordered provider list: the first
// provider that doesn't fail serves the call, the rest are failover.
func New(log zerolog.Logger, providers []Provider, opts ...Option) *Gateway {
	g := &Gateway{
		providers:    providers,
		maxRetries:   2,
		timeout:      60 * time.Second,
		sem:          make(chan struct{}, 15),
		cache:        map[string]*cacheEntry{},
		inFlight:     map[string]*inflight{},
		maxCacheSize: 2000,
		log:          log.With().Str("component", "llmgateway").Logger(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// MergedRequests returns the coalescer's merge counter.
func (g *Gateway) MergedRequests() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mergedRequests
}

func classTTL(class QueryClass, temperature float64) time.Duration {
	ttl, ok := DefaultClassTTLs[class]
	if !ok {
		ttl = 30 * time.Minute
	}
	if temperature > 0.8 && ttl > highTemperatureTTLCap {
		ttl = highTemperatureTTLCap
	}
	return ttl
}

// cacheGet returns a cached response and bumps it to MRU, or false.
func (g *Gateway) cacheGet(key string) (Response, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[key]
	if !ok {
		return Response{}, false
	}
	if time.Now().After(e.expires) {
		g.lruRemove(e)
		delete(g.cache, key)
		return Response{}, false
	}
	g.lruTouch(e)
	return e.resp, true
}

func (g *Gateway) cachePut(key string, resp Response, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.cache[key]; ok {
		e.resp = resp
		e.expires = time.Now().Add(ttl)
		g.lruTouch(e)
		return
	}
	e := &cacheEntry{resp: resp, expires: time.Now().Add(ttl), key: key}
	g.cache[key] = e
	g.lruPushFront(e)
	for len(g.cache) > g.maxCacheSize && g.lruTail != nil {
		evict := g.lruTail
		g.lruRemove(evict)
		delete(g.cache, evict.key)
	}
}

func (g *Gateway) lruPushFront(e *cacheEntry) {
	e.prev, e.next = nil, g.lruHead
	if g.lruHead != nil {
		g.lruHead.prev = e
	}
	g.lruHead = e
	if g.lruTail == nil {
		g.lruTail = e
	}
}

func (g *Gateway) lruRemove(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		g.lruHead = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		g.lruTail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (g *Gateway) lruTouch(e *cacheEntry) {
	if g.lruHead == e {
		return
	}
	g.lruRemove(e)
	g.lruPushFront(e)
}

// Invoke runs one request through cache → coalescer → concurrency
// gate → retry → provider.
func (g *Gateway) Invoke(ctx context.Context, req Request) (Response, error) {
	key := req.key()

	if resp, ok := g.cacheGet(key); ok {
		resp.Cached = true
		return resp, nil
	}

	g.mu.Lock()
	if fl, ok := g.inFlight[key]; ok {
		g.mergedRequests++
		g.mu.Unlock()
		<-fl.done
		return fl.resp, fl.err
	}
	fl := &inflight{done: make(chan struct{})}
	g.inFlight[key] = fl
	g.mu.Unlock()

	resp, err := g.invokeUncached(ctx, req)

	g.mu.Lock()
	fl.resp, fl.err = resp, err
	delete(g.inFlight, key)
	g.mu.Unlock()
	close(fl.done)

	if err == nil {
		g.cachePut(key, resp, classTTL(req.QueryClass, req.Temperature))
	}
	return resp, err
}

func (g *Gateway) invokeUncached(ctx context.Context, req Request) (Response, error) {
	select {
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	var lastErr error
	for _, p := range g.providers {
		resp, err := g.callWithRetry(ctx, p, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		g.log.Warn().Str("provider", p.Name()).Err(err).Msg("llmgateway: provider failed, trying next")
	}
	return Response{}, fmt.Errorf("llmgateway: all providers failed: %w", lastErr)
}

func (g *Gateway) callWithRetry(ctx context.Context, p Provider, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		text, err := p.Generate(callCtx, req.Model, req.Messages, req.Temperature)
		cancel()
		if err == nil {
			return Response{Content: text}, nil
		}
		lastErr = err
		var retriable *RetriableError
		if !errors.As(err, &retriable) {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}
