package transform

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/buffer"
	"github.com/vispy/GSP-API/internal/cache"
)

// Resolver loads the raw bytes behind a DataSource URI.
type Resolver interface {
	Resolve(ctx context.Context, uri string) ([]byte, error)
}

// Fetcher retrieves the raw bytes of a remote buffer for a NetworkSource.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string) ([]byte, error)
}

// ResolverFunc adapts a function into a Resolver.
type ResolverFunc func(ctx context.Context, uri string) ([]byte, error)

func (f ResolverFunc) Resolve(ctx context.Context, uri string) ([]byte, error) {
	return f(ctx, uri)
}

// FetcherFunc adapts a function into a Fetcher.
type FetcherFunc func(ctx context.Context, endpoint string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	return f(ctx, endpoint)
}

// Observer receives evaluation outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveEvaluation(d time.Duration, err error)
	ObserveCache(hit bool)
}

// cacheKey identifies one evaluation. The transform id alone is not enough:
// ids are chosen by producers, so two sessions may reuse one with different
// links, and source contents may differ between scopes.
type cacheKey struct {
	scope     string
	transform uuid.UUID
	chain     uint64
	env       uint64
}

func hashCacheKey(k cacheKey) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.scope))
	_, _ = h.Write(k.transform[:])
	var scratch [8]byte
	binary.LittleEndian.PutUint64(scratch[:], k.chain)
	_, _ = h.Write(scratch[:])
	binary.LittleEndian.PutUint64(scratch[:], k.env)
	_, _ = h.Write(scratch[:])
	return h.Sum64()
}

type scopeKey struct{}

// WithCacheScope returns a context whose evaluations only share cached
// results with other evaluations in the same scope, such as one session.
func WithCacheScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// CacheScope returns the scope set by WithCacheScope, or "".
func CacheScope(ctx context.Context) string {
	scope, _ := ctx.Value(scopeKey{}).(string)
	return scope
}

// Engine evaluates transforms. It is safe for concurrent use.
type Engine struct {
	resolver Resolver
	fetcher  Fetcher
	cache    *cache.Sharded[cacheKey, *buffer.Buffer]
	observer Observer
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver sets the DataSource resolver.
func WithResolver(r Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithFetcher sets the NetworkSource fetcher.
func WithFetcher(f Fetcher) Option {
	return func(e *Engine) { e.fetcher = f }
}

// WithCache memoizes results by (cache scope, transform, chain digest,
// environment fingerprint).
// capacity is per cache shard.
func WithCache(capacity int) Option {
	return func(e *Engine) {
		e.cache = cache.NewSharded[cacheKey, *buffer.Buffer](capacity, hashCacheKey)
	}
}

// WithObserver reports evaluation timings and cache outcomes.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// NewEngine builds an engine. Without a resolver or fetcher, DataSource and
// NetworkSource links fail with ErrSourceUnavailable.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CacheStats returns the cache counters, or zero stats without a cache.
func (e *Engine) CacheStats() cache.Stats {
	if e.cache == nil {
		return cache.Stats{}
	}
	return e.cache.Stats()
}

// Evaluate folds the chain of t over env. The result is published.
func (e *Engine) Evaluate(ctx context.Context, t *Transform, env Env) (*buffer.Buffer, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transform", ErrInvalidChain)
	}
	key := cacheKey{scope: CacheScope(ctx), transform: t.id, chain: t.digest, env: env.Fingerprint()}
	if e.cache != nil {
		if b, ok := e.cache.Get(key); ok {
			e.observeCache(true)
			return b, nil
		}
		e.observeCache(false)
	}

	start := time.Now()
	out, err := e.fold(ctx, t, env)
	if e.observer != nil {
		e.observer.ObserveEvaluation(time.Since(start), err)
	}
	if err != nil {
		log.Debug().Str("transform", t.id.String()).Err(err).Msg("transform evaluation failed")
		return nil, err
	}
	out.Publish()
	if e.cache != nil {
		e.cache.Set(key, out)
	}
	return out, nil
}

func (e *Engine) observeCache(hit bool) {
	if e.observer != nil {
		e.observer.ObserveCache(hit)
	}
}

func (e *Engine) fold(ctx context.Context, t *Transform, env Env) (*buffer.Buffer, error) {
	var current *buffer.Buffer
	for i, l := range t.links {
		if err := ctx.Err(); err != nil {
			return nil, &LinkError{Transform: t.id, Index: i, Kind: l.Kind(), Err: fmt.Errorf("%w: %w", ErrSourceUnavailable, err)}
		}
		next, err := e.apply(ctx, l, env, current)
		if err != nil {
			return nil, &LinkError{Transform: t.id, Index: i, Kind: l.Kind(), Err: err}
		}
		current = next
	}
	return current, nil
}

func (e *Engine) apply(ctx context.Context, l Link, env Env, in *buffer.Buffer) (*buffer.Buffer, error) {
	switch v := l.(type) {
	case Accessor:
		b, ok := env.Lookup(v.Field)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, v.Field)
		}
		return b, nil
	case DataSource:
		return e.applyDataSource(ctx, v)
	case NetworkSource:
		return e.applyNetworkSource(ctx, v)
	case Immediate:
		return v.Buffer, nil
	case Operator:
		return applyOperator(in, v)
	default:
		return nil, fmt.Errorf("%w: unsupported link %T", ErrInvalidChain, l)
	}
}

func (e *Engine) applyDataSource(ctx context.Context, ds DataSource) (*buffer.Buffer, error) {
	if e.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver for %q", ErrSourceUnavailable, ds.URI)
	}
	data, err := e.resolver.Resolve(ctx, ds.URI)
	if err != nil {
		if errors.Is(err, ErrMalformedSource) || errors.Is(err, ErrSourceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, ds.URI, err)
	}
	return reinterpret(ds.URI, data, ds.Type)
}

type fetchResult struct {
	data []byte
	err  error
}

func (e *Engine) applyNetworkSource(ctx context.Context, ns NetworkSource) (*buffer.Buffer, error) {
	if e.fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher for %q", ErrSourceUnavailable, ns.Endpoint)
	}
	if ns.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ns.Timeout)
		defer cancel()
	}

	done := make(chan fetchResult, 1)
	go func() {
		data, err := e.fetcher.Fetch(ctx, ns.Endpoint)
		done <- fetchResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, ns.Endpoint, ctx.Err())
	case res := <-done:
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, ns.Endpoint, err)
		}
		if res.err != nil {
			if errors.Is(res.err, ErrMalformedSource) || errors.Is(res.err, ErrSourceUnavailable) {
				return nil, res.err
			}
			return nil, fmt.Errorf("%w: %s: %w", ErrSourceUnavailable, ns.Endpoint, res.err)
		}
		return reinterpret(ns.Endpoint, res.data, ns.Type)
	}
}

func reinterpret(origin string, data []byte, typ buffer.Type) (*buffer.Buffer, error) {
	if size := typ.Size(); len(data)%size != 0 {
		return nil, fmt.Errorf("%w: %s: %d bytes is not a multiple of %s size %d", ErrMalformedSource, origin, len(data), typ, size)
	}
	return buffer.FromBytes(data, typ)
}
