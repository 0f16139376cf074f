// Package cache implements the KV-backed, per-question TTL cache: it
// persists records through a kv.Store collaborator and reconstructs the
// residual TTL on every read from the persisted creation timestamp, since
// the store's own TTL eviction is only eventual.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/PeterCxy/workerns/pkg/kv"
	"github.com/PeterCxy/workerns/pkg/logging"
	"github.com/PeterCxy/workerns/pkg/record"
)

// defaultListLimit bounds the number of keys fetched per question prefix;
// the core tolerates silent truncation beyond this, matching the KV
// collaborator's own default.
const defaultListLimit = 1000

// Metrics breaks the import cycle with pkg/telemetry the way the teacher's
// storage.MetricsRecorder does: the cache only needs to report hits,
// misses and written entries, not construct a telemetry.Telemetry itself.
type Metrics interface {
	AddCacheHit(ctx context.Context)
	AddCacheMiss(ctx context.Context)
	AddCacheEntry(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) AddCacheHit(context.Context)   {}
func (noopMetrics) AddCacheMiss(context.Context)  {}
func (noopMetrics) AddCacheEntry(context.Context) {}

// Cache is the per-question TTL cache.
type Cache struct {
	store     kv.Store
	logger    *logging.Logger
	metrics   Metrics
	listLimit int
}

// Option configures optional Cache behavior.
type Option func(*Cache)

// WithMetrics attaches a hit/miss recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithListLimit overrides the default list_prefix page size.
func WithListLimit(limit int) Option {
	return func(c *Cache) {
		if limit > 0 {
			c.listLimit = limit
		}
	}
}

// New builds a Cache over store.
func New(store kv.Store, logger *logging.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		logger:    logger,
		metrics:   noopMetrics{},
		listLimit: defaultListLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// recordKey composes the cache key for rec: "owner;rtype;class;hex(hash(rdata))".
func recordKey(rec record.Record, rdata []byte) string {
	return fmt.Sprintf("%s;%d;%d;%s", rec.Owner, rec.Data.Type(), rec.Class, record.HashHex(rdata))
}

// questionPrefix composes the list_prefix key for question q.
func questionPrefix(q record.Question) string {
	return fmt.Sprintf("%s;%d;%d;", record.CanonicalName(q.Name), q.QType, q.QClass)
}

// Put persists rec. Records with TTL=0 are never written: an unwritten
// cache entry is never a correctness problem, and writing a zero-TTL key
// would only invite the store to reject it. Write failures are logged and
// swallowed.
func (c *Cache) Put(ctx context.Context, rec record.Record) {
	if rec.TTL == 0 {
		return
	}

	rdata, err := record.Encode(rec.Data)
	if err != nil {
		c.logger.Error("cache: failed to encode rdata", "owner", rec.Owner, "error", err)
		return
	}

	key := recordKey(rec, rdata)
	metadata := kv.Metadata{CreatedTS: uint64(time.Now().Unix()), TTL: rec.TTL}

	if err := c.store.Put(ctx, key, rdata, time.Duration(rec.TTL)*time.Second, metadata); err != nil {
		c.logger.Error("cache: put failed", "key", key, "error", err)
		return
	}
	c.metrics.AddCacheEntry(ctx)
}

// Get returns the cached records for question q, with TTL recomputed as
// the residual since each record's creation time, floored at zero. It
// returns (nil, false) when there is no cache entry at all, or when any
// listed key's value fails to parse (the whole get fails rather than
// returning a partial result, to keep the read/write contract simple).
func (c *Cache) Get(ctx context.Context, q record.Question) ([]record.Record, bool) {
	prefix := questionPrefix(q)

	keys, err := c.store.ListPrefix(ctx, prefix, c.listLimit)
	if err != nil {
		c.logger.Error("cache: list_prefix failed", "prefix", prefix, "error", err)
		c.metrics.AddCacheMiss(ctx)
		return nil, false
	}
	if len(keys) == 0 {
		c.metrics.AddCacheMiss(ctx)
		return nil, false
	}

	now := time.Now().Unix()
	var out []record.Record
	for _, key := range keys {
		value, metadata, err := c.store.GetWithMetadata(ctx, key)
		if err != nil || metadata == nil {
			// Stale-list race: the key was listed but has since expired
			// or been deleted. Skip it silently.
			continue
		}

		data, err := record.Decode(q.QType, value)
		if err != nil {
			c.logger.Error("cache: failed to decode rdata", "key", key, "error", err)
			c.metrics.AddCacheMiss(ctx)
			return nil, false
		}

		elapsed := uint64(0)
		if now > int64(metadata.CreatedTS) {
			elapsed = uint64(now) - metadata.CreatedTS
		}
		residual := uint32(0)
		if elapsed < uint64(metadata.TTL) {
			residual = metadata.TTL - uint32(elapsed)
		}

		out = append(out, record.Record{
			Owner: record.CanonicalName(q.Name),
			Class: q.QClass,
			TTL:   residual,
			Data:  data,
		})
	}

	if len(out) == 0 {
		c.metrics.AddCacheMiss(ctx)
		return nil, false
	}
	c.metrics.AddCacheHit(ctx)
	return out, true
}
