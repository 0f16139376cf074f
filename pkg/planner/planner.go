// Package planner implements the question-to-records orchestration: try the
// override table, then the cache, then forward whatever remains upstream,
// writing fresh upstream answers back into the cache.
package planner

import (
	"context"

	"github.com/PeterCxy/workerns/pkg/cache"
	"github.com/PeterCxy/workerns/pkg/logging"
	"github.com/PeterCxy/workerns/pkg/override"
	"github.com/PeterCxy/workerns/pkg/record"
)

// Upstream is the subset of upstream.Client the planner depends on.
type Upstream interface {
	QueryWithRetry(ctx context.Context, questions []record.Question, n int) ([]record.Record, error)
}

// Metrics records override-table hits, blocklist-synthesized answers
// included. Blocklist hits are also counted on their own by the override
// package; cache hits/misses and upstream attempts/failures are reported by
// the cache and upstream packages respectively.
type Metrics interface {
	AddOverrideHit(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) AddOverrideHit(context.Context) {}

// Planner composes an override resolver, a cache and an upstream client
// into the single resolve(questions) operation.
type Planner struct {
	overrides *override.Resolver
	cache     *cache.Cache
	upstream  Upstream
	retries   int
	logger    *logging.Logger
	metrics   Metrics
}

// Option configures a Planner.
type Option func(*Planner)

// WithMetrics attaches a Metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(p *Planner) { p.metrics = m }
}

// New builds a Planner. retries is the upstream retry count passed through
// to QueryWithRetry for whatever questions are not answered locally.
func New(overrides *override.Resolver, c *cache.Cache, u Upstream, retries int, logger *logging.Logger, opts ...Option) *Planner {
	p := &Planner{
		overrides: overrides,
		cache:     c,
		upstream:  u,
		retries:   retries,
		logger:    logger,
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Resolve answers every question in order: override hits and cache hits are
// collected immediately, everything else is batched into a single upstream
// request. Answers are returned with upstream results first, followed by
// the override/cache answers, matching the concatenation order the wire
// response encoder expects.
func (p *Planner) Resolve(ctx context.Context, questions []record.Question) []record.Record {
	answers := make([]record.Record, 0, len(questions))
	remaining := make([]record.Question, 0, len(questions))

	for _, q := range questions {
		if rec, ok := p.overrides.TryResolve(ctx, q); ok {
			p.metrics.AddOverrideHit(ctx)
			answers = append(answers, rec)
			continue
		}
		if recs, ok := p.cache.Get(ctx, q); ok {
			answers = append(answers, recs...)
			continue
		}
		remaining = append(remaining, q)
	}

	if len(remaining) == 0 {
		return answers
	}

	upstreamAnswers, err := p.upstream.QueryWithRetry(ctx, remaining, p.retries)
	if err != nil {
		p.logger.Warn("upstream resolution failed", "error", err, "questions", len(remaining))
		return answers
	}

	for _, rec := range upstreamAnswers {
		p.cache.Put(ctx, rec)
	}

	return append(upstreamAnswers, answers...)
}
