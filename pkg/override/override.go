// Package override implements the local override resolver: an exact-match
// table, a wildcard-suffix table backed by a byte trie, and an optional
// blocklist, composed into a single synchronous question-to-record lookup.
package override

import (
	"context"
	"net/netip"
	"strings"

	"github.com/PeterCxy/workerns/pkg/record"
	"github.com/PeterCxy/workerns/pkg/trie"
)

// Metrics records blocklist-synthesized answers separately from ordinary
// overrides. Satisfied by telemetry.Metrics.
type Metrics interface {
	AddBlocklistHit(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) AddBlocklistHit(context.Context) {}

// matchableTypes are the only qtypes for which an override answer is ever
// synthesized; everything else falls through to the cache/upstream path.
var matchableTypes = map[uint16]bool{
	record.TypeA:     true,
	record.TypeAAAA:  true,
	record.TypeA6:    true,
	record.TypeCNAME: true,
	record.TypeANY:   true,
}

// Resolver composes an exact-match map, a wildcard trie and a blocklist set
// into one question -> record function. It is built once from static
// configuration and never mutated afterward.
type Resolver struct {
	exact       map[string]netip.Addr
	wildcards   *trie.Trie[netip.Addr]
	blocklist   map[string]struct{}
	overrideTTL uint32
	metrics     Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics attaches a blocklist-hit recorder.
func WithMetrics(m Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New builds a Resolver from raw configuration. overrides maps a hostname
// (or "*.suffix" wildcard) to an IP address string; entries whose value
// does not parse as an IP are silently skipped. blocklist is a set of
// hostnames that should resolve to 0.0.0.0; case and a trailing dot are
// ignored, for blocklist and exact override keys alike.
func New(overrides map[string]string, blocklist map[string]struct{}, overrideTTL uint32, opts ...Option) *Resolver {
	r := &Resolver{
		exact:       make(map[string]netip.Addr),
		wildcards:   trie.New[netip.Addr](),
		blocklist:   make(map[string]struct{}, len(blocklist)),
		overrideTTL: overrideTTL,
		metrics:     noopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	for k := range blocklist {
		r.blocklist[normalizeKey(k)] = struct{}{}
	}
	for k, v := range overrides {
		addr, err := netip.ParseAddr(v)
		if err != nil {
			continue
		}
		if strings.HasPrefix(k, "*.") {
			// Drop the "*", keep the leading dot, then reverse: this turns
			// the suffix match into a trie prefix match on the reversed
			// key, with the retained dot preventing mid-label matches.
			suffix := k[1:]
			r.wildcards.Put([]byte(reverseString(suffix)), addr)
		} else {
			r.exact[normalizeKey(k)] = addr
		}
	}
	return r
}

func normalizeKey(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

func reverseString(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// TryResolve attempts to synthesize an answer for question from the exact
// table, the blocklist, or the wildcard trie, in that order. It reports
// false when no override applies and the caller should fall through to the
// cache or upstream.
func (r *Resolver) TryResolve(ctx context.Context, question record.Question) (record.Record, bool) {
	if !matchableTypes[question.QType] {
		return record.Record{}, false
	}

	name := normalizeKey(question.Name)

	if addr, ok := r.exact[name]; ok {
		return r.respondWithAddr(question, addr), true
	}
	if _, ok := r.blocklist[name]; ok {
		r.metrics.AddBlocklistHit(ctx)
		return r.respondWithAddr(question, netip.MustParseAddr("0.0.0.0")), true
	}
	if addr, ok := r.wildcards.Get([]byte(reverseString("." + name))); ok {
		return r.respondWithAddr(question, addr), true
	}
	return record.Record{}, false
}

// respondWithAddr builds the synthesized record. Type selection is driven
// by the address family of the matched IP, not by the question's qtype: a
// wildcard mapped to an IPv6 address returns AAAA even for an A query.
func (r *Resolver) respondWithAddr(question record.Question, addr netip.Addr) record.Record {
	var data record.Data
	if addr.Is4() {
		data = record.AData{Addr: addr}
	} else {
		data = record.AAAAData{Addr: addr}
	}
	return record.Record{
		Owner: record.CanonicalName(question.Name),
		Class: question.QClass,
		TTL:   r.overrideTTL,
		Data:  data,
	}
}
