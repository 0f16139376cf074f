// Package upstream implements the DoH client used to forward questions that
// were not answered by the override table or the cache.
package upstream

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	mathrand "math/rand"
	"net/http"
	"time"

	"github.com/PeterCxy/workerns/pkg/forwarder"
	"github.com/PeterCxy/workerns/pkg/logging"
	"github.com/PeterCxy/workerns/pkg/record"

	"github.com/miekg/dns"
)

// maxQuerySize matches the UDP wire format ceiling enforced by the teacher's
// DNS message builders; a query that would not fit in this many bytes fails
// fast rather than being silently truncated.
const maxQuerySize = 65535

// ErrQuerySizeExceeded is returned when the outbound question set does not
// fit in a single wire-format message.
var ErrQuerySizeExceeded = errors.New("query exceeds maximum wire size")

// ErrNoAttempts is the sentinel returned by QueryWithRetry when called with
// n=0: no request was ever made, so there is no underlying error to surface.
var ErrNoAttempts = errors.New("no query attempts made")

// StatusError is returned when an upstream responds with a non-200 HTTP
// status code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected upstream status %d", e.Code)
}

// RcodeError is returned when an upstream's DNS response carries an RCODE
// other than NOERROR or NXDOMAIN.
type RcodeError struct {
	Rcode int
}

func (e *RcodeError) Error() string {
	return fmt.Sprintf("unexpected upstream rcode %s", dns.RcodeToString[e.Rcode])
}

// Metrics records upstream query attempts and failures. Satisfied by
// telemetry.Metrics; kept as a narrow interface here to avoid an import
// cycle, the same pattern the cache package uses.
type Metrics interface {
	AddUpstreamAttempt(ctx context.Context)
	AddUpstreamFailure(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) AddUpstreamAttempt(context.Context) {}
func (noopMetrics) AddUpstreamFailure(context.Context) {}

// Client selects a random configured upstream per attempt and speaks
// RFC 8484 wire-format DoH over POST.
type Client struct {
	urls       []string
	httpClient *http.Client
	logger     *logging.Logger
	metrics    Metrics
	breakers   map[string]*forwarder.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics attaches a Metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient overrides the default HTTP client (primarily for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client from a non-empty list of upstream DoH endpoint URLs.
// Each upstream gets its own circuit breaker so a single unhealthy resolver
// does not keep being selected and eating the retry budget; this is
// additive resilience layered on top of the required random-selection and
// retry semantics, not a replacement for them.
func New(urls []string, timeout time.Duration, logger *logging.Logger, opts ...Option) *Client {
	c := &Client{
		urls: urls,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:   logger,
		metrics:  noopMetrics{},
		breakers: make(map[string]*forwarder.CircuitBreaker, len(urls)),
	}
	for _, u := range urls {
		c.breakers[u] = forwarder.NewCircuitBreaker(5, 2, 30*time.Second)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// buildQuery packs questions into a single DNS message with a random
// transaction ID, QR=0, Opcode=QUERY, RD=1.
func buildQuery(questions []record.Question) (*dns.Msg, []byte, error) {
	msg := new(dns.Msg)
	msg.Id = randomID()
	msg.Response = false
	msg.Opcode = dns.OpcodeQuery
	msg.RecursionDesired = true
	msg.Question = make([]dns.Question, 0, len(questions))
	for _, q := range questions {
		msg.Question = append(msg.Question, dns.Question{
			Name:   record.CanonicalName(q.Name),
			Qtype:  q.QType,
			Qclass: q.QClass,
		})
	}

	packed, err := msg.Pack()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to pack query: %w", err)
	}
	if len(packed) > maxQuerySize {
		return nil, nil, ErrQuerySizeExceeded
	}
	return msg, packed, nil
}

func randomID() uint16 {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint16(mathrand.Intn(1 << 16))
	}
	return binary.BigEndian.Uint16(buf[:])
}

// selectUpstream picks one of the configured URLs uniformly at random,
// excluding any whose circuit breaker is currently open. If every upstream
// is open (all unhealthy), it falls back to the full list rather than
// failing outright, since the required random-selection/retry semantics
// take precedence over the additive circuit-breaker layer.
func (c *Client) selectUpstream() string {
	healthy := make([]string, 0, len(c.urls))
	for _, u := range c.urls {
		if c.breakers[u].IsHealthy() {
			healthy = append(healthy, u)
		}
	}
	if len(healthy) == 0 {
		healthy = c.urls
	}
	return healthy[mathrand.Intn(len(healthy))]
}

// Query builds the outbound message, sends it to a randomly selected
// upstream, and interprets the response by RCODE.
func (c *Client) Query(ctx context.Context, questions []record.Question) ([]record.Record, error) {
	_, body, err := buildQuery(questions)
	if err != nil {
		return nil, err
	}

	upstream := c.selectUpstream()
	c.metrics.AddUpstreamAttempt(ctx)

	var resp *dns.Msg
	breaker := c.breakers[upstream]
	callErr := breaker.Call(func() error {
		var doErr error
		resp, doErr = c.doQuery(ctx, upstream, body)
		return doErr
	})
	if callErr != nil {
		c.metrics.AddUpstreamFailure(ctx)
		return nil, callErr
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		return extractAnswers(resp)
	case dns.RcodeNameError:
		return nil, nil
	default:
		c.metrics.AddUpstreamFailure(ctx)
		return nil, &RcodeError{Rcode: resp.Rcode}
	}
}

func (c *Client) doQuery(ctx context.Context, upstream string, body []byte) (*dns.Msg, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-message")
	req.Header.Set("Content-Type", "application/dns-message")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxQuerySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(respBody); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}
	return msg, nil
}

// extractAnswers converts the answer section of a NOERROR response into
// owned records. An empty answer section is not an error.
func extractAnswers(msg *dns.Msg) ([]record.Record, error) {
	answers := make([]record.Record, 0, len(msg.Answer))
	for _, rr := range msg.Answer {
		data, err := record.ToOwned(rr)
		if err != nil {
			c := rr.Header()
			return nil, fmt.Errorf("failed to convert answer for %s: %w", c.Name, err)
		}
		answers = append(answers, record.Record{
			Owner: record.CanonicalName(rr.Header().Name),
			Class: rr.Header().Class,
			TTL:   rr.Header().Ttl,
			Data:  data,
		})
	}
	return answers, nil
}

// QueryWithRetry invokes Query up to n times, each attempt independently
// selecting a fresh upstream. The first success wins; if every attempt
// fails, the last error is returned. There is no backoff between attempts.
func (c *Client) QueryWithRetry(ctx context.Context, questions []record.Question, n int) ([]record.Record, error) {
	if n <= 0 {
		return nil, ErrNoAttempts
	}

	var lastErr error
	for i := 0; i < n; i++ {
		answers, err := c.Query(ctx, questions)
		if err == nil {
			return answers, nil
		}
		lastErr = err
		c.logger.Warn("upstream query attempt failed", "attempt", i+1, "of", n, "error", err)
	}
	return nil, lastErr
}
