// Package dohserver implements the inbound RFC 8484 DNS-over-HTTPS surface:
// decode the request, validate the parsed message, hand the questions to a
// Planner, and encode the answer back onto the wire.
package dohserver

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PeterCxy/workerns/pkg/logging"
	"github.com/PeterCxy/workerns/pkg/record"

	"github.com/miekg/dns"
)

// maxRequestBody bounds the POST body the server will read, matching the
// teacher's DoH handler's 64KB ceiling.
const maxRequestBody = 65536

// Planner is the subset of planner.Planner the server depends on.
type Planner interface {
	Resolve(ctx context.Context, questions []record.Question) []record.Record
}

// Metrics records request totals. Satisfied by telemetry.Metrics.
type Metrics interface {
	AddDoHRequest(ctx context.Context)
	AddDoHError(ctx context.Context)
}

type noopMetrics struct{}

func (noopMetrics) AddDoHRequest(context.Context) {}
func (noopMetrics) AddDoHError(context.Context)   {}

// Server is the DoH HTTP front end.
type Server struct {
	planner    Planner
	logger     *logging.Logger
	metrics    Metrics
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics attaches a request counter.
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a Server listening on addr and dispatching to p.
func New(addr string, p Planner, logger *logging.Logger, opts ...Option) *Server {
	s := &Server{
		planner: p,
		logger:  logger,
		metrics: noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleQuery)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting DoH server", "address", s.httpServer.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down DoH server")
	return s.httpServer.Shutdown(ctx)
}

// handleQuery implements the RECEIVE -> DECODE -> VALIDATE -> PLAN ->
// ENCODE -> RESPOND state machine. Any failure before RESPOND is reported
// as a 400 with a descriptive X-Error-Message header.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.metrics.AddDoHRequest(ctx)
	clientIP := getClientIP(r)

	msg, err := s.decode(r)
	if err != nil {
		s.logger.Debug("doh: decode failed", "client", clientIP, "error", err)
		s.fail(w, ctx, err)
		return
	}

	if err := validate(msg); err != nil {
		s.fail(w, ctx, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/dns-json") {
		s.fail(w, ctx, fmt.Errorf("JSON not supported"))
		return
	}

	questions := make([]record.Question, 0, len(msg.Question))
	for _, q := range msg.Question {
		questions = append(questions, record.Question{
			Name:   record.CanonicalName(q.Name),
			QType:  q.Qtype,
			QClass: q.Qclass,
		})
	}

	answers := s.planner.Resolve(ctx, questions)

	resp, err := encode(msg, answers)
	if err != nil {
		s.fail(w, ctx, err)
		return
	}

	s.respond(w, resp)
}

// decode handles all three inbound request shapes: GET ?dns=<b64url>,
// GET ?name=... (reserved for JSON, currently rejected), and POST with a
// wire-format body.
func (s *Server) decode(r *http.Request) (*dns.Msg, error) {
	switch r.Method {
	case http.MethodGet:
		return decodeGET(r)
	case http.MethodPost:
		return decodePOST(r)
	default:
		return nil, fmt.Errorf("unsupported method %s", r.Method)
	}
}

func decodeGET(r *http.Request) (*dns.Msg, error) {
	query := r.URL.Query()

	if b64 := query.Get("dns"); b64 != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("invalid dns parameter: %w", err)
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(decoded); err != nil {
			return nil, fmt.Errorf("invalid DNS message: %w", err)
		}
		return msg, nil
	}

	if query.Get("name") != "" {
		return nil, fmt.Errorf("JSON not supported")
	}

	return nil, fmt.Errorf("missing dns parameter")
}

func decodePOST(r *http.Request) (*dns.Msg, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.Contains(contentType, "application/dns-message") {
		return nil, fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty request body")
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(body); err != nil {
		return nil, fmt.Errorf("invalid DNS message: %w", err)
	}
	return msg, nil
}

// validate enforces the inbound invariants: QR=0, RD=1, at least one
// question, every question must already have decoded cleanly (guaranteed
// by msg.Unpack having succeeded, so this only checks the structural
// invariants miekg/dns doesn't enforce itself).
func validate(msg *dns.Msg) error {
	if msg.Response {
		return fmt.Errorf("QR must be 0 in a query")
	}
	if !msg.RecursionDesired {
		return fmt.Errorf("RD must be 1")
	}
	if len(msg.Question) == 0 {
		return fmt.Errorf("at least one question is required")
	}
	for _, q := range msg.Question {
		if _, ok := dns.IsDomainName(q.Name); !ok {
			return fmt.Errorf("invalid question name %q", q.Name)
		}
	}
	return nil
}

// encode builds the wire-format response: same transaction ID, QUERY
// opcode, QR=1/AA=0/RA=1, NXDOMAIN if answers is empty, echoed questions,
// and the answer section built from the planner's records.
func encode(req *dns.Msg, answers []record.Record) ([]byte, error) {
	resp := new(dns.Msg)
	resp.Id = req.Id
	resp.Opcode = dns.OpcodeQuery
	resp.Response = true
	resp.Authoritative = false
	resp.RecursionAvailable = true
	resp.RecursionDesired = req.RecursionDesired
	resp.Question = req.Question

	if len(answers) == 0 {
		resp.Rcode = dns.RcodeNameError
	} else {
		resp.Rcode = dns.RcodeSuccess
	}

	for _, rec := range answers {
		rr, err := toRR(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode answer for %s: %w", rec.Owner, err)
		}
		resp.Answer = append(resp.Answer, rr)
	}

	packed, err := resp.Pack()
	if err != nil {
		return nil, fmt.Errorf("response exceeds size limit: %w", err)
	}
	return packed, nil
}

// toRR converts an owned record back into a concrete miekg/dns resource
// record, the mirror image of record.ToOwned. OpaqueData (any rtype the
// codec does not special-case) is packed by packOpaqueRR and unpacked with
// dns.UnpackRR, which returns whatever concrete RR type miekg/dns knows.
func toRR(rec record.Record) (dns.RR, error) {
	hdr := dns.RR_Header{
		Name:   dns.Fqdn(rec.Owner),
		Rrtype: rec.Data.Type(),
		Class:  rec.Class,
		Ttl:    rec.TTL,
	}

	switch d := rec.Data.(type) {
	case record.AData:
		return &dns.A{Hdr: hdr, A: d.Addr.AsSlice()}, nil
	case record.AAAAData:
		return &dns.AAAA{Hdr: hdr, AAAA: d.Addr.AsSlice()}, nil
	case record.CNAMEData:
		return &dns.CNAME{Hdr: hdr, Target: dns.Fqdn(d.Target)}, nil
	case record.PTRData:
		return &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(d.Target)}, nil
	case record.MXData:
		return &dns.MX{Hdr: hdr, Preference: d.Preference, Mx: dns.Fqdn(d.Exchange)}, nil
	case record.SOAData:
		return &dns.SOA{
			Hdr:     hdr,
			Ns:      dns.Fqdn(d.MName),
			Mbox:    dns.Fqdn(d.RName),
			Serial:  d.Serial,
			Refresh: d.Refresh,
			Retry:   d.Retry,
			Expire:  d.Expire,
			Minttl:  d.Minimum,
		}, nil
	case record.SRVData:
		return &dns.SRV{Hdr: hdr, Priority: d.Priority, Weight: d.Weight, Port: d.Port, Target: dns.Fqdn(d.Target)}, nil
	case record.TXTData:
		return &dns.TXT{Hdr: hdr, Txt: d.Strings}, nil
	case record.OpaqueData:
		full, err := packOpaqueRR(hdr, d.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to pack opaque record: %w", err)
		}
		rr, _, err := dns.UnpackRR(full, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack opaque record: %w", err)
		}
		return rr, nil
	default:
		return nil, fmt.Errorf("unsupported record data type %T", rec.Data)
	}
}

// packOpaqueRR builds the wire-format bytes of a resource record (owner
// name, type, class, TTL, rdlength, rdata) from already-encoded rdata, so
// dns.UnpackRR can hand back whatever concrete RR type miekg/dns knows for
// hdr.Rrtype.
func packOpaqueRR(hdr dns.RR_Header, rdata []byte) ([]byte, error) {
	nameBuf := make([]byte, 255)
	n, err := dns.PackDomainName(hdr.Name, nameBuf, 0, nil, false)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, n+10+len(rdata))
	buf = append(buf, nameBuf[:n]...)

	var fixed [10]byte
	binary.BigEndian.PutUint16(fixed[0:2], hdr.Rrtype)
	binary.BigEndian.PutUint16(fixed[2:4], hdr.Class)
	binary.BigEndian.PutUint32(fixed[4:8], hdr.Ttl)
	binary.BigEndian.PutUint16(fixed[8:10], uint16(len(rdata)))
	buf = append(buf, fixed[:]...)
	buf = append(buf, rdata...)
	return buf, nil
}

// fail writes the 400 error response the state machine's ERROR branch
// requires: status 400, plain text body duplicated in X-Error-Message.
func (s *Server) fail(w http.ResponseWriter, ctx context.Context, err error) {
	s.metrics.AddDoHError(ctx)
	msg := err.Error()
	w.Header().Set("X-Error-Message", msg)
	http.Error(w, msg, http.StatusBadRequest)
}

// respond writes the 200 wire-format response with an explicit
// Content-Length, required because the body can contain bytes
// indistinguishable from HTTP framing when mis-handled.
func (s *Server) respond(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Error("failed to write DoH response", "error", err)
	}
}

// getClientIP is kept for parity with the teacher's proxy-aware logging;
// the DoH response never depends on it, but access logging does.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
