// Package mockserver implements a single ephemeral HTTP(S) mock server
// that serves the responses declared in a pact and records a verdict for
// every request that arrives.
package mockserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/MaxCampman/pact-reference/pkg/logging"
	"github.com/MaxCampman/pact-reference/pkg/matching"
	"github.com/MaxCampman/pact-reference/pkg/models"
)

// MaxRequestBodySize caps how much of a request body is read for matching.
const MaxRequestBodySize = 10 << 20 // 10MB

// MismatchHeader is set on the error response returned for requests that
// matched no interaction.
const MismatchHeader = "X-Pact"

// MockServer binds one socket and validates the traffic that arrives on it
// against its pact. All mutable state is guarded by the server's own
// mutex, so servers never contend with each other.
type MockServer struct {
	id     string
	pact   *models.Pact
	config Config
	log    *slog.Logger

	listener net.Listener
	httpSrv  *http.Server
	port     int
	host     string
	done     chan struct{}

	mu       sync.Mutex
	status   Status
	matchLog []MatchResult
	metrics  Metrics
}

// Option configures a MockServer.
type Option func(*MockServer)

// WithLogger sets the operational logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *MockServer) {
		if log != nil {
			s.log = log
		}
	}
}

// New binds a socket for a mock server serving the given pact. The bind is
// synchronous: when New returns without error the resolved port is final
// (an OS-assigned port when addr requested port 0). Nothing is retained on
// a bind failure. The server does not accept connections until Start is
// called.
func New(id string, pact *models.Pact, addr string, cfg Config, opts ...Option) (*MockServer, error) {
	if pact == nil {
		return nil, errors.New("pact cannot be nil")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind mock server to %s: %w", addr, err)
	}
	if cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, cfg.TLSConfig)
	}

	s := &MockServer{
		id:       id,
		pact:     pact,
		config:   cfg,
		log:      logging.Nop(),
		listener: listener,
		done:     make(chan struct{}),
		status:   StatusStarting,
	}
	for _, opt := range opts {
		opt(s)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return nil, fmt.Errorf("mock server %s bound a non-TCP address %s", id, listener.Addr())
	}
	s.port = tcpAddr.Port
	s.host = hostFor(tcpAddr.IP)
	s.httpSrv = &http.Server{Handler: s}

	return s, nil
}

// hostFor picks the host clients should dial. Unspecified bind addresses
// are reachable via loopback.
func hostFor(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return "127.0.0.1"
	}
	if ip.To4() == nil {
		return fmt.Sprintf("[%s]", ip)
	}
	return ip.String()
}

// Start transitions the server to Running and serves connections on a
// background goroutine until Shutdown.
func (s *MockServer) Start() {
	s.mu.Lock()
	if s.status != StatusStarting {
		s.mu.Unlock()
		return
	}
	s.status = StatusRunning
	s.mu.Unlock()

	s.log.Info("mock server started", "id", s.id, "address", s.Address())

	go func() {
		defer close(s.done)
		if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("mock server exited abnormally", "id", s.id, "error", err)
			s.setStatus(StatusStopped)
		}
	}()
}

// Shutdown stops accepting connections, lets in-flight requests finish,
// and transitions to Stopped. It returns an error if the server is not
// currently running, without side effects.
func (s *MockServer) Shutdown() error {
	s.mu.Lock()
	if s.status != StatusRunning {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("mock server %s is not running (status %s)", s.id, status)
	}
	s.status = StatusShuttingDown
	s.mu.Unlock()

	// Drains in-flight requests; no extra timeout beyond natural I/O
	// completion.
	err := s.httpSrv.Shutdown(context.Background())
	s.setStatus(StatusStopped)
	if err != nil {
		return fmt.Errorf("failed to shut down mock server %s: %w", s.id, err)
	}
	return nil
}

// Done returns a channel closed when the serving goroutine has fully
// exited. Callers join on it after Shutdown.
func (s *MockServer) Done() <-chan struct{} {
	return s.done
}

func (s *MockServer) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// ID returns the caller-chosen server identifier.
func (s *MockServer) ID() string { return s.id }

// Pact returns the contract this server validates against.
func (s *MockServer) Pact() *models.Pact { return s.pact }

// Port returns the resolved bound port. It never changes once New returns.
func (s *MockServer) Port() int { return s.port }

// Address returns the resolved host:port clients should dial.
func (s *MockServer) Address() string {
	return net.JoinHostPort(strings.Trim(s.host, "[]"), fmt.Sprint(s.port))
}

// URL returns the base URL of the server, scheme included.
func (s *MockServer) URL() string {
	scheme := "http"
	if s.config.TLSConfig != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.host, s.port)
}

// Status returns the current lifecycle state.
func (s *MockServer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// MatchLog returns a copy of the match log in arrival order.
func (s *MockServer) MatchLog() []MatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MatchResult(nil), s.matchLog...)
}

// Mismatches returns only the unmatched entries of the match log.
func (s *MockServer) Mismatches() []MatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mismatches []MatchResult
	for _, r := range s.matchLog {
		if !r.Matched {
			mismatches = append(mismatches, r)
		}
	}
	return mismatches
}

// AllMatched reports whether every declared interaction was hit at least
// once and nothing unmatched arrived.
func (s *MockServer) AllMatched() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.metrics.RequestsUnmatched > 0 {
		return false
	}
	seen := make(map[string]bool)
	for _, r := range s.matchLog {
		if r.Matched {
			seen[r.Description] = true
		}
	}
	for _, in := range s.pact.Interactions {
		if !seen[in.Description] {
			return false
		}
	}
	return true
}

// Metrics returns a snapshot of the request counters.
func (s *MockServer) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// ResetMetrics zeroes the request counters and clears the match log.
func (s *MockServer) ResetMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = Metrics{}
	s.matchLog = nil
}

// WritePact writes the server's pact to dir, merging with any existing
// file for the same consumer/provider pair. Returns the path written.
func (s *MockServer) WritePact(dir string) (string, error) {
	return s.pact.WriteFile(dir)
}

// ServeHTTP classifies one incoming request against the pact and serves
// the expected response or a mismatch error response. The lock covers only
// the verdict-recording step, never the network write.
func (s *MockServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actual := requestFromHTTP(r)
	outcome := matching.BestMatch(s.pact, actual, s.config.StrictMatching)

	if outcome.Matched() {
		s.record(MatchResult{
			Matched:     true,
			Description: outcome.Interaction.Description,
			Request:     *actual,
		}, false)
		s.log.Debug("request matched", "id", s.id, "interaction", outcome.Interaction.Description,
			"method", actual.Method, "path", actual.Path)
		writeResponse(w, &outcome.Interaction.Response)
		return
	}

	if s.config.CORSPreflight && r.Method == http.MethodOptions {
		// Preflight probes from browsers are not contract traffic.
		s.record(MatchResult{}, true)
		writePreflight(w, r)
		return
	}

	result := MatchResult{Request: *actual}
	if outcome != nil {
		result.Description = outcome.Interaction.Description
		result.Mismatches = outcome.Mismatches
	}
	s.record(result, false)
	s.log.Debug("request unmatched", "id", s.id, "method", actual.Method, "path", actual.Path,
		"mismatches", len(result.Mismatches))
	writeMismatch(w, &result)
}

// record appends a verdict and bumps counters under the server lock.
// preflightOnly entries count as received traffic but are not logged.
func (s *MockServer) record(result MatchResult, preflightOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.RequestsReceived++
	if preflightOnly {
		return
	}
	if !result.Matched {
		s.metrics.RequestsUnmatched++
	}
	s.matchLog = append(s.matchLog, result)
}

func requestFromHTTP(r *http.Request) *models.Request {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize))
	}

	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[k] = strings.Join(v, ", ")
	}

	return &models.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.Query(),
		Headers: headers,
		Body:    string(body),
	}
}

func writeResponse(w http.ResponseWriter, resp *models.Response) {
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusOrDefault())
	if resp.Body != "" {
		_, _ = io.WriteString(w, resp.Body)
	}
}

func writeMismatch(w http.ResponseWriter, result *MatchResult) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(MismatchHeader, "Request-Unmatched")
	w.WriteHeader(http.StatusInternalServerError)

	payload := map[string]any{
		"error":      "no matching interaction found",
		"request":    result.Request,
		"mismatches": result.Mismatches,
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS, HEAD")
	headers := r.Header.Get("Access-Control-Request-Headers")
	if headers == "" {
		headers = "Content-Type, Authorization, Accept"
	}
	w.Header().Set("Access-Control-Allow-Headers", headers)
	w.WriteHeader(http.StatusOK)
}
