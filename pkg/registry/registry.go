// Package registry manages the lifecycle of many concurrently running mock
// servers: it starts them (plain or TLS), tracks them by caller-chosen id,
// exposes their recorded state, and shuts them down cleanly.
//
// The registry is the sole owner of the id-to-server map. Each server
// guards its own mutable state with its own lock, so operations on two
// distinct servers never contend, and the registry never holds one
// server's lock while touching another's.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/MaxCampman/pact-reference/pkg/logging"
	"github.com/MaxCampman/pact-reference/pkg/mockserver"
	"github.com/MaxCampman/pact-reference/pkg/models"
	pacttls "github.com/MaxCampman/pact-reference/pkg/tls"
)

// ErrDuplicateServer is returned by Start when the id is already in use by
// an active server. Silent replacement would orphan the running server's
// goroutine without it ever being joined.
var ErrDuplicateServer = errors.New("mock server id already in use")

// entry pairs a running server with the channel its serving goroutine
// closes on exit. Entries are removed exactly once, at successful
// shutdown.
type entry struct {
	server *mockserver.MockServer
	done   <-chan struct{}
}

// Registry owns all active mock servers. The zero value is not usable;
// create one with New. A Registry may be used from multiple goroutines.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	servers map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the operational logger for the registry and the servers
// it starts.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:     logging.Nop(),
		servers: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start binds a plain HTTP mock server on addr (for example
// "127.0.0.1:0"), begins serving on a background goroutine, and returns
// the resolved address. A requested port of 0 is replaced by the
// OS-assigned one. A failed bind inserts nothing; a duplicate id fails
// with ErrDuplicateServer.
func (r *Registry) Start(id string, pact *models.Pact, addr string, cfg mockserver.Config) (string, error) {
	cfg.TLSConfig = nil
	return r.start(id, pact, addr, cfg)
}

// StartTLS is Start for HTTPS servers. certPEM and keyPEM carry the
// PEM-encoded certificate and key material; malformed material fails with
// a *tls.ConfigError before anything is bound.
func (r *Registry) StartTLS(id string, pact *models.Pact, addr string, certPEM, keyPEM []byte, cfg mockserver.Config) (string, error) {
	tlsCfg, err := pacttls.BuildServerConfig(certPEM, keyPEM)
	if err != nil {
		return "", err
	}
	cfg.TLSConfig = tlsCfg
	return r.start(id, pact, addr, cfg)
}

func (r *Registry) start(id string, pact *models.Pact, addr string, cfg mockserver.Config) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.servers[id]; exists {
		return "", fmt.Errorf("%w: %q", ErrDuplicateServer, id)
	}

	server, err := mockserver.New(id, pact, addr, cfg,
		mockserver.WithLogger(r.log.With("component", "mockserver")))
	if err != nil {
		return "", err
	}

	server.Start()
	r.servers[id] = &entry{server: server, done: server.Done()}
	r.log.Info("registered mock server", "id", id, "address", server.Address())
	return server.Address(), nil
}

// ShutdownByID removes the server, signals it to stop, and blocks until
// its serving goroutine has fully exited. The drain and the join happen
// outside the registry lock, so operations on other servers proceed while
// one drains. A server whose serving goroutine already exited on its own
// is reaped: its entry is removed and true is returned. Returns false
// without side effects when the id is unknown.
func (r *Registry) ShutdownByID(id string) bool {
	r.mu.Lock()
	e, ok := r.servers[id]
	if !ok {
		r.mu.Unlock()
		r.log.Debug("shutdown requested for unknown mock server", "id", id)
		return false
	}
	// Claim the entry before unlocking so at most one caller drains it.
	delete(r.servers, id)
	r.mu.Unlock()

	if err := e.server.Shutdown(); err != nil {
		if e.server.Status() != mockserver.StatusStopped {
			// Put the entry back; a false return leaves no side effects.
			r.mu.Lock()
			r.servers[id] = e
			r.mu.Unlock()
			r.log.Warn("failed to shut down mock server", "id", id, "error", err)
			return false
		}
		// The serving goroutine exited on its own, reap the entry.
		r.log.Warn("reaped mock server that had already stopped", "id", id, "error", err)
	}

	<-e.done
	r.log.Info("mock server shut down", "id", id, "metrics", e.server.Metrics())
	return true
}

// ShutdownByPort resolves the server owning the given bound port (first
// match in ascending-id order) and shuts it down as ShutdownByID does.
func (r *Registry) ShutdownByPort(port int) bool {
	id, ok := r.findIDByPort(port)
	if !ok {
		r.log.Debug("shutdown requested for unknown port", "port", port)
		return false
	}
	return r.ShutdownByID(id)
}

// Close shuts down every remaining server and joins them all before
// returning. It replaces the fire-and-forget teardown of dropping the
// registry: no serving goroutine outlives a Close call. Returns the first
// shutdown error encountered, if any.
func (r *Registry) Close() error {
	r.mu.Lock()
	remaining := make([]*entry, 0, len(r.servers))
	for _, e := range r.servers {
		remaining = append(remaining, e)
	}
	r.servers = make(map[string]*entry)
	r.mu.Unlock()

	var firstErr error
	for _, e := range remaining {
		if err := e.server.Shutdown(); err != nil {
			if e.server.Status() != mockserver.StatusStopped {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			// Already stopped on its own; still join it below.
		}
		<-e.done
	}
	return firstErr
}

// lookup fetches a server handle without holding the registry lock beyond
// the map read. Server pointers are stable for the life of their entry.
func (r *Registry) lookup(id string) (*mockserver.MockServer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.servers[id]
	if !ok {
		return nil, false
	}
	return e.server, true
}

// findIDByPort scans entries in ascending-id order for a matching bound
// port.
func (r *Registry) findIDByPort(port int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range sortedIDsLocked(r.servers) {
		if r.servers[id].server.Port() == port {
			return id, true
		}
	}
	return "", false
}

// lookupByPort resolves a server by its bound port.
func (r *Registry) lookupByPort(port int) (*mockserver.MockServer, bool) {
	id, ok := r.findIDByPort(port)
	if !ok {
		return nil, false
	}
	return r.lookup(id)
}

// ServerIDs returns the ids of all registered servers in ascending order.
func (r *Registry) ServerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedIDsLocked(r.servers)
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.servers)
}

// Port returns the resolved bound port of the server with the given id.
func (r *Registry) Port(id string) (int, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	return s.Port(), true
}

// URL returns the base URL of the server with the given id.
func (r *Registry) URL(id string) (string, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return "", false
	}
	return s.URL(), true
}

// Status returns the lifecycle state of the server with the given id.
func (r *Registry) Status(id string) (mockserver.Status, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return 0, false
	}
	return s.Status(), true
}

// Matches returns a snapshot of the server's match log in arrival order.
func (r *Registry) Matches(id string) ([]mockserver.MatchResult, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return nil, false
	}
	return s.MatchLog(), true
}

// MatchesByPort is Matches addressed by bound port.
func (r *Registry) MatchesByPort(port int) ([]mockserver.MatchResult, bool) {
	s, ok := r.lookupByPort(port)
	if !ok {
		return nil, false
	}
	return s.MatchLog(), true
}

// Metrics returns a snapshot of the server's request counters.
func (r *Registry) Metrics(id string) (mockserver.Metrics, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return mockserver.Metrics{}, false
	}
	return s.Metrics(), true
}

// AllMatched reports whether the server saw every declared interaction and
// nothing unmatched.
func (r *Registry) AllMatched(id string) (bool, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return false, false
	}
	return s.AllMatched(), true
}

// ResetMetricsByPort zeroes the counters and match log of the server bound
// to the given port.
func (r *Registry) ResetMetricsByPort(port int) bool {
	s, ok := r.lookupByPort(port)
	if !ok {
		return false
	}
	s.ResetMetrics()
	return true
}

// WritePact writes the identified server's pact to dir, merging with an
// existing file for the same consumer/provider pair. Returns the path
// written.
func (r *Registry) WritePact(id, dir string) (string, error) {
	s, ok := r.lookup(id)
	if !ok {
		return "", fmt.Errorf("no mock server with id %q", id)
	}
	return s.WritePact(dir)
}

// WritePactByPort is WritePact addressed by bound port.
func (r *Registry) WritePactByPort(port int, dir string) (string, error) {
	id, ok := r.findIDByPort(port)
	if !ok {
		return "", fmt.Errorf("no mock server bound to port %d", port)
	}
	return r.WritePact(id, dir)
}

// ServerSnapshot is a point-in-time view of one registered server.
type ServerSnapshot struct {
	ID         string             `json:"id"`
	Port       int                `json:"port"`
	URL        string             `json:"url"`
	Status     string             `json:"status"`
	Metrics    mockserver.Metrics `json:"metrics"`
	AllMatched bool               `json:"allMatched"`
}

// Snapshot captures every registered server in ascending-id order, one
// server lock at a time. Servers started or removed concurrently may or
// may not be included; there is no atomic cross-server view.
func (r *Registry) Snapshot() []ServerSnapshot {
	ids := r.ServerIDs()
	snapshots := make([]ServerSnapshot, 0, len(ids))
	for _, id := range ids {
		s, ok := r.lookup(id)
		if !ok {
			continue
		}
		snapshots = append(snapshots, ServerSnapshot{
			ID:         s.ID(),
			Port:       s.Port(),
			URL:        s.URL(),
			Status:     s.Status().String(),
			Metrics:    s.Metrics(),
			AllMatched: s.AllMatched(),
		})
	}
	return snapshots
}

func sortedIDsLocked(servers map[string]*entry) []string {
	ids := make([]string, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
