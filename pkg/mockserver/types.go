package mockserver

import (
	"crypto/tls"

	"github.com/MaxCampman/pact-reference/pkg/matching"
	"github.com/MaxCampman/pact-reference/pkg/models"
)

// Status is the lifecycle state of a mock server. Transitions are strictly
// Starting -> Running -> ShuttingDown -> Stopped; Stopped is terminal.
type Status int

// Lifecycle states.
const (
	StatusStarting Status = iota
	StatusRunning
	StatusShuttingDown
	StatusStopped
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusShuttingDown:
		return "shutting-down"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config holds the per-server options applied at start time. It is
// immutable for the lifetime of the server.
type Config struct {
	// CORSPreflight answers unmatched OPTIONS requests with a permissive
	// preflight response instead of recording a mismatch.
	CORSPreflight bool

	// StrictMatching treats query parameters not declared in the expected
	// request as mismatches.
	StrictMatching bool

	// TLSConfig, when set, serves HTTPS on the bound socket.
	TLSConfig *tls.Config
}

// MatchResult is one entry in a server's match log: either a matched
// interaction or a request that matched nothing, with the differences
// against the closest interaction.
type MatchResult struct {
	Matched     bool                       `json:"matched"`
	Description string                     `json:"description,omitempty"`
	Request     models.Request             `json:"request"`
	Mismatches  []matching.RequestMismatch `json:"mismatches,omitempty"`
}

// Metrics counts the traffic a mock server has handled.
type Metrics struct {
	RequestsReceived  int `json:"requestsReceived"`
	RequestsUnmatched int `json:"requestsUnmatched"`
}
