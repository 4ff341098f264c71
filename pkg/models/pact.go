// Package models defines the contract data model: a pact between a consumer
// and a provider, expressed as an ordered list of request/response
// interactions.
package models

import (
	"fmt"
	"net/http"
	"strings"
)

// SpecVersion is the contract specification version written into pact
// file metadata.
const SpecVersion = "3.0.0"

// Pacticipant is one party to a pact: the consumer or the provider.
type Pacticipant struct {
	Name string `json:"name" yaml:"name"`
}

// ProviderState parametrizes an interaction with context the provider must
// set up before the interaction can be verified.
type ProviderState struct {
	Name   string         `json:"name" yaml:"name"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Request is the expected (or actual) HTTP request of an interaction.
type Request struct {
	Method  string              `json:"method" yaml:"method"`
	Path    string              `json:"path" yaml:"path"`
	Query   map[string][]string `json:"query,omitempty" yaml:"query,omitempty"`
	Headers map[string]string   `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string              `json:"body,omitempty" yaml:"body,omitempty"`
}

// Response is the response template served when a request matches.
type Response struct {
	Status  int               `json:"status" yaml:"status"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`
}

// Interaction is one expected request paired with the response to serve,
// optionally parametrized by provider states.
type Interaction struct {
	Description    string          `json:"description" yaml:"description"`
	ProviderStates []ProviderState `json:"providerStates,omitempty" yaml:"providerStates,omitempty"`
	Request        Request         `json:"request" yaml:"request"`
	Response       Response        `json:"response" yaml:"response"`
}

// Pact is a consumer-provider contract. It is treated as immutable once
// handed to a mock server.
type Pact struct {
	Consumer     Pacticipant    `json:"consumer" yaml:"consumer"`
	Provider     Pacticipant    `json:"provider" yaml:"provider"`
	Interactions []Interaction  `json:"interactions" yaml:"interactions"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewPact creates an empty pact between the named consumer and provider.
func NewPact(consumer, provider string) *Pact {
	return &Pact{
		Consumer: Pacticipant{Name: consumer},
		Provider: Pacticipant{Name: provider},
		Metadata: DefaultMetadata(),
	}
}

// DefaultMetadata returns the metadata block written into new pact files.
func DefaultMetadata() map[string]any {
	return map[string]any{
		"pactSpecification": map[string]any{"version": SpecVersion},
	}
}

// AddInteraction appends an interaction to the pact, preserving order.
func (p *Pact) AddInteraction(i Interaction) {
	p.Interactions = append(p.Interactions, i)
}

// Validate checks the pact is complete enough to serve.
func (p *Pact) Validate() error {
	if p.Consumer.Name == "" {
		return fmt.Errorf("pact has no consumer name")
	}
	if p.Provider.Name == "" {
		return fmt.Errorf("pact has no provider name")
	}
	for i, in := range p.Interactions {
		if in.Description == "" {
			return fmt.Errorf("interaction %d has no description", i)
		}
		if in.Request.Method == "" || in.Request.Path == "" {
			return fmt.Errorf("interaction %q has an incomplete request", in.Description)
		}
	}
	return nil
}

// key identifies an interaction for merging: description plus provider
// state names.
func (i *Interaction) key() string {
	parts := []string{i.Description}
	for _, st := range i.ProviderStates {
		parts = append(parts, st.Name)
	}
	return strings.Join(parts, "\x00")
}

// Header returns a request header value, case-insensitively. Returns the
// empty string when the header is absent.
func (r *Request) Header(name string) string {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// ContentType returns the media type of the request body, without
// parameters such as charset.
func (r *Request) ContentType() string {
	return mediaType(r.Header("Content-Type"))
}

// StatusOrDefault returns the response status, defaulting to 200 OK when
// unset.
func (r *Response) StatusOrDefault() int {
	if r.Status == 0 {
		return http.StatusOK
	}
	return r.Status
}

func mediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

// IsJSON reports whether the content type denotes a JSON payload.
func IsJSON(contentType string) bool {
	ct := mediaType(contentType)
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}
