package matching

import "fmt"

// MismatchKind classifies which part of a request failed to match.
type MismatchKind string

// Mismatch kinds.
const (
	KindMethod   MismatchKind = "method"
	KindPath     MismatchKind = "path"
	KindQuery    MismatchKind = "query"
	KindHeader   MismatchKind = "header"
	KindBodyType MismatchKind = "body-content-type"
	KindBody     MismatchKind = "body"
)

// RequestMismatch describes a single difference between an expected request
// and the request that actually arrived.
type RequestMismatch struct {
	Kind     MismatchKind `json:"type"`
	Key      string       `json:"key,omitempty"`
	Expected string       `json:"expected,omitempty"`
	Actual   string       `json:"actual,omitempty"`
	Mismatch string       `json:"mismatch"`
}

func mismatch(kind MismatchKind, key, expected, actual, format string, args ...any) RequestMismatch {
	return RequestMismatch{
		Kind:     kind,
		Key:      key,
		Expected: expected,
		Actual:   actual,
		Mismatch: fmt.Sprintf(format, args...),
	}
}
