// Package matching compares incoming HTTP requests against the expected
// interactions of a pact and produces structured match/mismatch verdicts.
//
// Matching is structural: methods, paths, query parameters, headers and
// bodies are compared for equality (JSON bodies structurally, everything
// else textually). Matching-rule grammars such as regex or type matchers
// are out of scope.
package matching

import (
	"sort"
	"strings"

	"github.com/ohler55/ojg/oj"

	"github.com/MaxCampman/pact-reference/pkg/models"
)

// Field scores used to rank partial matches. Method and path dominate so
// the closest interaction reported for a mismatched request is the one the
// caller most likely intended.
const (
	ScoreMethod     = 10
	ScorePath       = 10
	ScoreQueryParam = 2
	ScoreHeader     = 2
	ScoreBody       = 5
)

// Outcome is the verdict for one actual request against one interaction.
// An empty mismatch list means the interaction matched.
type Outcome struct {
	Interaction *models.Interaction
	Mismatches  []RequestMismatch
}

// Matched reports whether the interaction matched the request completely.
func (o *Outcome) Matched() bool {
	return o != nil && len(o.Mismatches) == 0
}

// MatchRequest compares an actual request against an expected one and
// returns all differences. In strict mode query parameters not declared in
// the expected request are mismatches; otherwise they are ignored. Extra
// request headers are always tolerated since HTTP clients add their own.
func MatchRequest(expected, actual *models.Request, strict bool) []RequestMismatch {
	_, mismatches := scoreRequest(expected, actual, strict)
	return mismatches
}

// BestMatch evaluates the actual request against every interaction in the
// pact and returns the outcome for the closest one, in contract order on
// ties. Returns nil when the pact declares no interactions.
func BestMatch(pact *models.Pact, actual *models.Request, strict bool) *Outcome {
	var best *Outcome
	bestScore := -1

	for i := range pact.Interactions {
		interaction := &pact.Interactions[i]
		score, mismatches := scoreRequest(&interaction.Request, actual, strict)
		if len(mismatches) == 0 {
			return &Outcome{Interaction: interaction}
		}
		if score > bestScore {
			bestScore = score
			best = &Outcome{Interaction: interaction, Mismatches: mismatches}
		}
	}
	return best
}

// scoreRequest performs a full field-by-field comparison without
// short-circuiting, accumulating a score for matched fields alongside the
// mismatches.
func scoreRequest(expected, actual *models.Request, strict bool) (int, []RequestMismatch) {
	score := 0
	var mismatches []RequestMismatch

	if strings.EqualFold(expected.Method, actual.Method) {
		score += ScoreMethod
	} else {
		mismatches = append(mismatches, mismatch(KindMethod, "", expected.Method, actual.Method,
			"expected method %s but received %s", expected.Method, actual.Method))
	}

	if expected.Path == actual.Path {
		score += ScorePath
	} else {
		mismatches = append(mismatches, mismatch(KindPath, "", expected.Path, actual.Path,
			"expected path %s but received %s", expected.Path, actual.Path))
	}

	s, mm := matchQuery(expected.Query, actual.Query, strict)
	score += s
	mismatches = append(mismatches, mm...)

	s, mm = matchHeaders(expected.Headers, actual.Headers)
	score += s
	mismatches = append(mismatches, mm...)

	s, mm = matchBody(expected, actual)
	score += s
	mismatches = append(mismatches, mm...)

	return score, mismatches
}

func matchQuery(expected, actual map[string][]string, strict bool) (int, []RequestMismatch) {
	score := 0
	var mismatches []RequestMismatch

	for _, key := range sortedKeys(expected) {
		want := expected[key]
		got, ok := actual[key]
		if !ok {
			mismatches = append(mismatches, mismatch(KindQuery, key, joinValues(want), "",
				"expected query parameter %q is missing", key))
			continue
		}
		if !equalValues(want, got) {
			mismatches = append(mismatches, mismatch(KindQuery, key, joinValues(want), joinValues(got),
				"query parameter %q expected %q but received %q", key, joinValues(want), joinValues(got)))
			continue
		}
		score += ScoreQueryParam
	}

	if strict {
		for _, key := range sortedKeys(actual) {
			if _, ok := expected[key]; !ok {
				mismatches = append(mismatches, mismatch(KindQuery, key, "", joinValues(actual[key]),
					"unexpected query parameter %q", key))
			}
		}
	}

	return score, mismatches
}

func matchHeaders(expected, actual map[string]string) (int, []RequestMismatch) {
	score := 0
	var mismatches []RequestMismatch

	for _, key := range sortedKeys(expected) {
		if strings.EqualFold(key, "Content-Type") {
			// Body matching owns the content type.
			continue
		}
		want := strings.TrimSpace(expected[key])
		got, ok := lookupHeader(actual, key)
		if !ok {
			mismatches = append(mismatches, mismatch(KindHeader, key, want, "",
				"expected header %q is missing", key))
			continue
		}
		if !strings.EqualFold(want, strings.TrimSpace(got)) {
			mismatches = append(mismatches, mismatch(KindHeader, key, want, got,
				"header %q expected %q but received %q", key, want, got))
			continue
		}
		score += ScoreHeader
	}

	return score, mismatches
}

func matchBody(expected, actual *models.Request) (int, []RequestMismatch) {
	if expected.Body == "" {
		return 0, nil
	}

	expectedCT := expected.ContentType()
	actualCT := actual.ContentType()
	if expectedCT != "" && actualCT != "" && expectedCT != actualCT {
		return 0, []RequestMismatch{mismatch(KindBodyType, "", expectedCT, actualCT,
			"expected body content type %s but received %s", expectedCT, actualCT)}
	}

	if actual.Body == "" {
		return 0, []RequestMismatch{mismatch(KindBody, "", expected.Body, "",
			"expected a request body but none was received")}
	}

	if models.IsJSON(expectedCT) || (expectedCT == "" && looksLikeJSON(expected.Body)) {
		return matchJSONBody(expected.Body, actual.Body)
	}

	if expected.Body != actual.Body {
		return 0, []RequestMismatch{mismatch(KindBody, "", expected.Body, actual.Body,
			"request body does not match the expected body")}
	}
	return ScoreBody, nil
}

// matchJSONBody compares bodies structurally so key order and whitespace
// are irrelevant. A malformed actual body is a mismatch, never an error.
func matchJSONBody(expected, actual string) (int, []RequestMismatch) {
	want, err := oj.ParseString(expected)
	if err != nil {
		// Contract body is not parseable JSON, fall back to text equality.
		if expected != actual {
			return 0, []RequestMismatch{mismatch(KindBody, "", expected, actual,
				"request body does not match the expected body")}
		}
		return ScoreBody, nil
	}

	got, err := oj.ParseString(actual)
	if err != nil {
		return 0, []RequestMismatch{mismatch(KindBody, "", expected, actual,
			"request body is not valid JSON: %v", err)}
	}

	if !equalJSON(want, got) {
		return 0, []RequestMismatch{mismatch(KindBody, "", expected, actual,
			"request body does not match the expected body")}
	}
	return ScoreBody, nil
}

// equalJSON compares two parsed JSON values. Numbers compare by value so
// 1 and 1.0 are equal regardless of how the parser typed them.
func equalJSON(want, got any) bool {
	switch w := want.(type) {
	case map[string]any:
		g, ok := got.(map[string]any)
		if !ok || len(w) != len(g) {
			return false
		}
		for k, wv := range w {
			gv, ok := g[k]
			if !ok || !equalJSON(wv, gv) {
				return false
			}
		}
		return true
	case []any:
		g, ok := got.([]any)
		if !ok || len(w) != len(g) {
			return false
		}
		for i := range w {
			if !equalJSON(w[i], g[i]) {
				return false
			}
		}
		return true
	case int64, float64:
		wf, wok := asFloat(want)
		gf, gok := asFloat(got)
		return wok && gok && wf == gf
	default:
		return want == got
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func looksLikeJSON(body string) bool {
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

func lookupHeader(headers map[string]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// equalValues compares query parameter values positionally; the value list
// of a parameter is ordered.
func equalValues(want, got []string) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

func joinValues(values []string) string {
	return strings.Join(values, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
