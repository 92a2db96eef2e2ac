package analysis

import (
	"fmt"
	"sort"
	"strings"
)

// Issue describes one rejected part of a submission. Code is empty for
// problems that are not tied to a single test.
type Issue struct {
	Code   string `json:"code,omitempty"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError is returned when a submission cannot be analyzed as sent.
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Code != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", is.Code, is.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", is.Field, is.Reason))
		}
	}
	return "invalid submission: " + strings.Join(parts, "; ")
}

// TestCodes lists the offending test codes, sorted and without repeats.
func (e *ValidationError) TestCodes() []string {
	seen := make(map[string]struct{})
	var codes []string
	for _, is := range e.Issues {
		if is.Code == "" {
			continue
		}
		if _, ok := seen[is.Code]; ok {
			continue
		}
		seen[is.Code] = struct{}{}
		codes = append(codes, is.Code)
	}
	sort.Strings(codes)
	return codes
}

func (e *ValidationError) add(code, field, reason string) {
	e.Issues = append(e.Issues, Issue{Code: code, Field: field, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Issues) == 0 {
		return nil
	}
	return e
}
