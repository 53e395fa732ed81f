package canvas

import (
	"fmt"
	"time"

	"github.com/stackmotive/overlay/errors"
)

// Severity of a validation issue
type Severity string

// Severities
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Warning issue types. Blocking errors use the errors.Kind values.
const (
	WarningDeprecated  = "deprecated_block"
	WarningSuboptimal  = "suboptimal_configuration"
	WarningPerformance = "performance"
	WarningCircular    = "circular_dependency"
)

// Issue is one validation finding
type Issue struct {
	Type         string   `json:"type"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	BlockID      string   `json:"block_id,omitempty"`
	ConnectionID string   `json:"connection_id,omitempty"`
	Path         []string `json:"path,omitempty"`
	Suggestions  []string `json:"suggestions,omitempty"`
}

// IssueFromError converts an overlay error into a blocking issue
func IssueFromError(err error) Issue {
	if oe, ok := errors.AsOverlay(err); ok {
		return Issue{
			Type:         string(oe.Kind),
			Severity:     SeverityError,
			Message:      oe.Message,
			BlockID:      oe.BlockID,
			ConnectionID: oe.ConnectionID,
			Suggestions:  append([]string(nil), oe.Suggestions...),
		}
	}
	return Issue{Type: string(errors.KindStructural), Severity: SeverityError, Message: err.Error()}
}

// Err converts the issue back into an overlay error
func (i Issue) Err() *errors.OverlayError {
	return errors.NewOverlayError(errors.Kind(i.Type), "%s", i.Message).
		WithBlock(i.BlockID).
		WithConnection(i.ConnectionID).
		WithSuggestions(i.Suggestions...)
}

// Report is the outcome of validating a whole canvas. IsValid is true iff
// Errors is empty; warnings never affect it.
type Report struct {
	IsValid     bool      `json:"is_valid"`
	Errors      []Issue   `json:"errors"`
	Warnings    []Issue   `json:"warnings"`
	ValidatedAt time.Time `json:"validated_at"`
}

// NewReport builds a report from its issues
func NewReport(errs, warnings []Issue) Report {
	if errs == nil {
		errs = []Issue{}
	}
	if warnings == nil {
		warnings = []Issue{}
	}
	return Report{
		IsValid:     len(errs) == 0,
		Errors:      errs,
		Warnings:    warnings,
		ValidatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy
func (r Report) Clone() Report {
	out := r
	out.Errors = cloneIssues(r.Errors)
	out.Warnings = cloneIssues(r.Warnings)
	return out
}

// ErrorsOfType returns the blocking issues of one type
func (r Report) ErrorsOfType(t string) []Issue {
	var out []Issue
	for _, i := range r.Errors {
		if i.Type == t {
			out = append(out, i)
		}
	}
	return out
}

// Err returns nil for a valid report. Otherwise it returns the first
// blocking issue as an overlay error, mentioning how many others exist.
func (r Report) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	err := r.Errors[0].Err()
	if n := len(r.Errors) - 1; n > 0 {
		err.Message = fmt.Sprintf("%s (and %d more)", err.Message, n)
	}
	return err
}

func cloneIssues(in []Issue) []Issue {
	if in == nil {
		return nil
	}
	out := make([]Issue, len(in))
	for i, issue := range in {
		issue.Path = append([]string(nil), issue.Path...)
		issue.Suggestions = append([]string(nil), issue.Suggestions...)
		out[i] = issue
	}
	return out
}
