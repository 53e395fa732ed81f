package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies an overlay failure. The string values double as issue
// types in validation reports.
type Kind string

// Overlay error kinds
const (
	KindNotFound            Kind = "not_found"
	KindStructural          Kind = "structural"
	KindTypeMismatch        Kind = "type_mismatch"
	KindMultiplicity        Kind = "multiplicity"
	KindCyclicDependency    Kind = "circular_dependency"
	KindConstraintViolation Kind = "constraint_violation"
	KindParameterValidation Kind = "parameter_validation"
	KindRuntimeBlock        Kind = "runtime_block"
	KindTimeout             Kind = "timeout"
	KindCancelled           Kind = "cancelled"
)

// PreExecution reports whether the kind is raised synchronously by a
// mutating or validating operation, before anything runs.
func (k Kind) PreExecution() bool {
	switch k {
	case KindNotFound, KindStructural, KindTypeMismatch, KindMultiplicity,
		KindCyclicDependency, KindConstraintViolation, KindParameterValidation:
		return true
	}
	return false
}

// Violation is a single parameter constraint failure.
type Violation struct {
	Param      string `json:"param"`
	Constraint string `json:"constraint"` // required, type, min, max, pattern, enum, unknown
	Message    string `json:"message"`
}

// OverlayError is the typed error returned by canvas, validation and
// simulation operations.
type OverlayError struct {
	Kind         Kind        `json:"kind"`
	Message      string      `json:"message"`
	BlockID      string      `json:"block_id,omitempty"`
	ConnectionID string      `json:"connection_id,omitempty"`
	Suggestions  []string    `json:"suggestions,omitempty"`
	Violations   []Violation `json:"violations,omitempty"`
	Fatal        bool        `json:"fatal,omitempty"`
	Err          error       `json:"-"`
}

// NewOverlayError creates an overlay error of the given kind.
func NewOverlayError(kind Kind, format string, args ...any) *OverlayError {
	return &OverlayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface
func (e *OverlayError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Violations) > 0 {
		parts := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			parts = append(parts, v.Message)
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause, if any
func (e *OverlayError) Unwrap() error {
	return e.Err
}

// Is matches another *OverlayError by kind, so errors.Is(err, ErrTypeMismatch) works.
func (e *OverlayError) Is(target error) bool {
	var t *OverlayError
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// WithBlock attaches the offending block id.
func (e *OverlayError) WithBlock(id string) *OverlayError {
	e.BlockID = id
	return e
}

// WithConnection attaches the offending connection id.
func (e *OverlayError) WithConnection(id string) *OverlayError {
	e.ConnectionID = id
	return e
}

// WithSuggestions attaches actionable suggestions.
func (e *OverlayError) WithSuggestions(s ...string) *OverlayError {
	e.Suggestions = append(e.Suggestions, s...)
	return e
}

// WithViolations attaches parameter violations.
func (e *OverlayError) WithViolations(v []Violation) *OverlayError {
	e.Violations = append(e.Violations, v...)
	return e
}

// WithCause records the underlying error.
func (e *OverlayError) WithCause(err error) *OverlayError {
	e.Err = err
	return e
}

// Sentinels for errors.Is matching by kind.
var (
	ErrNotFound            = &OverlayError{Kind: KindNotFound}
	ErrStructural          = &OverlayError{Kind: KindStructural}
	ErrTypeMismatch        = &OverlayError{Kind: KindTypeMismatch}
	ErrMultiplicity        = &OverlayError{Kind: KindMultiplicity}
	ErrCyclicDependency    = &OverlayError{Kind: KindCyclicDependency}
	ErrConstraintViolation = &OverlayError{Kind: KindConstraintViolation}
	ErrParameterValidation = &OverlayError{Kind: KindParameterValidation}
	ErrRuntimeBlock        = &OverlayError{Kind: KindRuntimeBlock}
	ErrTimeout             = &OverlayError{Kind: KindTimeout}
	ErrCancelled           = &OverlayError{Kind: KindCancelled}
)

// KindOf returns the overlay kind of err, or "" when err is not an overlay error.
func KindOf(err error) Kind {
	var oe *OverlayError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// AsOverlay returns the first *OverlayError in err's chain.
func AsOverlay(err error) (*OverlayError, bool) {
	var oe *OverlayError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
