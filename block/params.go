package block

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/stackmotive/overlay/errors"
)

// Violation codes, shared with editors that map them to form fields.
const (
	ConstraintRequired = "required"
	ConstraintType     = "type"
	ConstraintMin      = "min"
	ConstraintMax      = "max"
	ConstraintPattern  = "pattern"
	ConstraintEnum     = "enum"
	ConstraintUnknown  = "unknown"
)

// ParseParameters converts a freeform parameter bag into typed Parameters,
// filling in schema defaults, and validates the result.
func (d *Definition) ParseParameters(raw map[string]any) (Parameters, []errors.Violation) {
	params := make(Parameters, len(raw))
	var violations []errors.Violation

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, err := FromAny(raw[name])
		if err != nil {
			violations = append(violations, errors.Violation{
				Param:      name,
				Constraint: ConstraintType,
				Message:    fmt.Sprintf("parameter %q: %v", name, err),
			})
			continue
		}
		params[name] = v
	}

	d.applyDefaults(params)
	violations = append(violations, d.ValidateParameters(params)...)
	return params, violations
}

// applyDefaults fills absent parameters that declare a default.
func (d *Definition) applyDefaults(params Parameters) {
	for _, schema := range d.Params {
		if _, ok := params[schema.Name]; ok || schema.Default == nil {
			continue
		}
		if v, err := FromAny(schema.Default); err == nil {
			params[schema.Name] = v
		}
	}
}

// ValidateParameters checks params against the definition's parameter
// schemas. It is pure and returns every violated constraint; an empty
// result means the parameters are valid.
func (d *Definition) ValidateParameters(params Parameters) []errors.Violation {
	var violations []errors.Violation

	for _, schema := range d.Params {
		v, ok := params[schema.Name]
		if !ok {
			if schema.Required {
				violations = append(violations, errors.Violation{
					Param:      schema.Name,
					Constraint: ConstraintRequired,
					Message:    fmt.Sprintf("parameter %q is required", schema.Name),
				})
			}
			continue
		}
		violations = append(violations, schema.check(v)...)
	}

	for _, name := range params.Names() {
		if _, ok := d.Param(name); !ok {
			violations = append(violations, errors.Violation{
				Param:      name,
				Constraint: ConstraintUnknown,
				Message:    fmt.Sprintf("parameter %q is not defined for %s", name, d.Type),
			})
		}
	}

	return violations
}

// check validates a single value against its schema. A type failure
// short-circuits the remaining checks.
func (s ParamSchema) check(v Value) []errors.Violation {
	typeErr := func(want string) []errors.Violation {
		return []errors.Violation{{
			Param:      s.Name,
			Constraint: ConstraintType,
			Message:    fmt.Sprintf("parameter %q must be %s", s.Name, want),
		}}
	}

	switch s.Type {
	case ParamNumber:
		if v.Kind != KindNumber {
			return typeErr("a number")
		}
	case ParamInteger:
		if !v.IsWhole() {
			return typeErr("an integer")
		}
	case ParamString:
		if v.Kind != KindString {
			return typeErr("a string")
		}
	case ParamBoolean:
		if v.Kind != KindBool {
			return typeErr("a boolean")
		}
	case ParamList:
		if v.Kind != KindList {
			return typeErr("a list of strings")
		}
	}

	var violations []errors.Violation

	if v.Kind == KindNumber {
		if s.Min != nil && v.Number < *s.Min {
			violations = append(violations, errors.Violation{
				Param:      s.Name,
				Constraint: ConstraintMin,
				Message:    fmt.Sprintf("parameter %q must be >= %s", s.Name, formatFloat(*s.Min)),
			})
		}
		if s.Max != nil && v.Number > *s.Max {
			violations = append(violations, errors.Violation{
				Param:      s.Name,
				Constraint: ConstraintMax,
				Message:    fmt.Sprintf("parameter %q must be <= %s", s.Name, formatFloat(*s.Max)),
			})
		}
	}

	candidates := []string{}
	switch v.Kind {
	case KindString:
		candidates = append(candidates, v.Text)
	case KindList:
		candidates = append(candidates, v.List...)
	}

	if s.pattern != nil {
		for _, c := range candidates {
			if !s.pattern.MatchString(c) {
				violations = append(violations, errors.Violation{
					Param:      s.Name,
					Constraint: ConstraintPattern,
					Message:    fmt.Sprintf("parameter %q value %q does not match %s", s.Name, c, s.Pattern),
				})
			}
		}
	}

	if len(s.Enum) > 0 {
		if v.Kind == KindNumber || v.Kind == KindBool {
			candidates = append(candidates, v.String())
		}
		for _, c := range candidates {
			if !contains(s.Enum, c) {
				violations = append(violations, errors.Violation{
					Param:      s.Name,
					Constraint: ConstraintEnum,
					Message:    fmt.Sprintf("parameter %q value %q is not one of %v", s.Name, c, s.Enum),
				})
			}
		}
	}

	return violations
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
