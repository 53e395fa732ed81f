package block

import (
	"fmt"
	"regexp"
)

// DataType is the type carried by a port. Connections require identical
// data types on both ends.
type DataType string

// Port data types
const (
	TypeNumber DataType = "number"
	TypeSignal DataType = "signal"
	TypeWeight DataType = "weight"
	TypeAction DataType = "action"
)

// Valid reports whether t is a known data type
func (t DataType) Valid() bool {
	switch t {
	case TypeNumber, TypeSignal, TypeWeight, TypeAction:
		return true
	}
	return false
}

// Category groups block types in the palette
type Category string

// Block categories
const (
	CategoryDataSource       Category = "data_source"
	CategoryFilter           Category = "filter"
	CategoryTransformer      Category = "transformer"
	CategoryCombiner         Category = "combiner"
	CategoryWeightCalculator Category = "weight_calculator"
	CategoryRiskManager      Category = "risk_manager"
	CategoryExecutionTrigger Category = "execution_trigger"
	CategorySignalGenerator  Category = "signal_generator"
)

// Terminal reports whether blocks of this category are expected to end a
// chain, so unconsumed outputs are normal.
func (c Category) Terminal() bool {
	return c == CategoryExecutionTrigger
}

// InputPort describes a named input slot
type InputPort struct {
	ID          string   `json:"id"`
	DataType    DataType `json:"data_type"`
	Required    bool     `json:"required"`
	Multi       bool     `json:"multi,omitempty"` // accepts more than one active connection
	Description string   `json:"description,omitempty"`
}

// OutputPort describes a named output slot
type OutputPort struct {
	ID          string   `json:"id"`
	DataType    DataType `json:"data_type"`
	Format      string   `json:"format,omitempty"` // e.g. "price", "ratio", "strength"
	Description string   `json:"description,omitempty"`
}

// ParamType is the declared type of a parameter
type ParamType string

// Parameter types
const (
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
	ParamList    ParamType = "list"
)

// ParamSchema declares a parameter and its validation constraints
type ParamSchema struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Default     any       `json:"default,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Pattern     string    `json:"pattern,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Description string    `json:"description,omitempty"`

	pattern *regexp.Regexp
}

// Definition is an immutable block type description owned by the registry
type Definition struct {
	Type            string        `json:"type"`
	Category        Category      `json:"category"`
	Description     string        `json:"description,omitempty"`
	Inputs          []InputPort   `json:"inputs"`
	Outputs         []OutputPort  `json:"outputs"`
	Params          []ParamSchema `json:"params"`
	Fatal           bool          `json:"fatal,omitempty"` // runtime failure aborts the simulation
	Deprecated      bool          `json:"deprecated,omitempty"`
	DeprecationNote string        `json:"deprecation_note,omitempty"`
	CostHint        float64       `json:"cost_hint,omitempty"` // estimated milliseconds per step
}

// Input returns the input port with the given id
func (d *Definition) Input(id string) (InputPort, bool) {
	for _, p := range d.Inputs {
		if p.ID == id {
			return p, true
		}
	}
	return InputPort{}, false
}

// Output returns the output port with the given id
func (d *Definition) Output(id string) (OutputPort, bool) {
	for _, p := range d.Outputs {
		if p.ID == id {
			return p, true
		}
	}
	return OutputPort{}, false
}

// Param returns the parameter schema with the given name
func (d *Definition) Param(name string) (ParamSchema, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSchema{}, false
}

// compile checks the definition and prepares regex patterns.
func (d *Definition) compile() error {
	if d.Type == "" {
		return fmt.Errorf("definition type cannot be empty")
	}
	if d.Category == "" {
		return fmt.Errorf("definition %s has no category", d.Type)
	}

	seen := make(map[string]bool)
	for _, p := range d.Inputs {
		if p.ID == "" || seen["in:"+p.ID] {
			return fmt.Errorf("definition %s has empty or duplicate input port %q", d.Type, p.ID)
		}
		if !p.DataType.Valid() {
			return fmt.Errorf("input %s.%s has unknown data type %q", d.Type, p.ID, p.DataType)
		}
		seen["in:"+p.ID] = true
	}
	for _, p := range d.Outputs {
		if p.ID == "" || seen["out:"+p.ID] {
			return fmt.Errorf("definition %s has empty or duplicate output port %q", d.Type, p.ID)
		}
		if !p.DataType.Valid() {
			return fmt.Errorf("output %s.%s has unknown data type %q", d.Type, p.ID, p.DataType)
		}
		seen["out:"+p.ID] = true
	}

	for i := range d.Params {
		p := &d.Params[i]
		if p.Name == "" || seen["param:"+p.Name] {
			return fmt.Errorf("definition %s has empty or duplicate parameter %q", d.Type, p.Name)
		}
		seen["param:"+p.Name] = true

		switch p.Type {
		case ParamNumber, ParamInteger, ParamString, ParamBoolean, ParamList:
		default:
			return fmt.Errorf("parameter %s.%s has unknown type %q", d.Type, p.Name, p.Type)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("parameter %s.%s has min greater than max", d.Type, p.Name)
		}
		if p.Pattern != "" {
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("parameter %s.%s pattern: %w", d.Type, p.Name, err)
			}
			p.pattern = re
		}
	}
	return nil
}

// Float returns a pointer to v, for Min and Max literals.
func Float(v float64) *float64 {
	return &v
}
