// Package validation checks overlay canvases: single connections in
// constant time, and whole graphs for structure, cycles, resource limits
// and configuration quality.
package validation

import (
	"fmt"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
)

// Outcome is the result of checking one connection
type Outcome struct {
	OK     bool           `json:"ok"`
	Errors []canvas.Issue `json:"errors"`
}

// Err returns nil when the connection is acceptable, otherwise the first
// problem as an overlay error.
func (o Outcome) Err() error {
	if o.OK {
		return nil
	}
	return canvas.Report{Errors: o.Errors}.Err()
}

// ConnectionValidator checks a proposed connection by looking only at the
// two blocks and ports involved. Whole-graph properties such as cycles
// are out of its reach.
type ConnectionValidator struct {
	registry *block.Registry
}

// NewConnectionValidator creates a connection validator
func NewConnectionValidator(registry *block.Registry) *ConnectionValidator {
	return &ConnectionValidator{registry: registry}
}

// Validate checks a prospective connection between two ports
func (v *ConnectionValidator) Validate(c *canvas.Canvas, sourceBlockID, sourcePort, targetBlockID, targetPort string) Outcome {
	return v.Check(c, &canvas.Connection{
		SourceBlockID: sourceBlockID,
		SourcePort:    sourcePort,
		TargetBlockID: targetBlockID,
		TargetPort:    targetPort,
		Weight:        1,
		Active:        true,
	})
}

// Check validates conn against c. The source and target checks stop at
// the first structural failure; type, multiplicity and self-loop problems
// are all reported. When conn is already part of c it is not counted
// against its own target port.
func (v *ConnectionValidator) Check(c *canvas.Canvas, conn *canvas.Connection) Outcome {
	src, issue := v.outputPort(c, conn)
	if issue != nil {
		return Outcome{Errors: []canvas.Issue{*issue}}
	}
	dst, issue := v.inputPort(c, conn)
	if issue != nil {
		return Outcome{Errors: []canvas.Issue{*issue}}
	}

	var issues []canvas.Issue

	if src.DataType != dst.DataType {
		issues = append(issues, canvas.Issue{
			Type:         string(errors.KindTypeMismatch),
			Severity:     canvas.SeverityError,
			Message:      fmt.Sprintf("cannot connect %s output %s.%s to %s input %s.%s", src.DataType, conn.SourceBlockID, conn.SourcePort, dst.DataType, conn.TargetBlockID, conn.TargetPort),
			BlockID:      conn.TargetBlockID,
			ConnectionID: conn.ID,
			Suggestions:  []string{fmt.Sprintf("Connect an output of type %s to %s.%s", dst.DataType, conn.TargetBlockID, conn.TargetPort)},
		})
	}

	if conn.Active && !dst.Multi {
		for _, existing := range c.ActiveInbound(conn.TargetBlockID, conn.TargetPort) {
			if existing == conn.ID {
				continue
			}
			issues = append(issues, canvas.Issue{
				Type:         string(errors.KindMultiplicity),
				Severity:     canvas.SeverityError,
				Message:      fmt.Sprintf("input %s.%s already has connection %s", conn.TargetBlockID, conn.TargetPort, existing),
				BlockID:      conn.TargetBlockID,
				ConnectionID: conn.ID,
				Suggestions: []string{
					fmt.Sprintf("Remove connection %s first", existing),
					"Use a signal_combiner to merge several inputs",
				},
			})
			break
		}
	}

	if conn.SourceBlockID == conn.TargetBlockID && !c.Config.AllowSelfLoops {
		issues = append(issues, canvas.Issue{
			Type:         string(errors.KindStructural),
			Severity:     canvas.SeverityError,
			Message:      fmt.Sprintf("block %s cannot connect to itself", conn.SourceBlockID),
			BlockID:      conn.SourceBlockID,
			ConnectionID: conn.ID,
			Suggestions:  []string{"Enable allow_self_loops in the canvas configuration"},
		})
	}

	return Outcome{OK: len(issues) == 0, Errors: issues}
}

func (v *ConnectionValidator) outputPort(c *canvas.Canvas, conn *canvas.Connection) (block.OutputPort, *canvas.Issue) {
	b, ok := c.Block(conn.SourceBlockID)
	if !ok {
		return block.OutputPort{}, structural(conn, conn.SourceBlockID, "source block %q does not exist", conn.SourceBlockID)
	}
	def, err := v.registry.Definition(b.Type)
	if err != nil {
		return block.OutputPort{}, structural(conn, b.ID, "source block %q has unknown type %q", b.ID, b.Type)
	}
	port, ok := def.Output(conn.SourcePort)
	if !ok {
		issue := structural(conn, b.ID, "block %q (%s) has no output port %q", b.ID, b.Type, conn.SourcePort)
		issue.Suggestions = portSuggestions(outputIDs(def))
		return block.OutputPort{}, issue
	}
	return port, nil
}

func (v *ConnectionValidator) inputPort(c *canvas.Canvas, conn *canvas.Connection) (block.InputPort, *canvas.Issue) {
	b, ok := c.Block(conn.TargetBlockID)
	if !ok {
		return block.InputPort{}, structural(conn, conn.TargetBlockID, "target block %q does not exist", conn.TargetBlockID)
	}
	def, err := v.registry.Definition(b.Type)
	if err != nil {
		return block.InputPort{}, structural(conn, b.ID, "target block %q has unknown type %q", b.ID, b.Type)
	}
	port, ok := def.Input(conn.TargetPort)
	if !ok {
		issue := structural(conn, b.ID, "block %q (%s) has no input port %q", b.ID, b.Type, conn.TargetPort)
		issue.Suggestions = portSuggestions(inputIDs(def))
		return block.InputPort{}, issue
	}
	return port, nil
}

func structural(conn *canvas.Connection, blockID, format string, args ...any) *canvas.Issue {
	return &canvas.Issue{
		Type:         string(errors.KindStructural),
		Severity:     canvas.SeverityError,
		Message:      fmt.Sprintf(format, args...),
		BlockID:      blockID,
		ConnectionID: conn.ID,
	}
}

func portSuggestions(ids []string) []string {
	if len(ids) == 0 {
		return []string{"This block type has no ports in that direction"}
	}
	return []string{fmt.Sprintf("Available ports: %v", ids)}
}

func outputIDs(def *block.Definition) []string {
	ids := make([]string, len(def.Outputs))
	for i, p := range def.Outputs {
		ids[i] = p.ID
	}
	return ids
}

func inputIDs(def *block.Definition) []string {
	ids := make([]string, len(def.Inputs))
	for i, p := range def.Inputs {
		ids[i] = p.ID
	}
	return ids
}
