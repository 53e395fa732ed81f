package validation

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/flowgraph"
)

// DefaultPerformanceBudget is the estimated per-step cost, in
// milliseconds, above which a performance warning is raised.
const DefaultPerformanceBudget = 50.0

// nearLimitRatio is the share of a resource limit that triggers a
// suboptimal configuration warning.
const nearLimitRatio = 0.8

// Validator aggregates connection checks, cycle detection, resource
// constraints and quality warnings into a single report. It implements
// canvas.Validator.
type Validator struct {
	registry    *block.Registry
	connections *ConnectionValidator
	logger      *slog.Logger
	budget      float64
}

// Option configures a Validator
type Option func(*Validator)

// WithPerformanceBudget overrides DefaultPerformanceBudget
func WithPerformanceBudget(ms float64) Option {
	return func(v *Validator) {
		if ms > 0 {
			v.budget = ms
		}
	}
}

// NewValidator creates a graph validator
func NewValidator(registry *block.Registry, logger *slog.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		registry:    registry,
		connections: NewConnectionValidator(registry),
		logger:      logger.With("component", "validation"),
		budget:      DefaultPerformanceBudget,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Connections returns the underlying connection validator
func (v *Validator) Connections() *ConnectionValidator {
	return v.connections
}

// ValidateConnection implements canvas.Validator
func (v *Validator) ValidateConnection(c *canvas.Canvas, conn *canvas.Connection) error {
	outcome := v.connections.Check(c, conn)
	if !outcome.OK {
		v.logger.Debug("Connection rejected",
			"canvas_id", c.ID,
			"source", conn.SourceBlockID+"."+conn.SourcePort,
			"target", conn.TargetBlockID+"."+conn.TargetPort,
			"errors", len(outcome.Errors))
	}
	return outcome.Err()
}

// ValidateCanvas implements canvas.Validator. It never mutates c.
func (v *Validator) ValidateCanvas(c *canvas.Canvas) canvas.Report {
	r := &reportBuilder{}

	v.logger.Debug("Starting canvas validation",
		"canvas_id", c.ID,
		"block_count", len(c.Blocks),
		"connection_count", len(c.Connections))

	if len(c.Blocks) == 0 {
		r.warn(canvas.Issue{
			Type:        canvas.WarningSuboptimal,
			Message:     "canvas has no blocks",
			Suggestions: []string{"Add a data source block from the palette"},
		})
		return r.report()
	}

	defs := v.checkBlocks(c, r)
	v.checkConnections(c, r)
	v.checkCycles(c, r)
	v.checkConstraints(c, r)
	v.checkRequiredInputs(c, defs, r)
	v.checkQuality(c, defs, r)
	v.checkPerformance(c, defs, r)

	report := r.report()
	v.logger.Debug("Canvas validation complete",
		"canvas_id", c.ID,
		"valid", report.IsValid,
		"errors", len(report.Errors),
		"warnings", len(report.Warnings))
	return report
}

// checkBlocks resolves every block's definition and re-validates stored
// parameters. Blocks with unknown types are left out of the result.
func (v *Validator) checkBlocks(c *canvas.Canvas, r *reportBuilder) map[string]*block.Definition {
	defs := make(map[string]*block.Definition, len(c.Blocks))
	for _, b := range c.OrderedBlocks() {
		def, err := v.registry.Definition(b.Type)
		if err != nil {
			r.fail(canvas.Issue{
				Type:        string(errors.KindStructural),
				Message:     fmt.Sprintf("block %s has unknown type %q", b.ID, b.Type),
				BlockID:     b.ID,
				Suggestions: []string{"Replace the block with a registered type"},
			})
			continue
		}
		defs[b.ID] = def

		if violations := def.ValidateParameters(b.Parameters); len(violations) > 0 {
			msgs := make([]string, len(violations))
			for i, viol := range violations {
				msgs[i] = viol.Message
			}
			r.fail(canvas.Issue{
				Type:        string(errors.KindParameterValidation),
				Message:     fmt.Sprintf("block %s: %s", b.ID, strings.Join(msgs, "; ")),
				BlockID:     b.ID,
				Suggestions: []string{"Update the block parameters to satisfy their schema"},
			})
		}

		if def.Deprecated {
			suggestions := []string{"Replace this block before the type is removed"}
			if def.DeprecationNote != "" {
				suggestions = []string{def.DeprecationNote}
			}
			r.warn(canvas.Issue{
				Type:        canvas.WarningDeprecated,
				Message:     fmt.Sprintf("block %s uses deprecated type %s", b.ID, b.Type),
				BlockID:     b.ID,
				Suggestions: suggestions,
			})
		}
	}
	return defs
}

// checkConnections re-runs the connection validator over every stored
// connection to catch inconsistent state.
func (v *Validator) checkConnections(c *canvas.Canvas, r *reportBuilder) {
	for _, conn := range c.OrderedConnections() {
		outcome := v.connections.Check(c, conn)
		for _, issue := range outcome.Errors {
			r.fail(issue)
		}
	}
}

func (v *Validator) checkCycles(c *canvas.Canvas, r *reportBuilder) {
	cycles := flowgraph.DetectCycles(c)
	if len(cycles) > 0 {
		v.logger.Debug("Cycles detected", "canvas_id", c.ID, "count", len(cycles))
	}

	for _, cycle := range cycles {
		issue := canvas.Issue{
			Type:         string(errors.KindCyclicDependency),
			Message:      fmt.Sprintf("circular dependency: %s", cycle),
			BlockID:      cycle.Path[0],
			ConnectionID: cycle.Connections[len(cycle.Connections)-1],
			Path:         cycle.Path,
		}
		if c.Config.AllowCircular {
			issue.Type = canvas.WarningCircular
			issue.Suggestions = []string{"Circular canvases cannot be simulated"}
			r.warn(issue)
			continue
		}
		issue.Suggestions = []string{
			fmt.Sprintf("Remove connection %s to break the cycle", issue.ConnectionID),
			"Enable allow_circular if the loop is intentional",
		}
		r.fail(issue)
	}
}

func (v *Validator) checkConstraints(c *canvas.Canvas, r *reportBuilder) {
	cfg := c.Config
	depth := flowgraph.Depth(c)

	limits := []struct {
		name  string
		count int
		limit int
	}{
		{"blocks", len(c.Blocks), cfg.MaxBlocks},
		{"connections", len(c.Connections), cfg.MaxConnections},
		{"nesting depth", depth, cfg.MaxNesting},
	}

	for _, l := range limits {
		if l.limit <= 0 {
			continue
		}
		switch {
		case l.count > l.limit:
			r.fail(canvas.Issue{
				Type:        string(errors.KindConstraintViolation),
				Message:     fmt.Sprintf("canvas has %d %s, limit is %d", l.count, l.name, l.limit),
				Suggestions: []string{fmt.Sprintf("Reduce %s or raise the limit", l.name)},
			})
		case float64(l.count) >= nearLimitRatio*float64(l.limit):
			r.warn(canvas.Issue{
				Type:    canvas.WarningSuboptimal,
				Message: fmt.Sprintf("canvas uses %d of %d allowed %s", l.count, l.limit, l.name),
			})
		}
	}
}

func (v *Validator) checkRequiredInputs(c *canvas.Canvas, defs map[string]*block.Definition, r *reportBuilder) {
	for _, b := range c.OrderedBlocks() {
		def, ok := defs[b.ID]
		if !ok {
			continue
		}
		for _, in := range def.Inputs {
			if !in.Required || len(c.ActiveInbound(b.ID, in.ID)) > 0 {
				continue
			}
			r.fail(canvas.Issue{
				Type:        string(errors.KindStructural),
				Message:     fmt.Sprintf("required input %s.%s is not connected", b.ID, in.ID),
				BlockID:     b.ID,
				Suggestions: []string{fmt.Sprintf("Connect a %s output to %s.%s", in.DataType, b.ID, in.ID)},
			})
		}
	}
}

// checkQuality raises warnings for configurations that validate but are
// probably mistakes.
func (v *Validator) checkQuality(c *canvas.Canvas, defs map[string]*block.Definition, r *reportBuilder) {
	conn := flowgraph.Analyze(c)
	disconnected := make(map[string]bool, len(conn.Disconnected))
	if len(c.Blocks) > 1 {
		for _, id := range conn.Disconnected {
			disconnected[id] = true
			r.warn(canvas.Issue{
				Type:        canvas.WarningSuboptimal,
				Message:     fmt.Sprintf("block %s is not connected to anything", id),
				BlockID:     id,
				Suggestions: []string{"Connect the block or remove it"},
			})
		}
	}

	consumed := make(map[string]bool)
	for _, k := range c.OrderedConnections() {
		if k.Active {
			consumed[k.SourceBlockID] = true
		}
		if !k.Active {
			r.warn(canvas.Issue{
				Type:         canvas.WarningSuboptimal,
				Message:      fmt.Sprintf("connection %s is inactive and carries no data", k.ID),
				ConnectionID: k.ID,
			})
		} else if k.Weight <= 0 {
			r.warn(canvas.Issue{
				Type:         canvas.WarningSuboptimal,
				Message:      fmt.Sprintf("connection %s has non-positive weight %g", k.ID, k.Weight),
				ConnectionID: k.ID,
			})
		}
	}

	for _, b := range c.OrderedBlocks() {
		def, ok := defs[b.ID]
		if !ok || disconnected[b.ID] || consumed[b.ID] || len(def.Outputs) == 0 || def.Category.Terminal() {
			continue
		}
		r.warn(canvas.Issue{
			Type:        canvas.WarningSuboptimal,
			Message:     fmt.Sprintf("outputs of block %s are not consumed", b.ID),
			BlockID:     b.ID,
			Suggestions: []string{"Connect the block to a downstream consumer"},
		})
	}
}

// checkPerformance estimates the per-step cost as the sum of each block's
// cost hint scaled by its fan-in.
func (v *Validator) checkPerformance(c *canvas.Canvas, defs map[string]*block.Definition, r *reportBuilder) {
	var cost float64
	for _, b := range c.OrderedBlocks() {
		def, ok := defs[b.ID]
		if !ok {
			continue
		}
		fanIn := 0
		for _, in := range def.Inputs {
			fanIn += len(c.ActiveInbound(b.ID, in.ID))
		}
		cost += def.CostHint * float64(max(1, fanIn))
	}

	if cost > v.budget {
		r.warn(canvas.Issue{
			Type:        canvas.WarningPerformance,
			Message:     fmt.Sprintf("estimated cost %.1fms per step exceeds %.1fms", cost, v.budget),
			Suggestions: []string{"Reduce the number of data sources", "Use a coarser resolution"},
		})
	}
}

type reportBuilder struct {
	errors   []canvas.Issue
	warnings []canvas.Issue
}

func (b *reportBuilder) fail(i canvas.Issue) {
	i.Severity = canvas.SeverityError
	b.errors = append(b.errors, i)
}

func (b *reportBuilder) warn(i canvas.Issue) {
	i.Severity = canvas.SeverityWarning
	b.warnings = append(b.warnings, i)
}

func (b *reportBuilder) report() canvas.Report {
	return canvas.NewReport(b.errors, b.warnings)
}
