package validation

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/blockregistry"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
)

// fixture builds canvases directly, bypassing the Model, so tests can
// construct states the Model would refuse.
type fixture struct {
	registry *block.Registry
	c        *canvas.Canvas
	next     int
}

func newFixture(cfg canvas.Config) *fixture {
	return &fixture{registry: blockregistry.NewRegistry(), c: canvas.New("c1", "test", cfg)}
}

func (f *fixture) block(id, blockType string, raw map[string]any) *fixture {
	params := block.Parameters{}
	if def, err := f.registry.Definition(blockType); err == nil {
		params, _ = def.ParseParameters(raw)
	}
	f.c.Blocks[id] = &canvas.Block{ID: id, Type: blockType, Parameters: params}
	f.c.BlockOrder = append(f.c.BlockOrder, id)
	return f
}

func (f *fixture) connect(src, srcPort, dst, dstPort string) *fixture {
	f.next++
	id := "k" + string(rune('0'+f.next))
	f.c.Connections[id] = &canvas.Connection{
		ID: id, SourceBlockID: src, SourcePort: srcPort,
		TargetBlockID: dst, TargetPort: dstPort, Weight: 1, Active: true,
	}
	f.c.ConnectionOrder = append(f.c.ConnectionOrder, id)
	return f
}

func (f *fixture) canvas() *canvas.Canvas {
	f.c.Reindex()
	return f.c
}

func linearFixture() *fixture {
	return newFixture(canvas.DefaultConfig()).
		block("A", "price_feed", map[string]any{"symbol": "BTC"}).
		block("B", "threshold_filter", nil).
		block("C", "signal_generator", nil).
		connect("A", "price", "B", "value").
		connect("B", "value", "C", "value")
}

func types(issues []canvas.Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Type
	}
	return out
}

func TestConnectionValidator_Order(t *testing.T) {
	f := linearFixture().block("R", "risk_manager", nil)
	c := f.canvas()
	v := NewConnectionValidator(f.registry)

	out := v.Validate(c, "A", "price", "R", "weight")
	assert.False(t, out.OK)
	assert.Equal(t, []string{string(errors.KindTypeMismatch)}, types(out.Errors))

	out = v.Validate(c, "X", "price", "Y", "value")
	assert.Equal(t, []string{string(errors.KindStructural)}, types(out.Errors))
	assert.Contains(t, out.Errors[0].Message, "source block")

	out = v.Validate(c, "A", "volume", "B", "value")
	assert.Equal(t, []string{string(errors.KindStructural)}, types(out.Errors))
	assert.Equal(t, []string{"Available ports: [price]"}, out.Errors[0].Suggestions)

	out = v.Validate(c, "A", "price", "B", "nope")
	assert.Equal(t, []string{string(errors.KindStructural)}, types(out.Errors))
	assert.Contains(t, out.Errors[0].Message, "input port")

	out = v.Validate(c, "A", "price", "B", "value")
	assert.Equal(t, []string{string(errors.KindMultiplicity)}, types(out.Errors))

	out = v.Validate(c, "C", "signal", "C", "value")
	assert.Equal(t, []string{string(errors.KindTypeMismatch), string(errors.KindMultiplicity), string(errors.KindStructural)}, types(out.Errors))

	out = v.Validate(c, "B", "value", "C", "value")
	assert.False(t, out.OK)

	out = v.Validate(c, "C", "signal", "R", "weight")
	assert.Equal(t, []string{string(errors.KindTypeMismatch)}, types(out.Errors))
	require.Error(t, out.Err())
	assert.Equal(t, errors.KindTypeMismatch, errors.KindOf(out.Err()))
}

func TestConnectionValidator_Accepts(t *testing.T) {
	f := newFixture(canvas.DefaultConfig()).
		block("g", "signal_generator", nil).
		block("w", "weight_calculator", nil)
	out := NewConnectionValidator(f.registry).Validate(f.canvas(), "g", "signal", "w", "signal")
	assert.True(t, out.OK)
	assert.NoError(t, out.Err())
}

func TestValidateCanvas_Linear(t *testing.T) {
	f := linearFixture()
	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())

	assert.True(t, report.IsValid, "errors: %v", report.Errors)
	assert.Empty(t, report.Errors)
	// The signal output is not consumed by a terminal block.
	assert.Equal(t, []string{canvas.WarningSuboptimal}, types(report.Warnings))
	assert.Equal(t, "C", report.Warnings[0].BlockID)
}

func TestValidateCanvas_Empty(t *testing.T) {
	f := newFixture(canvas.DefaultConfig())
	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.True(t, report.IsValid)
	assert.Equal(t, []string{canvas.WarningSuboptimal}, types(report.Warnings))
}

func TestValidateCanvas_Cycle(t *testing.T) {
	f := newFixture(canvas.DefaultConfig()).
		block("A", "moving_average", nil).
		block("B", "moving_average", nil).
		connect("A", "value", "B", "value").
		connect("B", "value", "A", "value")

	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.False(t, report.IsValid)
	require.Equal(t, []string{string(errors.KindCyclicDependency)}, types(report.Errors))
	issue := report.Errors[0]
	assert.Equal(t, []string{"A", "B", "A"}, issue.Path)
	assert.Equal(t, "k2", issue.ConnectionID)
	assert.NotEmpty(t, issue.Suggestions)
}

func TestValidateCanvas_PermittedCycleIsWarning(t *testing.T) {
	cfg := canvas.DefaultConfig()
	cfg.AllowCircular = true
	f := newFixture(cfg).
		block("A", "moving_average", nil).
		block("B", "moving_average", nil).
		connect("A", "value", "B", "value").
		connect("B", "value", "A", "value")

	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.True(t, report.IsValid)
	assert.Contains(t, types(report.Warnings), canvas.WarningCircular)
}

func TestValidateCanvas_Constraints(t *testing.T) {
	cfg := canvas.Config{MaxBlocks: 2, MaxConnections: 1, MaxNesting: 2}
	f := newFixture(cfg).
		block("A", "price_feed", map[string]any{"symbol": "BTC"}).
		block("B", "threshold_filter", nil).
		block("C", "signal_generator", nil).
		connect("A", "price", "B", "value").
		connect("B", "value", "C", "value")

	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.False(t, report.IsValid)
	assert.Len(t, report.ErrorsOfType(string(errors.KindConstraintViolation)), 3)
}

func TestValidateCanvas_NearLimitWarning(t *testing.T) {
	cfg := canvas.DefaultConfig()
	cfg.MaxBlocks = 3
	f := linearFixture()
	f.c.Config = cfg
	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.True(t, report.IsValid)

	var found bool
	for _, w := range report.Warnings {
		if w.Type == canvas.WarningSuboptimal && w.BlockID == "" {
			found = true
			assert.Contains(t, w.Message, "3 of 3 allowed blocks")
		}
	}
	assert.True(t, found)
}

func TestValidateCanvas_MissingRequiredInput(t *testing.T) {
	f := newFixture(canvas.DefaultConfig()).
		block("A", "price_feed", map[string]any{"symbol": "BTC"}).
		block("B", "moving_average", nil)

	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.False(t, report.IsValid)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "B", report.Errors[0].BlockID)
	assert.Contains(t, report.Errors[0].Message, "required input B.value")
}

func TestValidateCanvas_StaleState(t *testing.T) {
	f := linearFixture().
		block("X", "teleporter", nil).
		connect("A", "price", "B", "value")
	f.c.Blocks["B"].Parameters = block.Parameters{"min": block.String("low")}

	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.False(t, report.IsValid)
	got := types(report.Errors)
	assert.Contains(t, got, string(errors.KindStructural))
	assert.Contains(t, got, string(errors.KindParameterValidation))
	assert.Contains(t, got, string(errors.KindMultiplicity))
}

func TestValidateCanvas_Warnings(t *testing.T) {
	f := newFixture(canvas.DefaultConfig()).
		block("A", "price_feed", map[string]any{"symbol": "BTC"}).
		block("M", "momentum", nil).
		block("T", "execution_trigger", nil).
		block("lonely", "price_feed", map[string]any{"symbol": "ETH"}).
		connect("A", "price", "M", "value")
	f.c.Connections["k1"].Weight = 0

	report := NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	got := types(report.Warnings)
	assert.Contains(t, got, canvas.WarningDeprecated)
	assert.Contains(t, got, canvas.WarningSuboptimal)

	var messages []string
	for _, w := range report.Warnings {
		messages = append(messages, w.Message)
	}
	assert.Contains(t, messages, "block lonely is not connected to anything")
	assert.Contains(t, messages, "connection k1 has non-positive weight 0")
	assert.Contains(t, messages, "outputs of block M are not consumed")
}

func TestValidateCanvas_PerformanceWarning(t *testing.T) {
	f := newFixture(canvas.Config{}).block("mix", "signal_combiner", nil)
	for _, sym := range []string{"AA", "BB", "CC", "DD"} {
		f.block(sym, "price_feed", map[string]any{"symbol": sym}).connect(sym, "price", "mix", "inputs")
	}

	report := NewValidator(f.registry, nil, WithPerformanceBudget(10)).ValidateCanvas(f.canvas())
	assert.Contains(t, types(report.Warnings), canvas.WarningPerformance)

	report = NewValidator(f.registry, nil).ValidateCanvas(f.canvas())
	assert.NotContains(t, types(report.Warnings), canvas.WarningPerformance)
}

func TestValidator_LogsAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	f := linearFixture()
	NewValidator(f.registry, logger).ValidateCanvas(f.canvas())
	assert.Contains(t, buf.String(), "Canvas validation complete")
}
