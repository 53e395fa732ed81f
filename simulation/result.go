package simulation

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
)

// Status is the state of a simulation job
type Status string

// Job statuses. Pending moves to Running or straight to Failed or
// Cancelled; Running ends in one of the three terminal states.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition can happen
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transition records a status change
type Transition struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// SignalPoint is a signal emitted by a block at a step
type SignalPoint struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	BlockID   string    `json:"block_id"`
	block.Signal
}

// WeightPoint is a target weight emitted by a block at a step
type WeightPoint struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	BlockID   string    `json:"block_id"`
	block.Weight
}

// ActionPoint is an execution instruction emitted by a block at a step
type ActionPoint struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	BlockID   string    `json:"block_id"`
	block.Action
}

// PerformancePoint is the simulated portfolio after a step
type PerformancePoint struct {
	Step      int             `json:"step"`
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Return    decimal.Decimal `json:"return"`
	Exposure  decimal.Decimal `json:"exposure"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// Event severities
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// EventPoint is a diagnostic from a block or from the engine
type EventPoint struct {
	Step      int         `json:"step,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	BlockID   string      `json:"block_id,omitempty"`
	Severity  string      `json:"severity"`
	Kind      errors.Kind `json:"kind,omitempty"`
	Message   string      `json:"message"`
	Fatal     bool        `json:"fatal,omitempty"`
}

// Results holds the data streams produced by a job
type Results struct {
	Signals     []SignalPoint      `json:"signals"`
	Weights     []WeightPoint      `json:"weights"`
	Actions     []ActionPoint      `json:"actions"`
	Performance []PerformancePoint `json:"performance"`
	Events      []EventPoint       `json:"events"`
}

func newResults() Results {
	return Results{
		Signals:     []SignalPoint{},
		Weights:     []WeightPoint{},
		Actions:     []ActionPoint{},
		Performance: []PerformancePoint{},
		Events:      []EventPoint{},
	}
}

func (r Results) clone() Results {
	return Results{
		Signals:     append([]SignalPoint{}, r.Signals...),
		Weights:     append([]WeightPoint{}, r.Weights...),
		Actions:     append([]ActionPoint{}, r.Actions...),
		Performance: append([]PerformancePoint{}, r.Performance...),
		Events:      append([]EventPoint{}, r.Events...),
	}
}

// ErrorEvents returns events with error severity
func (r Results) ErrorEvents() []EventPoint {
	var out []EventPoint
	for _, e := range r.Events {
		if e.Severity == SeverityError {
			out = append(out, e)
		}
	}
	return out
}

// BlockTiming aggregates a block's invocations over a job
type BlockTiming struct {
	Invocations int           `json:"invocations"`
	Errors      int           `json:"errors"`
	Total       time.Duration `json:"total"`
	Max         time.Duration `json:"max"`
}

// Metrics describes job execution
type Metrics struct {
	Duration         time.Duration          `json:"duration"`
	Steps            int                    `json:"steps"`
	BlockInvocations int                    `json:"block_invocations"`
	BlockErrors      int                    `json:"block_errors"`
	Throughput       float64                `json:"throughput"` // steps per second
	BlockTimings     map[string]BlockTiming `json:"block_timings,omitempty"`
}

// VisualNode places a block for a layered drawing
type VisualNode struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Level    int             `json:"level"`
	Position canvas.Position `json:"position"`
}

// VisualEdge is a connection in a layered drawing
type VisualEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Type   string `json:"type"`
	Active bool   `json:"active"`
}

// Visualization is the layered layout of the executed canvas
type Visualization struct {
	Levels [][]string   `json:"levels"`
	Nodes  []VisualNode `json:"nodes"`
	Edges  []VisualEdge `json:"edges"`
}

// Result is the state and output of a simulation job
type Result struct {
	ID             string         `json:"id"`
	CanvasID       string         `json:"canvas_id"`
	Request        Request        `json:"request"`
	Status         Status         `json:"status"`
	History        []Transition   `json:"history"`
	ExecutionOrder []string       `json:"execution_order,omitempty"`
	Results        Results        `json:"results"`
	Metrics        Metrics        `json:"metrics"`
	Visualization  *Visualization `json:"visualization,omitempty"`
	Errors         []canvas.Issue `json:"errors,omitempty"` // validation errors that blocked execution
	Error          string         `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
}

// Progress summarizes a job without its result streams. Its size does not
// grow with the number of steps.
type Progress struct {
	ID      string  `json:"id"`
	Status  Status  `json:"status"`
	Metrics Metrics `json:"metrics"`
	Signals int     `json:"signals"`
	Weights int     `json:"weights"`
	Actions int     `json:"actions"`
	Events  int     `json:"events"`
}

// Entered reports whether the job ever reached status s
func (r *Result) Entered(s Status) bool {
	for _, t := range r.History {
		if t.Status == s {
			return true
		}
	}
	return false
}

// Progress returns the constant-size summary of r
func (r *Result) Progress() Progress {
	p := Progress{
		ID:      r.ID,
		Status:  r.Status,
		Metrics: r.Metrics,
		Signals: len(r.Results.Signals),
		Weights: len(r.Results.Weights),
		Actions: len(r.Results.Actions),
		Events:  len(r.Results.Events),
	}
	if r.Metrics.BlockTimings != nil {
		p.Metrics.BlockTimings = make(map[string]BlockTiming, len(r.Metrics.BlockTimings))
		for k, v := range r.Metrics.BlockTimings {
			p.Metrics.BlockTimings[k] = v
		}
	}
	return p
}

// Clone returns a deep copy
func (r *Result) Clone() *Result {
	out := *r
	out.History = append([]Transition(nil), r.History...)
	out.ExecutionOrder = append([]string(nil), r.ExecutionOrder...)
	out.Results = r.Results.clone()
	out.Errors = append([]canvas.Issue(nil), r.Errors...)
	out.Request.Assets = append([]string(nil), r.Request.Assets...)
	if r.Metrics.BlockTimings != nil {
		out.Metrics.BlockTimings = make(map[string]BlockTiming, len(r.Metrics.BlockTimings))
		for k, v := range r.Metrics.BlockTimings {
			out.Metrics.BlockTimings[k] = v
		}
	}
	if r.Visualization != nil {
		v := *r.Visualization
		v.Levels = make([][]string, len(r.Visualization.Levels))
		for i, l := range r.Visualization.Levels {
			v.Levels[i] = append([]string(nil), l...)
		}
		v.Nodes = append([]VisualNode(nil), r.Visualization.Nodes...)
		v.Edges = append([]VisualEdge(nil), r.Visualization.Edges...)
		out.Visualization = &v
	}
	return &out
}
