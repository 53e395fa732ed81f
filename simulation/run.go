package simulation

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/stackmotive/overlay/audit"
	"github.com/stackmotive/overlay/canvas"
	"github.com/stackmotive/overlay/errors"
	"github.com/stackmotive/overlay/flowgraph"
	"github.com/stackmotive/overlay/marketdata"
)

// execute drives a job through its state machine. It never returns an
// error: every outcome ends up in the job result.
func (e *Engine) execute(j *job) {
	defer j.cancel(nil)

	if context.Cause(j.ctx) != nil {
		e.finish(j, StatusCancelled, errCancelled, false)
		return
	}

	report := e.validator.ValidateCanvas(j.snapshot)
	if !report.IsValid {
		j.update(func(r *Result) { r.Errors = report.Errors })
		e.finish(j, StatusFailed, report.Err(), false)
		return
	}

	order, err := flowgraph.TopologicalOrder(j.snapshot)
	if err != nil {
		e.finish(j, StatusFailed, err, false)
		return
	}

	x, err := newExecutor(j.snapshot, order, e.registry)
	if err != nil {
		e.finish(j, StatusFailed, err, false)
		return
	}
	x.market = marketdata.Bind(e.jobSource(j), x.sources)
	x.assets = j.req.Assets
	x.portfolio = newPortfolio(initialCapital(j.req.Parameters))
	if j.req.Options.IncludeMetrics {
		x.timings = make(map[string]*BlockTiming, len(order))
	}

	var vis *Visualization
	if j.req.Options.IncludeVisualization {
		vis = visualize(j.snapshot)
	}

	now := e.now().UTC()
	var seam time.Time
	j.update(func(r *Result) {
		r.Status = StatusRunning
		r.History = append(r.History, Transition{Status: StatusRunning, At: now})
		r.StartedAt = now
		r.ExecutionOrder = order
		r.Visualization = vis
		seam = r.CreatedAt
	})
	j.started = time.Now()
	e.metrics.jobStarted()
	e.emit(j, audit.SimulationStarted, nil)
	e.logger.Info("Simulation started", "job", j.id, "canvas", j.snapshot.ID,
		"mode", j.req.Options.Mode, "blocks", len(order))

	ctx := j.ctx
	maxDuration := j.req.Options.MaxDuration
	if maxDuration == 0 {
		maxDuration = e.cfg.MaxDuration
	}
	// blocks finish their step even when the job is cancelled mid-step,
	// but never run past the job deadline
	stepCtx := context.WithoutCancel(ctx)
	if maxDuration > 0 {
		deadline := time.Now().Add(maxDuration)
		var cancel, stepCancel context.CancelFunc
		ctx, cancel = context.WithDeadlineCause(ctx, deadline, errTimeout)
		defer cancel()
		stepCtx, stepCancel = context.WithDeadlineCause(stepCtx, deadline, errTimeout)
		defer stepCancel()
	}

	sched := newSchedule(j.req, seam, e.ticks(j.req.TimeRange.Interval))
	steps := 0
	for {
		if cause := context.Cause(ctx); cause != nil {
			e.interrupt(j, x, cause, maxDuration)
			return
		}
		if e.cfg.MaxSteps > 0 && steps >= e.cfg.MaxSteps {
			break
		}

		ts, ok, err := sched.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			e.finish(j, StatusFailed, errors.WrapTransient(err, "simulation.Engine", "execute", "next step"), true)
			return
		}
		if !ok {
			break
		}

		steps++
		outcome := x.step(stepCtx, steps, ts)
		e.metrics.stepDone()
		if stderrors.Is(context.Cause(stepCtx), errTimeout) {
			// the step may have been cut short, so it is not committed
			e.interrupt(j, x, errTimeout, maxDuration)
			return
		}
		for _, ev := range outcome.results.Events {
			if ev.Kind == errors.KindRuntimeBlock {
				e.metrics.blockError(x.blocks[ev.BlockID].Type)
			}
		}

		if outcome.fatal != nil {
			j.update(func(r *Result) {
				for _, ev := range outcome.results.Events {
					if ev.Fatal {
						r.Results.Events = append(r.Results.Events, ev)
					}
				}
			})
			e.logger.Warn("Fatal block failure", "job", j.id, "block", outcome.fatal.BlockID, "step", steps)
			e.finish(j, StatusFailed, outcome.fatal, true)
			return
		}

		e.commit(j, x, outcome)
	}

	e.finish(j, StatusCompleted, nil, true)
}

// commit appends a finished step to the job result.
func (e *Engine) commit(j *job, x *executor, o stepOutcome) {
	elapsed := time.Since(j.started)
	j.update(func(r *Result) {
		r.Results.Signals = append(r.Results.Signals, o.results.Signals...)
		r.Results.Weights = append(r.Results.Weights, o.results.Weights...)
		r.Results.Actions = append(r.Results.Actions, o.results.Actions...)
		r.Results.Performance = append(r.Results.Performance, o.results.Performance...)
		r.Results.Events = append(r.Results.Events, o.results.Events...)

		m := &r.Metrics
		m.Steps++
		m.BlockInvocations += o.invocations
		m.BlockErrors += o.errors
		m.Duration = elapsed
		if elapsed > 0 {
			m.Throughput = float64(m.Steps) / elapsed.Seconds()
		}
		m.BlockTimings = x.blockTimings()
	})
}

// interrupt ends a stopped job: a timeout fails it, anything else cancels
// it. Results committed so far are kept.
func (e *Engine) interrupt(j *job, x *executor, cause error, maxDuration time.Duration) {
	now := e.now().UTC()
	if stderrors.Is(cause, errTimeout) {
		timeoutErr := errors.NewOverlayError(errors.KindTimeout,
			"simulation exceeded maximum duration of %s", maxDuration).WithCause(cause)
		j.update(func(r *Result) {
			r.Results.Events = append(r.Results.Events, EventPoint{
				Timestamp: now,
				Severity:  SeverityError,
				Kind:      errors.KindTimeout,
				Message:   timeoutErr.Message,
			})
			r.Metrics.BlockTimings = x.blockTimings()
		})
		e.finish(j, StatusFailed, timeoutErr, true)
		return
	}

	j.update(func(r *Result) {
		r.Results.Events = append(r.Results.Events, EventPoint{
			Timestamp: now,
			Severity:  SeverityInfo,
			Kind:      errors.KindCancelled,
			Message:   fmt.Sprintf("simulation cancelled after %d steps", r.Metrics.Steps),
		})
		r.Metrics.BlockTimings = x.blockTimings()
	})
	e.finish(j, StatusCancelled, errCancelled, true)
}

// finish moves a job to a terminal status. ran reports whether it entered
// Running.
func (e *Engine) finish(j *job, status Status, cause error, ran bool) {
	now := e.now().UTC()
	var final *Result

	j.mu.Lock()
	if j.result.Status.Terminal() {
		j.mu.Unlock()
		return
	}
	r := j.result
	r.Status = status
	r.History = append(r.History, Transition{Status: status, At: now})
	r.CompletedAt = now
	if cause != nil && status == StatusFailed {
		r.Error = cause.Error()
	}
	if ran {
		r.Metrics.Duration = time.Since(j.started)
		if r.Metrics.Duration > 0 {
			r.Metrics.Throughput = float64(r.Metrics.Steps) / r.Metrics.Duration.Seconds()
		}
	}
	final = r.Clone()
	close(j.changed)
	j.changed = make(chan struct{})
	j.mu.Unlock()

	close(j.done)
	e.metrics.jobFinished(status, final.Metrics.Duration.Seconds(), ran)

	recordType := audit.SimulationCompleted
	switch status {
	case StatusFailed:
		recordType = audit.SimulationFailed
	case StatusCancelled:
		recordType = audit.SimulationCancelled
	}
	e.emit(j, recordType, final)

	attrs := []any{"job", j.id, "canvas", j.snapshot.ID, "status", status,
		"steps", final.Metrics.Steps, "signals", len(final.Results.Signals)}
	if status == StatusFailed {
		e.logger.Warn("Simulation failed", append(attrs, "error", final.Error)...)
	} else {
		e.logger.Info("Simulation finished", attrs...)
	}

	e.retire(j.id)
}

func (e *Engine) emit(j *job, recordType string, final *Result) {
	rec := audit.New(recordType)
	rec.CanvasID = j.snapshot.ID
	rec.JobID = j.id
	rec.Attributes = map[string]any{"mode": string(j.req.Options.Mode)}
	if final != nil {
		rec.Status = string(final.Status)
		rec.Errors = len(final.Errors) + len(final.Results.ErrorEvents())
		rec.Attributes["steps"] = final.Metrics.Steps
		rec.Attributes["signals"] = len(final.Results.Signals)
		rec.Attributes["weights"] = len(final.Results.Weights)
		rec.Attributes["actions"] = len(final.Results.Actions)
		if final.Error != "" {
			rec.Attributes["error"] = final.Error
		}
	} else {
		rec.Status = string(StatusRunning)
	}
	e.sink.Emit(j.ctx, rec)
}

// jobSource returns the market data source for one job. Caching wraps the
// engine source in a cache owned by the job.
func (e *Engine) jobSource(j *job) marketdata.Source {
	if !j.req.Options.Caching {
		return e.source
	}
	cached, err := marketdata.NewCachedSource(e.source, e.cfg.CacheSize)
	if err != nil {
		e.logger.Warn("Market data cache disabled", "job", j.id, "error", err)
		return e.source
	}
	return cached
}

// visualize lays the canvas out in dependency levels.
func visualize(c *canvas.Canvas) *Visualization {
	levels, err := flowgraph.Levels(c)
	if err != nil {
		return nil
	}
	vis := &Visualization{Levels: levels}
	for depth, level := range levels {
		for _, id := range level {
			b := c.Blocks[id]
			vis.Nodes = append(vis.Nodes, VisualNode{ID: id, Type: b.Type, Level: depth, Position: b.Position})
		}
	}
	for _, conn := range c.OrderedConnections() {
		vis.Edges = append(vis.Edges, VisualEdge{
			ID:     conn.ID,
			Source: conn.SourceBlockID,
			Target: conn.TargetBlockID,
			Type:   conn.Type,
			Active: conn.Active,
		})
	}
	return vis
}
