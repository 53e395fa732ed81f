// Package simulation executes validated canvases over a time range.
//
// A job moves Pending -> Running -> Completed, Failed or Cancelled. It
// never enters Running unless its canvas snapshot validates; an invalid
// canvas goes straight to Failed with the validation errors attached.
//
// Blocks run in topological order, ties broken by block id, once per step.
// A block error becomes an error event and its outputs are dropped for the
// step, so downstream blocks see no input. Errors in fatal block types
// (risk managers) fail the job; the results of earlier steps are kept
// because each step is committed only after it completes.
//
// Cancellation is checked between steps and keeps the partial results.
// The MaxDuration deadline also bounds the context blocks run with, so a
// data source that hangs inside a step is cut off at the deadline. A timeout
// fails the job with a timeout event and drops the step it interrupted.
//
// Step instants come from the request mode: historical replays
// [Start, End) at the interval, realtime follows a TickSource paced by a
// token bucket, and hybrid replays history up to the submission instant
// before switching to live ticks.
package simulation
