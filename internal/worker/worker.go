// ============================================================================
// dialog-forge Worker - Generation Loop
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: One generation loop per goroutine
//
// How it works:
//   Each iteration ("group") runs:
//   1. Sample one theme
//   2. For every variant: build prompt, pick a temperature, call the
//      endpoint, validate and clean the record, attach metadata, append it
//   3. Report the group: success only when every variant was written
//   4. Sleep a random group delay (skipped once stop is requested)
//
// Cancellation:
//   The worker context is checked between variants and between groups. A
//   call already in flight runs on a detached context and is allowed to
//   finish; only the sleeps react to cancellation immediately.
//
// Error accounting:
//   A failed or partial group increments the consecutive error counter; a
//   successful group resets it. At MaxConsecutiveErrors the worker exits in
//   StateFailed. A panic inside a group counts as a failed group and is
//   followed by ErrorCooldown.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/dialog-forge/pkg/types"
)

type groupOutcome int

const (
	groupSucceeded groupOutcome = iota
	groupFailed
	groupInterrupted // stop requested mid-group; not counted
)

// Worker represents one generation loop
type Worker struct {
	id     int
	cfg    Config
	deps   Deps
	caller Caller
	report func(statsEvent)
	log    *slog.Logger

	state       atomic.Int32
	busy        atomic.Bool
	generated   atomic.Int64
	written     atomic.Int64
	errors      atomic.Int64
	consecutive atomic.Int64

	cancel context.CancelFunc
	done   chan struct{} // closed when run returns
}

// newWorker validates the configuration; an invalid worker never starts
func newWorker(id int, cfg Config, deps Deps, caller Caller, report func(statsEvent)) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if caller == nil {
		return nil, fmt.Errorf("%w: nil caller", ErrInvalidConfig)
	}
	if report == nil {
		report = func(statsEvent) {}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		id:     id,
		cfg:    cfg,
		deps:   deps,
		caller: caller,
		report: report,
		log:    logger.With("component", "worker", "worker_id", id),
		done:   make(chan struct{}),
	}, nil
}

// start launches the loop on its own goroutine under a child of parent
func (w *Worker) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	w.state.Store(int32(StateRunning))
	go w.run(ctx)
}

// RequestStop asks the loop to exit after the current call
func (w *Worker) RequestStop() {
	w.state.CompareAndSwap(int32(StateRunning), int32(StateStopRequested))
	w.state.CompareAndSwap(int32(StateIdle), int32(StateStopRequested))
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.cancel()
	defer w.busy.Store(false)

	w.log.Info("worker started")

	for ctx.Err() == nil {
		w.busy.Store(true)
		outcome, panicked := w.runGroupSafely(ctx)
		w.busy.Store(false)

		switch outcome {
		case groupSucceeded:
			w.generated.Add(1)
			w.consecutive.Store(0)
			w.report(statsEvent{kind: eventGroupSucceeded, workerID: w.id})
		case groupFailed:
			w.errors.Add(1)
			n := w.consecutive.Add(1)
			w.report(statsEvent{kind: eventGroupFailed, workerID: w.id})
			w.log.Warn("group failed", "consecutive_errors", n, "max", w.cfg.MaxConsecutiveErrors)
			if n >= int64(w.cfg.MaxConsecutiveErrors) {
				w.state.Store(int32(StateFailed))
				w.log.Error("worker stopped: too many consecutive errors", "consecutive_errors", n)
				return
			}
			if panicked {
				sleepCtx(ctx, w.cfg.ErrorCooldown)
			}
		case groupInterrupted:
		}

		if ctx.Err() != nil {
			break
		}
		sleepCtx(ctx, randomDelay(w.cfg.GroupDelay))
	}

	w.state.Store(int32(StateStopped))
	w.log.Info("worker stopped", "generated", w.generated.Load(), "written", w.written.Load(), "errors", w.errors.Load())
}

// runGroupSafely turns a panic into a failed group
func (w *Worker) runGroupSafely(ctx context.Context) (outcome groupOutcome, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic in generation group", "panic", r, "stack", string(debug.Stack()))
			outcome, panicked = groupFailed, true
		}
	}()
	return w.runGroup(ctx), false
}

func (w *Worker) runGroup(ctx context.Context) groupOutcome {
	theme := w.deps.Themes.Next()
	written := 0

	for i, v := range w.cfg.Variants {
		if i > 0 && !sleepCtx(ctx, randomDelay(w.cfg.ItemDelay)) {
			return groupInterrupted
		}
		if ctx.Err() != nil {
			return groupInterrupted
		}
		if w.generateItem(ctx, v, theme) {
			written++
		}
	}

	if written == len(w.cfg.Variants) {
		w.log.Info("group generated", "theme", theme, "variants", written)
		return groupSucceeded
	}
	w.log.Warn("group partially generated", "theme", theme, "written", written, "variants", len(w.cfg.Variants))
	return groupFailed
}

// generateItem produces and appends one record; false on any failure
func (w *Worker) generateItem(ctx context.Context, v types.Variant, theme string) bool {
	attempt := types.Attempt{
		Prompt:      w.deps.Prompts.Build(v.Code, v.Name, theme),
		Temperature: uniform(w.cfg.Temperature),
		Variant:     v,
	}

	fail := func(msg string, args ...any) bool {
		w.log.Warn(msg, append([]any{"language", v.Code}, args...)...)
		w.report(statsEvent{kind: eventItemFailed, workerID: w.id, variant: v.Code})
		return false
	}

	res := w.caller.Call(context.WithoutCancel(ctx), attempt.Prompt, attempt.Temperature)
	if !res.OK() {
		return fail("call failed", "kind", res.Err.Kind, "attempts", res.Attempts, "error", res.Err.Err)
	}
	if !w.deps.Validator.IsValid(res.Record) {
		return fail("response failed validation")
	}

	rec := w.deps.Validator.Clean(res.Record)
	rec[types.FieldLanguage] = v.Code
	rec[types.FieldTemperature] = math.Round(attempt.Temperature*1e4) / 1e4
	rec[types.FieldTimestamp] = float64(time.Now().UnixNano()) / 1e9
	rec[types.FieldWorkerID] = w.id
	rec[types.FieldTheme] = theme
	rec = w.deps.Validator.FilterToSchema(rec, w.cfg.Metadata...)

	if err := w.deps.Writer.Append(rec); err != nil {
		return fail("append failed", "error", err)
	}

	w.written.Add(1)
	w.report(statsEvent{kind: eventItemWritten, workerID: w.id, variant: v.Code})
	return true
}

// ============================================================================
// Accessors
// ============================================================================

func (w *Worker) ID() int { return w.id }

func (w *Worker) State() State { return State(w.state.Load()) }

// exited reports whether the goroutine has returned
func (w *Worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *Worker) info() WorkerInfo {
	alive := !w.exited()
	return WorkerInfo{
		ID:                w.id,
		State:             w.State().String(),
		Alive:             alive,
		Active:            alive && w.busy.Load(),
		Generated:         w.generated.Load(),
		Written:           w.written.Load(),
		Errors:            w.errors.Load(),
		ConsecutiveErrors: w.consecutive.Load(),
	}
}

// ============================================================================
// Helpers
// ============================================================================

func uniform(r types.Range) float64 {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + rand.Float64()*(r.Max-r.Min)
}

func randomDelay(r types.DurationRange) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(rand.Int64N(int64(r.Max-r.Min)+1))
}

// sleepCtx waits d; false when ctx ended first
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
