// Package executor runs job payloads.
package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"supertask/internal/errors"
	"supertask/internal/models"
)

// Executor runs one fire of a job. It returns when the run is over or ctx
// is done.
type Executor interface {
	Execute(ctx context.Context, job models.Job, firedAt time.Time) error
}

// Invocation is what a step receives.
type Invocation struct {
	Job     models.Job
	Step    models.Step
	FiredAt time.Time
}

// Func is an in-process entrypoint.
type Func func(ctx context.Context, inv Invocation) error

// Runner is the default Executor. It runs the payload's steps in order and
// stops at the first failure.
type Runner struct {
	mu          sync.RWMutex
	entrypoints map[string]Func
	http        *httpStep
	shell       *shellStep
	log         *zap.SugaredLogger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// WithHTTPTimeout bounds every webhook step. Non-positive values keep the
// default.
func WithHTTPTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.http.client.Timeout = d
		}
	}
}

// WithShellOutputLimit caps how much command output is kept for errors.
func WithShellOutputLimit(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.shell.tail = n
		}
	}
}

// NewRunner returns a Runner with the built-in entrypoints noop and sleep.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		entrypoints: make(map[string]Func),
		http:        newHTTPStep(),
		shell:       &shellStep{tail: 4096},
		log:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register("noop", func(context.Context, Invocation) error { return nil })
	r.Register("sleep", sleep)
	return r
}

// Register binds name to fn, replacing any previous binding.
func (r *Runner) Register(name string, fn Func) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entrypoints[name] = fn
}

func (r *Runner) Execute(ctx context.Context, job models.Job, firedAt time.Time) error {
	for i, step := range job.Payload.Steps {
		name := step.Name
		if name == "" {
			name = step.Target
		}
		if step.Skip {
			r.log.Debugw("step skipped", "namespace", job.Namespace, "job_id", job.ID, "step", name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		inv := Invocation{Job: job, Step: step, FiredAt: firedAt}
		if err := r.runStep(ctx, inv); err != nil {
			return errors.Wrapf(err, "step %d (%s)", i, name)
		}
	}
	return nil
}

func (r *Runner) runStep(ctx context.Context, inv Invocation) error {
	switch inv.Step.Kind {
	case models.StepEntrypoint:
		r.mu.RLock()
		fn, ok := r.entrypoints[inv.Step.Target]
		r.mu.RUnlock()
		if !ok {
			return errors.Newf("no entrypoint registered as %q", inv.Step.Target)
		}
		return fn(ctx, inv)
	case models.StepShell:
		return r.shell.run(ctx, inv)
	case models.StepHTTP:
		return r.http.run(ctx, inv)
	default:
		return errors.Newf("unsupported step kind %q", inv.Step.Kind)
	}
}

// sleep waits kwargs.seconds, returning early with ctx's error.
func sleep(ctx context.Context, inv Invocation) error {
	seconds, _ := asFloat(inv.Step.Kwargs["seconds"])
	if seconds <= 0 && len(inv.Step.Args) > 0 {
		seconds, _ = asFloat(inv.Step.Args[0])
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
