package enforce

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"hostguard/pkg/source"
)

// Actions are the user-facing operations. They share one pending flag: while
// one runs, the others return immediately with Skipped set.
type Actions struct {
	model   *source.Model
	ctrl    *Controller
	log     *slog.Logger
	pending atomic.Bool
}

// Outcome describes what an action did.
type Outcome struct {
	Skipped bool
	Report  source.Report
	Applied bool
	Update  bool
}

// NewActions wires the source model to the controller.
func NewActions(model *source.Model, ctrl *Controller, log *slog.Logger) *Actions {
	if log == nil {
		log = slog.Default()
	}
	return &Actions{model: model, ctrl: ctrl, log: log}
}

// Pending reports whether an action is running.
func (a *Actions) Pending() bool {
	return a.pending.Load()
}

func (a *Actions) begin() bool {
	if !a.pending.CompareAndSwap(false, true) {
		a.log.Debug("action pending, request ignored")
		return false
	}
	return true
}

func (a *Actions) end() { a.pending.Store(false) }

// Toggle applies enforcement when it is off and reverts it when it is on.
func (a *Actions) Toggle(ctx context.Context) (Outcome, error) {
	if !a.begin() {
		return Outcome{Skipped: true}, nil
	}
	defer a.end()

	if a.ctrl.IsApplied() {
		return Outcome{}, a.ctrl.Revert(ctx)
	}
	if err := a.ctrl.Apply(ctx); err != nil {
		return Outcome{}, err
	}
	return Outcome{Applied: a.ctrl.IsApplied()}, nil
}

// Update probes sources for remote changes.
func (a *Actions) Update(ctx context.Context) (Outcome, error) {
	if !a.begin() {
		return Outcome{Skipped: true}, nil
	}
	defer a.end()

	available, err := a.model.CheckForUpdate(ctx)
	return Outcome{Update: available}, err
}

// Sync retrieves every source and then applies the merged set.
func (a *Actions) Sync(ctx context.Context) (Outcome, error) {
	if !a.begin() {
		return Outcome{Skipped: true}, nil
	}
	defer a.end()
	return a.sync(ctx, true)
}

func (a *Actions) sync(ctx context.Context, alwaysApply bool) (Outcome, error) {
	report, err := a.model.RetrieveHostsSources(ctx)
	out := Outcome{Report: report}
	if err != nil {
		return out, err
	}
	if !alwaysApply && !a.ctrl.IsApplied() {
		return out, nil
	}
	if err := a.ctrl.Apply(ctx); err != nil {
		return out, err
	}
	out.Applied = a.ctrl.IsApplied()
	return out, nil
}

// EnableAllSources enables every source and syncs if that changed anything.
func (a *Actions) EnableAllSources(ctx context.Context) (Outcome, error) {
	changed, err := a.model.EnableAllSources(ctx)
	if err != nil || !changed {
		return Outcome{}, err
	}
	return a.Sync(ctx)
}

// Run refreshes sources every interval until ctx ends. A refresh only
// re-applies when enforcement is already on.
func (a *Actions) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.begin() {
				continue
			}
			if _, err := a.sync(ctx, false); err != nil {
				a.log.Error("failed to refresh sources", "error", err)
			}
			a.end()
		}
	}
}
