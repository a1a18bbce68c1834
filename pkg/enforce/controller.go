package enforce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"hostguard/pkg/executor"
	"hostguard/pkg/hosterr"
	"hostguard/pkg/metrics"
	"hostguard/pkg/rules"
)

// ErrBusy is returned by SetMethod while an apply or revert is in flight.
var ErrBusy = errors.New("enforcement transition in progress")

// Detector is implemented by strategies that can tell whether a previous
// process left them installed.
type Detector interface {
	Installed() bool
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Method   Method
	Factory  Factory
	Rules    rules.Provider
	Executor *executor.Domain
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Controller serialises apply and revert over the one live strategy.
type Controller struct {
	factory  Factory
	provider rules.Provider
	exec     *executor.Domain
	log      *slog.Logger
	metrics  *metrics.Metrics

	busy atomic.Bool

	mu       sync.Mutex
	strategy Strategy
	state    State
	applied  bool
	lastErr  *hosterr.HostError
	subs     map[int]chan State
	nextSub  int
}

// NewController builds the strategy for opts.Method.
func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Factory == nil || opts.Rules == nil {
		return nil, errors.New("controller needs a strategy factory and a rule provider")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	exec := opts.Executor
	if exec == nil {
		exec = executor.New(1).Disk
	}
	strategy, err := opts.Factory(opts.Method)
	if err != nil {
		return nil, fmt.Errorf("build %s strategy: %w", opts.Method, err)
	}
	c := &Controller{
		factory:  opts.Factory,
		provider: opts.Rules,
		exec:     exec,
		log:      log,
		metrics:  opts.Metrics,
		strategy: strategy,
		subs:     make(map[int]chan State),
	}
	if d, ok := strategy.(Detector); ok && d.Installed() {
		c.applied = true
		c.state = State{Phase: Applied}
	}
	c.metrics.Enforcement(c.state.Phase.String(), PhaseNames())
	return c, nil
}

// Apply installs the current rule set through the active strategy. Calling
// Apply while APPLIED re-installs, which is how a re-merged set reaches a
// strategy. If another transition is in flight the call is a no-op.
func (c *Controller) Apply(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		c.log.Debug("enforcement transition in flight, apply ignored")
		return nil
	}
	defer c.busy.Store(false)

	strategy := c.current()
	c.transition(State{Phase: Applying})
	err := c.exec.Do(ctx, func(ctx context.Context) error {
		return strategy.Install(ctx, c.provider)
	})
	if err != nil {
		return c.fail("apply", strategy, err)
	}

	c.mu.Lock()
	c.applied = true
	c.mu.Unlock()
	c.transition(State{Phase: Applied})
	c.log.Info("enforcement applied", "method", strategy.Method(), "rules", c.provider.Current().Len())
	return nil
}

// Revert uninstalls the active strategy. It is a no-op when nothing is
// applied or another transition is in flight.
func (c *Controller) Revert(ctx context.Context) error {
	if !c.busy.CompareAndSwap(false, true) {
		c.log.Debug("enforcement transition in flight, revert ignored")
		return nil
	}
	defer c.busy.Store(false)

	if !c.IsApplied() {
		c.log.Debug("enforcement not applied, nothing to revert")
		return nil
	}
	strategy := c.current()
	c.transition(State{Phase: Reverting})
	if err := c.uninstall(ctx, strategy); err != nil {
		return c.fail("revert", strategy, err)
	}
	c.transition(State{Phase: NotApplied})
	c.log.Info("enforcement reverted", "method", strategy.Method())
	return nil
}

// SetMethod switches strategies. When the old strategy is applied it is
// reverted first; the new strategy is always built fresh and starts out not
// applied.
func (c *Controller) SetMethod(ctx context.Context, method Method) error {
	if !c.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.busy.Store(false)

	old := c.current()
	if old.Method() == method {
		return nil
	}
	if c.IsApplied() {
		c.transition(State{Phase: Reverting})
		if err := c.uninstall(ctx, old); err != nil {
			return c.fail("switch method", old, err)
		}
	}

	next, err := c.factory(method)
	if err != nil {
		c.transition(State{Phase: NotApplied})
		return fmt.Errorf("build %s strategy: %w", method, err)
	}
	c.mu.Lock()
	c.strategy = next
	c.mu.Unlock()
	c.transition(State{Phase: NotApplied})
	c.log.Info("enforcement method changed", "from", old.Method(), "to", method)
	return nil
}

func (c *Controller) uninstall(ctx context.Context, strategy Strategy) error {
	err := c.exec.Do(ctx, strategy.Uninstall)
	if err == nil {
		c.mu.Lock()
		c.applied = false
		c.mu.Unlock()
	}
	return err
}

// fail records a HostError. The device keeps its last good configuration,
// so the applied flag is left as it was.
func (c *Controller) fail(op string, strategy Strategy, err error) error {
	he := hosterr.AsHostError(err)
	c.mu.Lock()
	c.lastErr = he
	c.mu.Unlock()
	c.transition(State{Phase: Failed, Err: he})
	c.log.Error("enforcement failed", "op", op, "method", strategy.Method(), "kind", he.Kind, "error", err)
	return he
}

func (c *Controller) current() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// Method returns the active strategy's method.
func (c *Controller) Method() Method {
	return c.current().Method()
}

// IsApplied reports whether the active strategy is installed.
func (c *Controller) IsApplied() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TakeError returns the last HostError once, then nil until the next failure.
func (c *Controller) TakeError() *hosterr.HostError {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.lastErr
	c.lastErr = nil
	return err
}

// Subscribe returns a channel carrying the latest state. Slow readers only
// miss intermediate states. Call cancel to stop receiving.
func (c *Controller) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.state
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) transition(next State) {
	c.mu.Lock()
	c.state = next
	if next.Phase != Failed {
		c.lastErr = nil
	}
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	c.mu.Unlock()
	c.metrics.Enforcement(next.Phase.String(), PhaseNames())
}
