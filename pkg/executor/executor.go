// Package executor bounds the two kinds of blocking work: network I/O
// (list fetches, upstream DNS) and disk I/O (parsing, merging, persistence,
// file installation). Each domain has its own weight budget so a slow fetch
// never holds a slot an install is waiting for.
package executor

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Domain is one bounded pool.
type Domain struct {
	name string
	sem  *semaphore.Weighted
}

func newDomain(name string, size int) *Domain {
	if size <= 0 {
		size = 1
	}
	return &Domain{name: name, sem: semaphore.NewWeighted(int64(size))}
}

// Name identifies the domain in logs and metrics.
func (d *Domain) Name() string { return d.name }

// Do runs fn on the caller's goroutine once a slot is free. It returns
// ctx.Err() if the context ends first.
func (d *Domain) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)
	return fn(ctx)
}

// Go runs fn on a new goroutine once a slot is free. It reports false when
// no slot is available right now; the caller decides whether to drop.
func (d *Domain) Go(ctx context.Context, fn func(context.Context)) bool {
	if !d.sem.TryAcquire(1) {
		return false
	}
	go func() {
		defer d.sem.Release(1)
		fn(ctx)
	}()
	return true
}

// Executors groups the network and disk domains.
type Executors struct {
	Network *Domain
	Disk    *Domain
}

// New sizes the network domain explicitly; the disk domain follows the CPU
// count since parsing and merging are CPU bound once the bytes are local.
func New(network int) *Executors {
	return &Executors{
		Network: newDomain("network", network),
		Disk:    newDomain("disk", runtime.GOMAXPROCS(0)),
	}
}
