// Package source orchestrates fetching, parsing and merging of all
// configured host sources into the canonical rule set.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"hostguard/pkg/executor"
	"hostguard/pkg/fetch"
	"hostguard/pkg/metrics"
	"hostguard/pkg/parser"
	"hostguard/pkg/rules"
	"hostguard/pkg/sources"
)

const defaultConcurrency = 4

// Store is the persistence the model needs.
type Store interface {
	Sources(ctx context.Context) ([]sources.HostsSource, error)
	Source(ctx context.Context, id int64) (sources.HostsSource, error)
	AddSource(ctx context.Context, src sources.HostsSource) (int64, error)
	RemoveSource(ctx context.Context, id int64) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	EnableAll(ctx context.Context) (bool, error)
	UpdateFetchState(ctx context.Context, src sources.HostsSource) error
	ReplaceSourceEntries(ctx context.Context, id int64, entries []rules.Entry) error
	EnabledSourceEntries(ctx context.Context) ([]rules.SourceEntries, error)
	SaveRuleSet(ctx context.Context, set *rules.Set) error
	LoadRuleSet(ctx context.Context) (*rules.Set, error)
	CountByKind(ctx context.Context) (map[rules.Kind]int, error)
}

// Fetcher retrieves list bodies and probes their freshness.
type Fetcher interface {
	Fetch(ctx context.Context, src sources.HostsSource) (fetch.Result, error)
	Probe(ctx context.Context, src sources.HostsSource) (bool, error)
}

// Options configures a Model.
type Options struct {
	Store       Store
	Fetcher     Fetcher
	Rules       *rules.Holder
	Executors   *executor.Executors
	Concurrency int
	ErrorLimit  int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Report summarises one retrieval round.
type Report struct {
	Total       int
	Updated     int
	NotModified int
	Failed      []string
	Changed     bool
	Rules       int
	Duration    time.Duration
}

// SomeFailed is the aggregate failure signal of a round.
func (r Report) SomeFailed() bool { return len(r.Failed) > 0 }

// Status is the outward view of the model.
type Status struct {
	Sources         sources.Counts
	Blocked         int
	Allowed         int
	Redirected      int
	UpdateAvailable bool
	LastSync        time.Time
	LastFailed      int
}

// Model owns the sources and the canonical rule set.
type Model struct {
	store       Store
	fetcher     Fetcher
	holder      *rules.Holder
	exec        *executor.Executors
	concurrency int
	errorLimit  int
	log         *slog.Logger
	metrics     *metrics.Metrics
	now         func() time.Time

	// mu serialises rounds and source mutations so merges never interleave.
	mu              sync.Mutex
	updateAvailable atomic.Bool
	lastReport      atomic.Pointer[Report]
	lastSync        atomic.Int64
}

// New creates a Model. Rules and Executors get defaults when nil.
func New(opts Options) (*Model, error) {
	if opts.Store == nil || opts.Fetcher == nil {
		return nil, errors.New("source model needs a store and a fetcher")
	}
	holder := opts.Rules
	if holder == nil {
		holder = rules.NewHolder(nil)
	}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = defaultConcurrency
	}
	exec := opts.Executors
	if exec == nil {
		exec = executor.New(conc)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Model{
		store:       opts.Store,
		fetcher:     opts.Fetcher,
		holder:      holder,
		exec:        exec,
		concurrency: conc,
		errorLimit:  opts.ErrorLimit,
		log:         log,
		metrics:     opts.Metrics,
		now:         time.Now,
	}, nil
}

// Rules is the shared holder strategies read from.
func (m *Model) Rules() *rules.Holder {
	return m.holder
}

// Load publishes the persisted rule set, so enforcement can start before
// the first sync of this process.
func (m *Model) Load(ctx context.Context) error {
	set, err := m.store.LoadRuleSet(ctx)
	if err != nil {
		return fmt.Errorf("load rule set: %w", err)
	}
	m.holder.Replace(set)
	m.publishRuleCounts(set)
	m.log.Info("loaded rule set", "rules", set.Len())
	return nil
}

type outcome struct {
	label       string
	err         error
	notModified bool
}

// RetrieveHostsSources fetches all enabled sources with bounded parallelism,
// parses the fresh ones and merges every enabled source's latest entries
// once all fetches have settled. Fetch and parse failures mark the source
// ERROR and keep its previous entries; they are reported, never returned.
// The error return is reserved for persistence and merge failures.
func (m *Model) RetrieveHostsSources(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.now()
	all, err := m.store.Sources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sources: %w", err)
	}

	p := pool.NewWithResults[outcome]().WithMaxGoroutines(m.concurrency)
	total := 0
	for _, src := range all {
		if !src.Enabled {
			continue
		}
		total++
		p.Go(func() outcome {
			return m.refreshSource(ctx, src)
		})
	}
	outcomes := p.Wait()

	report := Report{Total: total}
	for _, o := range outcomes {
		switch {
		case o.err != nil:
			report.Failed = append(report.Failed, o.label)
		case o.notModified:
			report.NotModified++
		default:
			report.Updated++
		}
	}

	set, changed, err := m.rebuild(ctx)
	if err != nil {
		return report, err
	}
	report.Changed = changed
	report.Rules = set.Len()
	report.Duration = m.now().Sub(start)

	m.updateAvailable.Store(false)
	m.lastReport.Store(&report)
	m.lastSync.Store(m.now().UnixMilli())
	m.metrics.SyncRound(report.Duration, len(report.Failed))
	m.publishSourceCounts(ctx)

	level := slog.LevelInfo
	if report.SomeFailed() {
		level = slog.LevelWarn
	}
	m.log.Log(ctx, level, "sources retrieved", "total", report.Total, "updated", report.Updated,
		"not_modified", report.NotModified, "failed", len(report.Failed), "rules", report.Rules,
		"changed", report.Changed, "duration", report.Duration)
	return report, nil
}

func (m *Model) refreshSource(ctx context.Context, src sources.HostsSource) outcome {
	out := outcome{label: src.Label}

	var res fetch.Result
	err := m.exec.Network.Do(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.fetcher.Fetch(ctx, src)
		return err
	})
	if err != nil {
		m.log.Warn("failed to fetch source", "source", src.Label, "url", src.URL, "error", err)
		out.err = err
		src.State = sources.StateError
		m.saveFetchState(ctx, src)
		return out
	}

	fetchedAt := res.FetchedAt
	if res.NotModified {
		out.notModified = true
		src.State = sources.StateUpToDate
		src.LastFetchedAt = &fetchedAt
		src.LastModifiedRemote = res.Token
		m.saveFetchState(ctx, src)
		return out
	}

	err = m.exec.Disk.Do(ctx, func(ctx context.Context) error {
		entries, _, err := parser.ParseAll(bytes.NewReader(res.Body), parser.Options{
			Format:     src.Format,
			ListID:     src.Label,
			Logger:     m.log,
			ErrorLimit: m.errorLimit,
		})
		if err != nil {
			return err
		}
		return m.store.ReplaceSourceEntries(ctx, src.ID, entries)
	})
	if err != nil {
		// Keep the old token so the next round downloads the list again.
		m.log.Warn("failed to process source", "source", src.Label, "error", err)
		out.err = err
		src.State = sources.StateError
		m.saveFetchState(ctx, src)
		return out
	}

	src.State = sources.StateUpToDate
	src.LastFetchedAt = &fetchedAt
	src.LastModifiedRemote = res.Token
	m.saveFetchState(ctx, src)
	return out
}

func (m *Model) saveFetchState(ctx context.Context, src sources.HostsSource) {
	if err := m.store.UpdateFetchState(ctx, src); err != nil {
		m.log.Error("failed to save source state", "source", src.Label, "error", err)
	}
}

// rebuild merges the stored entries of all enabled sources, persists the
// result and swaps it into the holder.
func (m *Model) rebuild(ctx context.Context) (*rules.Set, bool, error) {
	var set *rules.Set
	err := m.exec.Disk.Do(ctx, func(ctx context.Context) error {
		inputs, err := m.store.EnabledSourceEntries(ctx)
		if err != nil {
			return fmt.Errorf("load source entries: %w", err)
		}
		set = rules.Merge(inputs)
		if err := m.store.SaveRuleSet(ctx, set); err != nil {
			return fmt.Errorf("save rule set: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	prev := m.holder.Replace(set)
	m.publishRuleCounts(set)
	return set, prev.Digest() != set.Digest(), nil
}

// CheckForUpdate probes every enabled source without downloading bodies.
// Sources that changed remotely are marked OUTDATED. The result also drives
// UpdateAvailable.
func (m *Model) CheckForUpdate(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.Sources(ctx)
	if err != nil {
		return false, fmt.Errorf("list sources: %w", err)
	}

	p := pool.NewWithResults[bool]().WithMaxGoroutines(m.concurrency)
	for _, src := range all {
		if !src.Enabled {
			continue
		}
		p.Go(func() bool {
			if src.LastFetchedAt == nil || src.State == sources.StateOutdated {
				return true
			}
			var changed bool
			err := m.exec.Network.Do(ctx, func(ctx context.Context) error {
				var err error
				changed, err = m.fetcher.Probe(ctx, src)
				return err
			})
			if err != nil {
				m.log.Warn("failed to check source", "source", src.Label, "error", err)
				return false
			}
			if changed {
				src.State = sources.StateOutdated
				m.saveFetchState(ctx, src)
			}
			return changed
		})
	}

	available := false
	for _, changed := range p.Wait() {
		available = available || changed
	}
	m.updateAvailable.Store(available)
	m.publishSourceCounts(ctx)
	m.log.Info("checked sources for updates", "update_available", available)
	return available, nil
}

// UpdateAvailable reports the result of the last check, cleared by a sync.
func (m *Model) UpdateAvailable() bool {
	return m.updateAvailable.Load()
}

// LastReport returns the report of the most recent round, if any.
func (m *Model) LastReport() (Report, bool) {
	r := m.lastReport.Load()
	if r == nil {
		return Report{}, false
	}
	return *r, true
}

// EnableAllSources enables every disabled source and reports whether
// anything changed.
func (m *Model) EnableAllSources(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed, err := m.store.EnableAll(ctx)
	if err != nil {
		return false, fmt.Errorf("enable sources: %w", err)
	}
	if changed {
		m.updateAvailable.Store(true)
	}
	return changed, nil
}

// SetSourceEnabled enables or disables one source and re-merges from the
// stored entries without fetching.
func (m *Model) SetSourceEnabled(ctx context.Context, id int64, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setSourceEnabledLocked(ctx, id, enabled)
}

// ToggleSource flips the enabled flag of one source and returns the new value.
// The read and the write happen under one lock, so concurrent toggles never
// both read the same old value.
func (m *Model) ToggleSource(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, err := m.store.Source(ctx, id)
	if err != nil {
		return false, err
	}
	return !src.Enabled, m.setSourceEnabledLocked(ctx, id, !src.Enabled)
}

func (m *Model) setSourceEnabledLocked(ctx context.Context, id int64, enabled bool) error {
	if err := m.store.SetEnabled(ctx, id, enabled); err != nil {
		return fmt.Errorf("set source %d enabled=%t: %w", id, enabled, err)
	}
	_, _, err := m.rebuild(ctx)
	return err
}

// AddSource stores a new, outdated source. It is picked up by the next sync.
func (m *Model) AddSource(ctx context.Context, src sources.HostsSource) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src.State = sources.StateOutdated
	src.LastFetchedAt = nil
	src.LastModifiedRemote = ""
	id, err := m.store.AddSource(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("add source %s: %w", src.Label, err)
	}
	if src.Enabled {
		m.updateAvailable.Store(true)
	}
	m.log.Info("added source", "source", src.Label, "id", id, "url", src.URL)
	return id, nil
}

// RemoveSource deletes a source and its entries, then re-merges.
func (m *Model) RemoveSource(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.RemoveSource(ctx, id); err != nil {
		return fmt.Errorf("remove source %d: %w", id, err)
	}
	_, _, err := m.rebuild(ctx)
	return err
}

// Sources lists all stored sources.
func (m *Model) Sources(ctx context.Context) ([]sources.HostsSource, error) {
	return m.store.Sources(ctx)
}

// Status collects the observable counts.
func (m *Model) Status(ctx context.Context) (Status, error) {
	all, err := m.store.Sources(ctx)
	if err != nil {
		return Status{}, err
	}
	counts, err := m.store.CountByKind(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Sources:         sources.CountStates(all),
		Blocked:         counts[rules.Block],
		Allowed:         counts[rules.Allow],
		Redirected:      counts[rules.Redirect],
		UpdateAvailable: m.updateAvailable.Load(),
	}
	if ms := m.lastSync.Load(); ms != 0 {
		st.LastSync = time.UnixMilli(ms)
	}
	if r, ok := m.LastReport(); ok {
		st.LastFailed = len(r.Failed)
	}
	return st, nil
}

func (m *Model) publishRuleCounts(set *rules.Set) {
	for _, k := range []rules.Kind{rules.Block, rules.Allow, rules.Redirect} {
		m.metrics.Rules(k.String(), set.Count(k))
	}
}

func (m *Model) publishSourceCounts(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	all, err := m.store.Sources(ctx)
	if err != nil {
		return
	}
	c := sources.CountStates(all)
	m.metrics.Sources(c.UpToDate, c.Outdated, c.Failed)
}
