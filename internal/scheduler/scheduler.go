package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/specialistvlad/smelter/internal/claims"
	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/events"
	"github.com/specialistvlad/smelter/internal/fetch"
	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/specialistvlad/smelter/internal/resolver"
	"golang.org/x/sync/errgroup"
)

// Options are fixed for the lifetime of a Scheduler.
type Options struct {
	// Prefix is the installation root shared by every formula.
	Prefix string
	// Target is the target triple for formulas that do not declare one.
	Target string
	// Jobs is the number of formulas built concurrently.
	Jobs int
	// FetchJobs bounds concurrent downloads. Zero means no bound.
	FetchJobs int
}

// InstallOptions change the behaviour of a single Install call.
type InstallOptions struct {
	// Force rebuilds formulas that are already installed at their checksum.
	Force bool
	// AllowTestFailure records formulas whose tests fail, with TestsPassed
	// set to false, instead of failing them.
	AllowTestFailure bool
}

// Deps are the collaborators a Scheduler drives.
type Deps struct {
	Fetcher Fetcher
	Builder Builder
	Tester  Tester
	Ledger  ledger.Store
	// Events is optional.
	Events events.Sink
}

// Scheduler runs installs, tests and uninstalls against one prefix.
type Scheduler struct {
	registry *formula.Registry
	fetcher  Fetcher
	builder  Builder
	tester   Tester
	store    ledger.Store
	sink     events.Sink
	claims   *claims.Table
	opts     Options
	now      func() time.Time
}

// New creates a Scheduler over the formulas of reg.
func New(reg *formula.Registry, deps Deps, opts Options) *Scheduler {
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	sink := deps.Events
	if sink == nil {
		sink = events.Discard
	}
	return &Scheduler{
		registry: reg,
		fetcher:  deps.Fetcher,
		builder:  deps.Builder,
		tester:   deps.Tester,
		store:    deps.Ledger,
		sink:     sink,
		claims:   claims.New(),
		opts:     opts,
		now:      time.Now,
	}
}

// task is one formula in flight.
type task struct {
	formula *formula.Formula
	result  *Result

	deps       []*task
	dependents []*task
	depCount   atomic.Int32
	state      atomic.Int32
	skipOnce   sync.Once

	// previous is the record replaced by this install.
	previous *ledger.Record

	fetched  chan struct{}
	artifact *fetch.Artifact
	fetchErr error
}

func (t *task) settled() bool {
	return Status(t.state.Load()) != Pending
}

// Install resolves targets and installs them with everything they depend on.
// Resolution errors are returned directly and nothing is fetched or built.
// Per-formula failures are reported in the Report; see Report.Err.
func (s *Scheduler) Install(ctx context.Context, targets []string, opts InstallOptions) (*Report, error) {
	logger := ctxlog.FromContext(ctx)

	order, err := resolver.Resolve(s.registry, targets...)
	if err != nil {
		return nil, err
	}
	logger.Info("Resolved build order", "formulas", len(order))
	s.emit(ctx, events.Event{Kind: events.RunStarted})

	tasks := s.plan(ctx, order, opts)

	fetchCtx, cancelFetches := context.WithCancel(ctx)
	prefetchDone := s.prefetch(fetchCtx, tasks)

	s.run(ctx, tasks, opts)

	cancelFetches()
	<-prefetchDone

	report := &Report{Results: make([]*Result, len(tasks))}
	for i, t := range tasks {
		t.result.Status = Status(t.state.Load())
		report.Results[i] = t.result
	}
	s.emit(ctx, events.Event{Kind: events.RunFinished, Status: runStatus(report)})
	return report, nil
}

// plan builds the task graph and settles the formulas that are already
// installed at their declared checksum.
func (s *Scheduler) plan(ctx context.Context, order []*formula.Formula, opts InstallOptions) []*task {
	logger := ctxlog.FromContext(ctx)
	byName := make(map[string]*task, len(order))
	tasks := make([]*task, len(order))

	for i, f := range order {
		t := &task{
			formula: f,
			result:  &Result{Name: f.Name, Version: f.Version},
			fetched: make(chan struct{}),
		}
		for _, dep := range f.Dependencies {
			d := byName[dep]
			t.deps = append(t.deps, d)
			d.dependents = append(d.dependents, t)
		}
		t.depCount.Store(int32(len(t.deps)))
		byName[f.Name] = t
		tasks[i] = t

		rec, err := s.store.Lookup(ctx, f.Name)
		switch {
		case errors.Is(err, ledger.ErrNotInstalled):
		case err != nil:
			t.result.Err = fmt.Errorf("look up install record of %s: %w", f.Name, err)
			t.state.Store(int32(Failed))
		case !opts.Force && rec.Checksum == f.Checksum.String() && len(rec.MissingPaths()) == 0:
			logger.Info("Formula already installed", "formula", f.Name, "checksum", rec.Checksum)
			t.result.Record = rec
			t.state.Store(int32(AlreadyInstalled))
		default:
			logger.Info("Formula will be reinstalled", "formula", f.Name, "installed", rec.Checksum, "declared", f.Checksum.String())
			t.previous = rec
		}
	}
	return tasks
}

// prefetch downloads every archive a pending task needs. The returned
// channel is closed once all fetches have returned.
func (s *Scheduler) prefetch(ctx context.Context, tasks []*task) <-chan struct{} {
	done := make(chan struct{})
	g := new(errgroup.Group)
	if s.opts.FetchJobs > 0 {
		g.SetLimit(s.opts.FetchJobs)
	}

	go func() {
		defer close(done)
		for _, t := range tasks {
			if t.settled() {
				close(t.fetched)
				continue
			}
			g.Go(func() error {
				defer close(t.fetched)
				if t.settled() || ctx.Err() != nil {
					t.fetchErr = ctx.Err()
					return nil
				}
				start := s.now()
				s.emit(ctx, events.Event{Kind: events.FetchStarted, Formula: t.formula.Name})
				t.artifact, t.fetchErr = s.fetcher.Fetch(ctx, t.formula)
				s.emit(ctx, events.Event{Kind: events.FetchFinished, Formula: t.formula.Name, Duration: s.now().Sub(start), Err: errString(t.fetchErr)})
				return nil
			})
		}
		_ = g.Wait()
	}()
	return done
}

// vars builds the substitution table of f from the records of everything it
// depends on, directly or not.
func (s *Scheduler) vars(f *formula.Formula, deps map[string]*ledger.Record) formula.Vars {
	v := formula.Vars{
		Name:    f.Name,
		Version: f.Version,
		Prefix:  s.opts.Prefix,
		Target:  f.EffectiveTarget(s.opts.Target),
		Jobs:    s.opts.Jobs,
		Deps:    make(map[string]formula.DepVars, len(deps)),
	}
	for name, rec := range deps {
		v.Deps[name] = formula.DepVars{Prefix: rec.Prefix, Version: rec.Version, Target: rec.Target}
	}
	return v
}

// outputRoots returns the absolute paths claimed by f, or nil when f does not
// declare its outputs.
func (s *Scheduler) outputRoots(f *formula.Formula) []string {
	if len(f.Outputs) == 0 {
		return nil
	}
	roots := make([]string, len(f.Outputs))
	for i, out := range f.Outputs {
		roots[i] = filepath.Join(s.opts.Prefix, out)
	}
	return roots
}

func (s *Scheduler) emit(ctx context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.sink.Emit(ctx, ev)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runStatus(r *Report) string {
	if r.Err() != nil {
		return Failed.String()
	}
	return Installed.String()
}
