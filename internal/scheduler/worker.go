package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/events"
	"github.com/specialistvlad/smelter/internal/ledger"
)

// run walks the task graph with a pool of workers and returns when every
// task is settled.
func (s *Scheduler) run(ctx context.Context, tasks []*task, opts InstallOptions) {
	logger := ctxlog.FromContext(ctx)

	var wg sync.WaitGroup
	readyChan := make(chan *task, len(tasks))

	rootCount := 0
	for _, t := range tasks {
		if t.depCount.Load() == 0 {
			readyChan <- t
			rootCount++
		}
	}
	logger.Debug("Found all root formulas.", "count", rootCount)

	wg.Add(len(tasks))

	logger.Debug("Starting worker pool.", "workers", s.opts.Jobs)
	for i := 0; i < s.opts.Jobs; i++ {
		go s.worker(ctx, &wg, readyChan, opts, i)
	}

	wg.Wait()
	close(readyChan)
	logger.Debug("All formulas settled.")
}

// worker is the processing loop of a single concurrent worker.
func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, readyChan chan *task, opts InstallOptions, workerID int) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Worker started.", "workerID", workerID)

	for t := range readyChan {
		workerLogger := logger.With("workerID", workerID, "formula", t.formula.Name)

		if ctx.Err() != nil && !t.settled() {
			workerLogger.Warn("Context canceled, not starting formula.")
			t.result.Err = ctx.Err()
			t.state.Store(int32(Failed))
			s.finish(ctx, t)
			s.skipDependents(ctx, wg, t)
			wg.Done()
			continue
		}

		switch Status(t.state.Load()) {
		case AlreadyInstalled:
		case Failed:
			workerLogger.Error("Formula failed before it could start.", "error", t.result.Err)
		default:
			start := s.now()
			record, err := s.install(ctxlog.WithLogger(ctx, workerLogger), t, opts)
			t.result.Duration = s.now().Sub(start)
			if err != nil {
				t.result.Err = err
				t.state.Store(int32(Failed))
			} else {
				t.result.Record = record
				t.state.Store(int32(Installed))
			}
		}
		s.finish(ctx, t)

		if Status(t.state.Load()) == Failed {
			workerLogger.Error("Formula failed.", "error", t.result.Err)
			s.skipDependents(ctx, wg, t)
			wg.Done()
			continue
		}

		for _, dependent := range t.dependents {
			if dependent.depCount.Add(-1) == 0 {
				workerLogger.Debug("Unlocking dependent formula.", "dependent", dependent.formula.Name)
				readyChan <- dependent
			}
		}
		wg.Done()
	}
	logger.Debug("Worker finished.", "workerID", workerID)
}

// skipDependents recursively marks everything downstream of t as skipped.
func (s *Scheduler) skipDependents(ctx context.Context, wg *sync.WaitGroup, t *task) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range t.dependents {
		dependent.skipOnce.Do(func() {
			logger.Warn("Skipping dependent formula due to upstream failure.", "formula", dependent.formula.Name, "dependency", t.formula.Name)
			dependent.result.Err = &SkippedError{Formula: dependent.formula.Name, Dependency: t.formula.Name}
			dependent.state.Store(int32(Skipped))
			s.finish(ctx, dependent)
			wg.Done()
			s.skipDependents(ctx, wg, dependent)
		})
	}
}

func (s *Scheduler) finish(ctx context.Context, t *task) {
	status := Status(t.state.Load())
	s.emit(ctx, events.Event{
		Kind:     events.FormulaDone,
		Formula:  t.formula.Name,
		Status:   status.String(),
		Err:      errString(t.result.Err),
		Duration: t.result.Duration,
	})
}

// install takes one formula from verified archive to ledger record.
func (s *Scheduler) install(ctx context.Context, t *task, opts InstallOptions) (*ledger.Record, error) {
	f := t.formula
	logger := ctxlog.FromContext(ctx)

	select {
	case <-t.fetched:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if t.fetchErr != nil {
		return nil, t.fetchErr
	}

	vars := s.vars(f, dependencyRecords(t))

	release, err := s.claims.Acquire(ctx, f.Name, s.outputRoots(f))
	if err != nil {
		return nil, err
	}

	if t.previous != nil {
		logger.Info("Removing previous install", "checksum", t.previous.Checksum, "paths", len(t.previous.InstalledPaths))
		if err := s.store.Remove(ctx, f.Name); err != nil && !errors.Is(err, ledger.ErrNotInstalled) {
			release()
			return nil, fmt.Errorf("remove previous install of %s: %w", f.Name, err)
		}
	}

	start := s.now()
	s.emit(ctx, events.Event{Kind: events.BuildStarted, Formula: f.Name})
	res, err := s.builder.Build(ctx, f, t.artifact, vars)
	release()
	s.emit(ctx, events.Event{Kind: events.BuildFinished, Formula: f.Name, Duration: s.now().Sub(start), Err: errString(err)})
	if err != nil {
		return nil, err
	}

	start = s.now()
	s.emit(ctx, events.Event{Kind: events.TestStarted, Formula: f.Name})
	testErr := s.tester.Run(ctx, f, vars)
	s.emit(ctx, events.Event{Kind: events.TestFinished, Formula: f.Name, Duration: s.now().Sub(start), Err: errString(testErr)})
	if testErr != nil {
		if !opts.AllowTestFailure {
			logger.Warn("Tests failed, leaving installed files in place for inspection", "paths", len(res.InstalledPaths))
			return nil, testErr
		}
		logger.Warn("Tests failed, recording install anyway", "error", testErr)
	}

	rec := &ledger.Record{
		Name:           f.Name,
		Version:        f.Version,
		Checksum:       f.Checksum.String(),
		Prefix:         vars.Prefix,
		Target:         vars.Target,
		InstalledPaths: res.InstalledPaths,
		InstallTime:    s.now().UTC(),
		TestsPassed:    testErr == nil,
	}
	if err := s.store.Record(ctx, rec); err != nil {
		return nil, fmt.Errorf("record install of %s: %w", f.Name, err)
	}
	logger.Info("Formula installed", "paths", len(rec.InstalledPaths), "tests_passed", rec.TestsPassed)
	return rec, nil
}

// dependencyRecords collects the records of every formula t depends on,
// directly or transitively. They are all settled by the time t runs.
func dependencyRecords(t *task) map[string]*ledger.Record {
	out := make(map[string]*ledger.Record)
	var walk func(*task)
	walk = func(t *task) {
		for _, d := range t.deps {
			if _, ok := out[d.formula.Name]; ok {
				continue
			}
			if d.result.Record != nil {
				out[d.formula.Name] = d.result.Record
			}
			walk(d)
		}
	}
	walk(t)
	return out
}
