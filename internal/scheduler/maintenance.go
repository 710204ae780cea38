package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/events"
	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/specialistvlad/smelter/internal/resolver"
)

// Test re-runs the verification steps of an installed formula. The record's
// TestsPassed flag is updated when the outcome differs from what was
// recorded.
func (s *Scheduler) Test(ctx context.Context, name string) error {
	name = formula.NormalizeName(name)
	ctx, logger := ctxlog.With(ctx, "formula", name)

	f, ok := s.registry.Get(name)
	if !ok {
		return &resolver.UnknownDependencyError{Dependency: name}
	}
	rec, err := s.store.Lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("test %s: %w", name, err)
	}

	deps := make(map[string]*ledger.Record)
	if err := s.collectInstalled(ctx, f, deps); err != nil {
		return err
	}
	vars := s.vars(f, deps)
	vars.Prefix = rec.Prefix

	start := s.now()
	s.emit(ctx, events.Event{Kind: events.TestStarted, Formula: name})
	testErr := s.tester.Run(ctx, f, vars)
	s.emit(ctx, events.Event{Kind: events.TestFinished, Formula: name, Duration: s.now().Sub(start), Err: errString(testErr)})

	if passed := testErr == nil; passed != rec.TestsPassed {
		rec.TestsPassed = passed
		if err := s.store.Record(ctx, rec); err != nil {
			logger.Warn("Failed to update install record", "error", err)
		}
	}
	if testErr != nil {
		return testErr
	}
	logger.Info("Tests passed", "tests", len(f.TestSteps))
	return nil
}

// collectInstalled adds the records of every dependency of f, transitively.
func (s *Scheduler) collectInstalled(ctx context.Context, f *formula.Formula, out map[string]*ledger.Record) error {
	for _, dep := range f.Dependencies {
		if _, ok := out[dep]; ok {
			continue
		}
		rec, err := s.store.Lookup(ctx, dep)
		if err != nil {
			return fmt.Errorf("dependency %s of %s: %w", dep, f.Name, err)
		}
		out[dep] = rec
		if df, ok := s.registry.Get(dep); ok {
			if err := s.collectInstalled(ctx, df, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Uninstall removes every path recorded for name and then the record. It
// refuses while installed formulas depend on name, unless force is set.
func (s *Scheduler) Uninstall(ctx context.Context, name string, force bool) error {
	name = formula.NormalizeName(name)
	ctx, logger := ctxlog.With(ctx, "formula", name)

	rec, err := s.store.Lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("uninstall %s: %w", name, err)
	}

	if !force {
		var installed []string
		for _, dependent := range resolver.Dependents(s.registry, name) {
			_, err := s.store.Lookup(ctx, dependent)
			switch {
			case err == nil:
				installed = append(installed, dependent)
			case !errors.Is(err, ledger.ErrNotInstalled):
				return fmt.Errorf("uninstall %s: %w", name, err)
			}
		}
		if len(installed) > 0 {
			return &DependentsInstalledError{Formula: name, Dependents: installed}
		}
	}

	release, err := s.claims.Acquire(ctx, name, nil)
	if err != nil {
		return err
	}
	defer release()

	err = s.store.Remove(ctx, name)
	s.emit(ctx, events.Event{Kind: events.Uninstalled, Formula: name, Err: errString(err)})
	if err != nil {
		return err
	}
	logger.Info("Formula uninstalled", "paths", len(rec.InstalledPaths))
	return nil
}
