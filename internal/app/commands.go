package app

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/specialistvlad/smelter/internal/scheduler"
	"github.com/specialistvlad/smelter/internal/semver"
)

// Install installs targets with their dependencies. A non-nil Report is
// returned whenever the run started; its Err summarises formula failures.
func (a *App) Install(ctx context.Context, targets []string, opts scheduler.InstallOptions) (*scheduler.Report, error) {
	ctx = a.withLogger(ctx)
	ctxlog.FromContext(ctx).Debug("Install requested.", "targets", targets, "force", opts.Force)
	report, err := a.scheduler.Install(ctx, targets, opts)
	if err != nil {
		return nil, err
	}
	return report, report.Err()
}

// Uninstall removes one installed formula.
func (a *App) Uninstall(ctx context.Context, name string, force bool) error {
	return a.scheduler.Uninstall(a.withLogger(ctx), name, force)
}

// Test re-runs the tests of one installed formula.
func (a *App) Test(ctx context.Context, name string) error {
	return a.scheduler.Test(a.withLogger(ctx), name)
}

// Install states reported by List.
const (
	StateInstalled    = "installed"
	StateOutdated     = "outdated"
	StateBroken       = "broken"
	StateNotInstalled = "not-installed"
	// StateOrphaned is a ledger record without a loaded formula.
	StateOrphaned = "orphaned"
)

// ListEntry describes one formula and what the ledger knows about it.
type ListEntry struct {
	Name             string `json:"name"`
	Version          string `json:"version,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	State            string `json:"state"`
	// Change is "upgrade", "downgrade" or "rebuild" for outdated entries.
	Change       string     `json:"change,omitempty"`
	Target       string     `json:"target,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	TestsPassed  *bool      `json:"tests_passed,omitempty"`
	InstallTime  *time.Time `json:"install_time,omitempty"`
	MissingPaths []string   `json:"missing_paths,omitempty"`
}

// List reports every loaded formula and every recorded install, sorted by
// name.
func (a *App) List(ctx context.Context) ([]ListEntry, error) {
	records, err := a.store.List(a.withLogger(ctx))
	if err != nil {
		return nil, fmt.Errorf("list installs: %w", err)
	}
	byName := make(map[string]*ledger.Record, len(records))
	for _, rec := range records {
		byName[rec.Name] = rec
	}

	var entries []ListEntry
	for _, f := range a.registry.All() {
		e := ListEntry{
			Name:         f.Name,
			Version:      f.Version,
			Target:       f.EffectiveTarget(a.config.Target),
			Dependencies: f.Dependencies,
			State:        StateNotInstalled,
		}
		if rec, ok := byName[f.Name]; ok {
			delete(byName, f.Name)
			fillRecord(&e, rec)
			switch {
			case rec.Checksum != f.Checksum.String():
				e.State = StateOutdated
				e.Change = change(rec.Version, f.Version)
			case len(e.MissingPaths) > 0:
				e.State = StateBroken
			}
		}
		entries = append(entries, e)
	}
	for _, rec := range byName {
		e := ListEntry{Name: rec.Name, Target: rec.Target}
		fillRecord(&e, rec)
		e.State = StateOrphaned
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func fillRecord(e *ListEntry, rec *ledger.Record) {
	passed := rec.TestsPassed
	installed := rec.InstallTime
	e.State = StateInstalled
	e.InstalledVersion = rec.Version
	e.TestsPassed = &passed
	e.InstallTime = &installed
	e.MissingPaths = rec.MissingPaths()
}

// change classifies the move from the installed to the declared version.
func change(installed, declared string) string {
	cmp, ok := semver.Compare(semver.Loose(installed), semver.Loose(declared))
	switch {
	case !ok, cmp == 0:
		return "rebuild"
	case cmp < 0:
		return "upgrade"
	default:
		return "downgrade"
	}
}

func (a *App) withLogger(ctx context.Context) context.Context {
	return ctxlog.WithLogger(ctx, a.logger)
}
