// Package claims tracks which parts of the shared prefix are being written
// by running builds.
//
// A build that declares its outputs takes a shared claim on those paths.
// Two shared claims may coexist as long as no path of one lies inside a path
// of the other. A build without declared outputs could write anywhere, so it
// takes an exclusive claim on the whole prefix: it waits for every running
// build to release and keeps new builds out until it releases itself.
package claims

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/specialistvlad/smelter/internal/fsutil"
)

// ConflictingInstallPathsError is returned when a build claims a path that
// overlaps the claim of a build that is already running.
type ConflictingInstallPathsError struct {
	Formula string
	Path    string
	Holder  string
	HeldAt  string
}

func (e *ConflictingInstallPathsError) Error() string {
	return fmt.Sprintf("formula %q wants to write %s, which overlaps %s claimed by running build of %q",
		e.Formula, e.Path, e.HeldAt, e.Holder)
}

// Table is the set of live claims. The zero value is not usable; use New.
type Table struct {
	mu   sync.Mutex
	cond *sync.Cond

	shared    map[string][]string
	exclusive string
	// waiting counts exclusive claimants so that a steady stream of shared
	// claims cannot starve them.
	waiting int
}

// New returns an empty Table.
func New() *Table {
	t := &Table{shared: make(map[string][]string)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Acquire claims paths for formula and returns the function that releases
// the claim. With no paths the claim is exclusive. Acquire blocks while an
// exclusive claim is held or wanted, and fails immediately when the paths
// overlap another shared claim.
func (t *Table) Acquire(ctx context.Context, formula string, paths []string) (func(), error) {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(paths) == 0 {
		return t.acquireExclusive(ctx, formula)
	}
	return t.acquireShared(ctx, formula, paths)
}

func (t *Table) acquireExclusive(ctx context.Context, formula string) (func(), error) {
	t.waiting++
	defer func() {
		t.waiting--
		t.cond.Broadcast()
	}()

	for t.exclusive != "" || len(t.shared) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.cond.Wait()
	}
	t.exclusive = formula
	return t.releaser(func() { t.exclusive = "" }), nil
}

func (t *Table) acquireShared(ctx context.Context, formula string, paths []string) (func(), error) {
	for t.exclusive != "" || t.waiting > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t.cond.Wait()
	}

	for _, holder := range t.holders() {
		for _, held := range t.shared[holder] {
			for _, p := range paths {
				if fsutil.Within(held, p) || fsutil.Within(p, held) {
					return nil, &ConflictingInstallPathsError{Formula: formula, Path: p, Holder: holder, HeldAt: held}
				}
			}
		}
	}

	t.shared[formula] = append([]string(nil), paths...)
	return t.releaser(func() { delete(t.shared, formula) }), nil
}

// releaser wraps fn so that it runs at most once under the lock and wakes
// every waiter.
func (t *Table) releaser(fn func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			fn()
			t.cond.Broadcast()
			t.mu.Unlock()
		})
	}
}

// holders returns the shared claimants in a stable order so that conflict
// reports are deterministic.
func (t *Table) holders() []string {
	names := make([]string, 0, len(t.shared))
	for name := range t.shared {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Held returns the formulas currently holding a claim.
func (t *Table) Held() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := t.holders()
	if t.exclusive != "" {
		names = append(names, t.exclusive)
	}
	sort.Strings(names)
	return names
}
