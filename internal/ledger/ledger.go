// Package ledger persists Installation Records: which formula version is
// installed under a prefix and exactly which paths it owns.
//
// The ledger never lives inside the prefix it describes, so deleting the
// prefix by hand cannot leave a ledger that lies about its own location.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/specialistvlad/smelter/internal/fsutil"
)

// ErrNotInstalled is returned by Lookup and Remove for unknown formulas.
var ErrNotInstalled = errors.New("not installed")

// Record is the Installation Record of one formula.
type Record struct {
	Name           string    `json:"name"`
	Version        string    `json:"version,omitempty"`
	Checksum       string    `json:"checksum"`
	Prefix         string    `json:"prefix"`
	Target         string    `json:"target,omitempty"`
	InstalledPaths []string  `json:"installed_paths"`
	InstallTime    time.Time `json:"install_time"`
	TestsPassed    bool      `json:"tests_passed"`
}

// MissingPaths returns the recorded paths that no longer exist.
func (r *Record) MissingPaths() []string {
	var missing []string
	for _, p := range r.InstalledPaths {
		if _, err := os.Lstat(p); err != nil {
			missing = append(missing, p)
		}
	}
	return missing
}

// UninstallPartialError is returned when some recorded paths could not be
// deleted. The record is kept so the removal can be retried.
type UninstallPartialError struct {
	Formula   string
	Remaining []string
	Errs      []error
}

func (e *UninstallPartialError) Error() string {
	return fmt.Sprintf("uninstall %s: %d paths could not be removed: %s", e.Formula, len(e.Remaining), strings.Join(e.Remaining, ", "))
}

func (e *UninstallPartialError) Unwrap() []error {
	return e.Errs
}

// Store persists records. Remove deletes the recorded paths before the
// record itself and keeps the record when any path survives.
type Store interface {
	Record(ctx context.Context, rec *Record) error
	Lookup(ctx context.Context, name string) (*Record, error)
	Remove(ctx context.Context, name string) error
	List(ctx context.Context) ([]*Record, error)
}

// normalize sorts and de-duplicates the paths of rec in place.
func normalize(rec *Record) {
	paths := append([]string(nil), rec.InstalledPaths...)
	sort.Strings(paths)
	out := paths[:0]
	for i, p := range paths {
		if i > 0 && p == paths[i-1] {
			continue
		}
		out = append(out, p)
	}
	rec.InstalledPaths = out
}

// removePaths deletes every recorded path. Missing paths count as removed.
// Directories left empty are pruned up to, but excluding, the prefix.
func removePaths(rec *Record) error {
	partial := &UninstallPartialError{Formula: rec.Name}

	// Deepest paths first so that links inside removed directories go first.
	paths := append([]string(nil), rec.InstalledPaths...)
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	for _, p := range paths {
		if !fsutil.Within(rec.Prefix, p) || filepath.Clean(p) == filepath.Clean(rec.Prefix) {
			partial.Remaining = append(partial.Remaining, p)
			partial.Errs = append(partial.Errs, fmt.Errorf("%s is outside prefix %s", p, rec.Prefix))
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			partial.Remaining = append(partial.Remaining, p)
			partial.Errs = append(partial.Errs, err)
			continue
		}
		fsutil.PruneEmptyDirs(filepath.Dir(p), rec.Prefix)
	}

	if len(partial.Remaining) > 0 {
		sort.Strings(partial.Remaining)
		return partial
	}
	return nil
}
