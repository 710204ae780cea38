package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Entry is the recorded state of one file or symlink.
type Entry struct {
	Mode    fs.FileMode
	Size    int64
	ModTime time.Time
	Link    string
}

// Snapshot maps absolute paths of regular files and symlinks under a root
// to their state. Directories are not recorded.
type Snapshot map[string]Entry

// TakeSnapshot walks each root without following symlinks. Missing roots,
// and entries removed while the walk is running, are left out.
func TakeSnapshot(roots ...string) (Snapshot, error) {
	snap := make(Snapshot)
	for _, root := range roots {
		if err := snapshotRoot(snap, root); err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", root, err)
		}
	}
	return snap, nil
}

func snapshotRoot(snap Snapshot, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				if path == root {
					return fs.SkipAll
				}
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		e := Entry{Mode: info.Mode(), Size: info.Size(), ModTime: info.ModTime()}
		if info.Mode()&fs.ModeSymlink != 0 {
			e.Link, err = os.Readlink(path)
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if err != nil {
				return err
			}
		}
		snap[path] = e
		return nil
	})
}

// Added returns the sorted paths of after that did not exist in before, plus
// symlinks that now point somewhere else. Files that existed and were only
// rewritten belong to whoever created them.
func Added(before, after Snapshot) []string {
	var out []string
	for path, e := range after {
		prev, ok := before[path]
		switch {
		case !ok:
			out = append(out, path)
		case e.Mode&fs.ModeSymlink != 0 && (prev.Mode&fs.ModeSymlink == 0 || prev.Link != e.Link):
			out = append(out, path)
		}
	}
	sort.Strings(out)
	return out
}

// PruneEmptyDirs removes dir and its empty parents, stopping at (and never
// removing) stop.
func PruneEmptyDirs(dir, stop string) {
	stop = filepath.Clean(stop)
	for dir = filepath.Clean(dir); dir != stop && Within(stop, dir); dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			return
		}
	}
}
