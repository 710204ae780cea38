package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores runs fn against every Store implementation.
func stores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("file", func(t *testing.T) {
		s, err := NewFileStore(filepath.Join(t.TempDir(), "ledger"))
		require.NoError(t, err)
		fn(t, s)
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		s, err := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "/opt/cross")
		require.NoError(t, err)
		defer s.Close()
		require.NoError(t, s.Ping(context.Background()))
		fn(t, s)
	})
}

// install creates files under prefix and returns a record owning them.
func install(t *testing.T, prefix, name string, rel ...string) *Record {
	t.Helper()
	rec := &Record{
		Name:        name,
		Version:     "2.31.1",
		Checksum:    "sha256:5d20086ecf5752cc7d9134246e9588fa201740d540f7eb84d795b1f7a93bca86",
		Prefix:      prefix,
		Target:      "i386-elf",
		InstallTime: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		TestsPassed: true,
	}
	for _, r := range rel {
		p := filepath.Join(prefix, r)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(r), 0o644))
		rec.InstalledPaths = append(rec.InstalledPaths, p)
	}
	return rec
}

func TestStore_RoundTrip(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		prefix := t.TempDir()

		_, err := s.Lookup(ctx, "binutils")
		require.ErrorIs(t, err, ErrNotInstalled)

		rec := install(t, prefix, "binutils", "bin/ld", "bin/as", "share/man/man1/as.1")
		require.NoError(t, s.Record(ctx, rec))

		got, err := s.Lookup(ctx, "BINUTILS")
		require.NoError(t, err)
		if diff := cmp.Diff(rec, got); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, []string{
			filepath.Join(prefix, "bin/as"),
			filepath.Join(prefix, "bin/ld"),
			filepath.Join(prefix, "share/man/man1/as.1"),
		}, got.InstalledPaths, "paths are stored sorted")
		assert.Empty(t, got.MissingPaths())

		require.NoError(t, s.Record(ctx, install(t, prefix, "gcc", "bin/gcc")))
		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "binutils", list[0].Name)
		assert.Equal(t, "gcc", list[1].Name)
	})
}

func TestStore_RemoveDeletesPathsAndPrunesDirs(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		prefix := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(prefix, "bin"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "other-tool"), nil, 0o755))

		rec := install(t, prefix, "binutils", "bin/as", "share/man/man1/as.1")
		require.NoError(t, os.Symlink("as", filepath.Join(prefix, "bin", "i386-elf-as")))
		rec.InstalledPaths = append(rec.InstalledPaths, filepath.Join(prefix, "bin", "i386-elf-as"))
		require.NoError(t, s.Record(ctx, rec))

		// A path deleted by hand counts as removed.
		require.NoError(t, os.Remove(filepath.Join(prefix, "bin", "as")))

		require.NoError(t, s.Remove(ctx, "binutils"))

		_, err := s.Lookup(ctx, "binutils")
		assert.ErrorIs(t, err, ErrNotInstalled)
		assert.NoFileExists(t, filepath.Join(prefix, "bin", "i386-elf-as"))
		assert.NoDirExists(t, filepath.Join(prefix, "share"), "empty directories are pruned")
		assert.FileExists(t, filepath.Join(prefix, "bin", "other-tool"), "unowned files survive")
		assert.DirExists(t, prefix)

		assert.ErrorIs(t, s.Remove(ctx, "binutils"), ErrNotInstalled)
	})
}

func TestStore_RemovePartialKeepsRecord(t *testing.T) {
	stores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		prefix := t.TempDir()

		rec := install(t, prefix, "gcc", "bin/gcc", "lib/gcc/i386-elf/8.2.0/libgcc.a")
		// A non-empty directory cannot be removed with a plain unlink.
		stuck := filepath.Join(prefix, "lib", "gcc")
		require.NoError(t, os.WriteFile(filepath.Join(stuck, "unowned"), nil, 0o644))
		outside := filepath.Join(t.TempDir(), "elsewhere")
		require.NoError(t, os.WriteFile(outside, nil, 0o644))
		rec.InstalledPaths = append(rec.InstalledPaths, stuck, outside)
		require.NoError(t, s.Record(ctx, rec))

		err := s.Remove(ctx, "gcc")
		var partial *UninstallPartialError
		require.ErrorAs(t, err, &partial)
		assert.Equal(t, "gcc", partial.Formula)
		assert.ElementsMatch(t, []string{outside, stuck}, partial.Remaining)
		assert.FileExists(t, outside, "paths outside the prefix are never touched")

		kept, err := s.Lookup(ctx, "gcc")
		require.NoError(t, err, "record survives a partial uninstall")
		assert.Len(t, kept.InstalledPaths, 4)
		assert.NoFileExists(t, filepath.Join(prefix, "bin", "gcc"), "removable paths are still removed")
	})
}

func TestFileStore_AtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ledger")
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Record(context.Background(), install(t, t.TempDir(), "grub", "bin/grub-mkimage")))
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "grub.json", entries[0].Name())
}
