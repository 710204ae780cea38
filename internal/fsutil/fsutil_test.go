package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFilesByExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	for _, name := range []string{"b.hcl", "a.hcl", "sub/c.hcl", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	files, err := FindFilesByExtension(dir, ".hcl")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.hcl"),
		filepath.Join(dir, "b.hcl"),
		filepath.Join(dir, "sub", "c.hcl"),
	}, files)

	single, err := FindFilesByExtension(filepath.Join(dir, "a.hcl"), ".hcl")
	require.NoError(t, err)
	assert.Len(t, single, 1)
}

func TestSnapshot_Added(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "prefix")

	before, err := TakeSnapshot(prefix)
	require.NoError(t, err)
	assert.Empty(t, before, "missing root is an empty snapshot")

	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "share", "info"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "as"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "share", "info", "dir"), []byte("as"), 0o644))
	require.NoError(t, os.Symlink("as", filepath.Join(prefix, "bin", "cc")))
	before, err = TakeSnapshot(prefix)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "ld"), []byte("y"), 0o755))
	require.NoError(t, os.Symlink("ld", filepath.Join(prefix, "bin", "ld.bfd")))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "share", "info", "dir"), []byte("as\nld\n"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(prefix, "bin", "cc")))
	require.NoError(t, os.Symlink("ld", filepath.Join(prefix, "bin", "cc")))

	after, err := TakeSnapshot(prefix)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(prefix, "bin", "cc"),
		filepath.Join(prefix, "bin", "ld"),
		filepath.Join(prefix, "bin", "ld.bfd"),
	}, Added(before, after), "rewritten files stay with their owner, retargeted links move")
}

func TestSnapshot_Roots(t *testing.T) {
	prefix := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "bin"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(prefix, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "bin", "nasm"), []byte("x"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "lib", "libc.a"), []byte("x"), 0o644))

	snap, err := TakeSnapshot(filepath.Join(prefix, "bin", "nasm"), filepath.Join(prefix, "share"))
	require.NoError(t, err)
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, filepath.Join(prefix, "bin", "nasm"))
}

func TestSnapshot_EntriesVanishingDuringWalk(t *testing.T) {
	prefix := t.TempDir()
	lib := filepath.Join(prefix, "lib")
	require.NoError(t, os.MkdirAll(lib, 0o755))
	for i := 0; i < 200; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(lib, fmt.Sprintf(".tmp%03d", i)), nil, 0o644))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = os.Remove(filepath.Join(lib, fmt.Sprintf(".tmp%03d", i)))
		}
		_ = os.Remove(lib)
	}()
	for i := 0; i < 20; i++ {
		_, err := TakeSnapshot(prefix)
		require.NoError(t, err)
	}
	<-done
}

func TestWithin(t *testing.T) {
	assert.True(t, Within("/opt/cross", "/opt/cross"))
	assert.True(t, Within("/opt/cross", "/opt/cross/bin/as"))
	assert.False(t, Within("/opt/cross", "/opt/crossover/bin"))
	assert.False(t, Within("/opt/cross", "/opt"))
}

func TestPruneEmptyDirs(t *testing.T) {
	prefix := t.TempDir()
	deep := filepath.Join(prefix, "lib", "gcc", "i386-elf")
	require.NoError(t, os.MkdirAll(deep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prefix, "lib", "keep"), nil, 0o644))

	PruneEmptyDirs(deep, prefix)

	_, err := os.Stat(filepath.Join(prefix, "lib", "gcc"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(prefix, "lib"))
	assert.NoError(t, err, "non-empty parent is kept")
	_, err = os.Stat(prefix)
	assert.NoError(t, err)
}
