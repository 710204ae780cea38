package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/specialistvlad/smelter/internal/fetch"
	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSum = `sha256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"`

// fakeRunner records commands and answers them with a script.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []Command
	script func(ctx context.Context, cmd Command) (int, error)
}

func (r *fakeRunner) Run(ctx context.Context, cmd Command) (int, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.mu.Unlock()
	if r.script == nil {
		return 0, nil
	}
	return r.script(ctx, cmd)
}

func parseFormula(t *testing.T, body string) *formula.Formula {
	t.Helper()
	src := fmt.Sprintf(`formula "tool" {
  version = "1.0"
  source {
    url = "https://example.org/tool-1.0.tar.gz"
    %s
  }
%s
}
`, testSum, body)
	formulas, err := formula.Parse("tool.hcl", []byte(src))
	require.NoError(t, err)
	return formulas[0]
}

// artifact writes a tar.gz with a single top-level directory.
func artifact(t *testing.T) *fetch.Artifact {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := "#!/bin/sh\necho tool 1.0\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "tool-1.0/", Typeflag: tar.TypeDir, Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "tool-1.0/tool.sh", Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(body))}))
	_, err := tw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "artifact")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return &fetch.Artifact{Formula: "tool", Path: path, URL: "https://example.org/tool-1.0.tar.gz"}
}

func setup(t *testing.T) (stateDir string, vars formula.Vars) {
	root := t.TempDir()
	return filepath.Join(root, "state"), formula.Vars{
		Name:    "tool",
		Version: "1.0",
		Prefix:  filepath.Join(root, "prefix"),
		Target:  "x86_64-elf",
		Jobs:    2,
	}
}

func buildsLeft(t *testing.T, stateDir string) []os.DirEntry {
	entries, err := os.ReadDir(filepath.Join(stateDir, "builds"))
	require.NoError(t, err)
	return entries
}

func TestBuild_RealCommands(t *testing.T) {
	stateDir, vars := setup(t)
	f := parseFormula(t, `
  step "bin-dir" {
    command = ["mkdir", "-p", "${prefix}/bin"]
  }
  step "install" {
    command = ["cp", "tool.sh", "${bin}/tool"]
  }
  step "alias" {
    symlink {
      from = "tool"
      to   = "bin/tool-${version}"
    }
  }
`)

	exec := New(ExecRunner{}, Options{StateDir: stateDir, StepTimeout: time.Minute})
	res, err := exec.Build(context.Background(), f, artifact(t), vars)
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(vars.Prefix, "bin", "tool"),
		filepath.Join(vars.Prefix, "bin", "tool-1.0"),
	}, res.InstalledPaths)

	link, err := os.Readlink(filepath.Join(vars.Prefix, "bin", "tool-1.0"))
	require.NoError(t, err)
	assert.Equal(t, "tool", link)

	assert.Empty(t, buildsLeft(t, stateDir), "work dir is released")
	assert.FileExists(t, filepath.Join(stateDir, "logs", "tool", "02-install.log"))
}

func TestBuild_RewrittenFilesStayWithTheirOwner(t *testing.T) {
	stateDir, vars := setup(t)
	infoDir := filepath.Join(vars.Prefix, "share", "info", "dir")
	require.NoError(t, os.MkdirAll(filepath.Dir(infoDir), 0o755))
	require.NoError(t, os.WriteFile(infoDir, []byte("binutils\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(infoDir, old, old))

	f := parseFormula(t, `
  step "info" {
    command = ["touch", "${prefix}/share/info/dir"]
  }
  step "bin-dir" {
    command = ["mkdir", "-p", "${bin}"]
  }
  step "install" {
    command = ["cp", "tool.sh", "${bin}/tool"]
  }
`)
	res, err := New(ExecRunner{}, Options{StateDir: stateDir, StepTimeout: time.Minute}).Build(context.Background(), f, artifact(t), vars)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(vars.Prefix, "bin", "tool")}, res.InstalledPaths)
}

func TestBuild_UninstallInstallRoundTrip(t *testing.T) {
	stateDir, vars := setup(t)
	formulas, err := formula.Parse("cross.hcl", []byte(fmt.Sprintf(`
formula "binutils" {
  version = "2.31.1"
  source {
    url = "https://example.org/binutils.tar.gz"
    %[1]s
  }
  step "dirs" {
    command = ["mkdir", "-p", "${bin}", "${prefix}/share/info"]
  }
  step "as" {
    command = ["cp", "tool.sh", "${bin}/as"]
  }
  step "info" {
    command = ["cp", "tool.sh", "${prefix}/share/info/dir"]
  }
}

formula "gcc" {
  version = "8.2.0"
  depends_on = ["binutils"]
  source {
    url = "https://example.org/gcc.tar.gz"
    %[1]s
  }
  step "gcc" {
    command = ["cp", "tool.sh", "${bin}/gcc"]
  }
  step "info" {
    command = ["cp", "tool.sh", "${prefix}/share/info/dir"]
  }
}
`, testSum)))
	require.NoError(t, err)
	binutils, gcc := formulas[0], formulas[1]

	store, err := ledger.NewFileStore(filepath.Join(stateDir, "ledger"))
	require.NoError(t, err)
	exec := New(ExecRunner{}, Options{StateDir: stateDir, StepTimeout: time.Minute})
	ctx := context.Background()

	install := func(f *formula.Formula) []string {
		t.Helper()
		v := vars
		v.Name, v.Version = f.Name, f.Version
		res, err := exec.Build(ctx, f, artifact(t), v)
		require.NoError(t, err)
		require.NoError(t, store.Record(ctx, &ledger.Record{
			Name:           f.Name,
			Version:        f.Version,
			Checksum:       f.Checksum.String(),
			Prefix:         vars.Prefix,
			InstalledPaths: res.InstalledPaths,
		}))
		return res.InstalledPaths
	}

	install(binutils)
	first := install(gcc)
	assert.Equal(t, []string{filepath.Join(vars.Prefix, "bin", "gcc")}, first)

	require.NoError(t, store.Remove(ctx, "gcc"))
	assert.NoFileExists(t, filepath.Join(vars.Prefix, "bin", "gcc"))

	rec, err := store.Lookup(ctx, "binutils")
	require.NoError(t, err)
	assert.Empty(t, rec.MissingPaths(), "removing gcc leaves binutils intact")
	assert.Len(t, rec.InstalledPaths, 2)

	assert.Equal(t, first, install(gcc))
}

func TestBuild_FirstFailingStepStopsTheBuild(t *testing.T) {
	stateDir, vars := setup(t)
	f := parseFormula(t, `
  step "configure" {
    dir     = "build"
    command = ["../configure", "--prefix=${prefix}"]
  }
  step "make" {
    dir     = "build"
    command = ["make", "-j${jobs}"]
  }
  step "install" {
    command = ["make", "install"]
  }
`)

	runner := &fakeRunner{script: func(_ context.Context, cmd Command) (int, error) {
		if cmd.Argv[0] == "make" {
			fmt.Fprintln(cmd.Stderr, "make: *** No rule to make target 'all'.  Stop.")
			return 2, nil
		}
		return 0, nil
	}}

	exec := New(runner, Options{StateDir: stateDir, KeepFailed: true})
	_, err := exec.Build(context.Background(), f, artifact(t), vars)

	var stepErr *BuildStepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "tool", stepErr.Formula)
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, "make", stepErr.Step)
	assert.Equal(t, []string{"make", "-j2"}, stepErr.Command)
	assert.Equal(t, 2, stepErr.ExitCode)
	assert.False(t, stepErr.TimedOut)
	assert.Contains(t, stepErr.Tail, "No rule to make target")

	require.Len(t, runner.calls, 2, "steps after the failure never run")
	assert.Equal(t, []string{"../configure", "--prefix=" + vars.Prefix}, runner.calls[0].Argv)
	assert.True(t, strings.HasSuffix(runner.calls[0].Dir, filepath.Join("tool-1.0", "build")))
	assert.DirExists(t, runner.calls[0].Dir)

	assert.Len(t, buildsLeft(t, stateDir), 1, "failed work dir is kept on request")
}

func TestBuild_StepTimeout(t *testing.T) {
	stateDir, vars := setup(t)
	f := parseFormula(t, `
  step "hang" {
    command = ["sleep", "3600"]
  }
`)
	runner := &fakeRunner{script: func(ctx context.Context, _ Command) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	}}

	exec := New(runner, Options{StateDir: stateDir, StepTimeout: 50 * time.Millisecond})
	_, err := exec.Build(context.Background(), f, artifact(t), vars)

	var stepErr *BuildStepError
	require.ErrorAs(t, err, &stepErr)
	assert.True(t, stepErr.TimedOut)
	assert.Empty(t, buildsLeft(t, stateDir))
}

func TestBuild_DeclaredOutputsFilterTheDiff(t *testing.T) {
	stateDir, vars := setup(t)
	f := parseFormula(t, `
  outputs = ["bin/tool"]
  step "install" {
    command = ["install", "${prefix}"]
  }
`)
	runner := &fakeRunner{script: func(_ context.Context, cmd Command) (int, error) {
		prefix := cmd.Argv[1]
		for _, p := range []string{"bin/tool", "share/unrelated"} {
			target := filepath.Join(prefix, p)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return -1, err
			}
			if err := os.WriteFile(target, []byte("x"), 0o755); err != nil {
				return -1, err
			}
		}
		return 0, nil
	}}

	res, err := New(runner, Options{StateDir: stateDir}).Build(context.Background(), f, artifact(t), vars)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(vars.Prefix, "bin", "tool")}, res.InstalledPaths)
}

func TestBuild_SubstitutionFailure(t *testing.T) {
	stateDir, vars := setup(t)
	f := parseFormula(t, `
  step "configure" {
    command = ["./configure", "--with-as=${dep.binutils.bin}/as"]
  }
`)
	runner := &fakeRunner{}

	_, err := New(runner, Options{StateDir: stateDir}).Build(context.Background(), f, artifact(t), vars)
	var stepErr *BuildStepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, 1, stepErr.Index)
	assert.Error(t, stepErr.Err)
	assert.Empty(t, runner.calls)
}

func TestBuild_EnvironmentLayers(t *testing.T) {
	stateDir, vars := setup(t)
	f := parseFormula(t, `
  env = {
    CC     = "${target}-gcc"
    CFLAGS = "-O2"
  }
  step "make" {
    command = ["make"]
    env = {
      CFLAGS = "-O0"
    }
  }
`)
	runner := &fakeRunner{}

	_, err := New(runner, Options{StateDir: stateDir}).Build(context.Background(), f, artifact(t), vars)
	require.NoError(t, err)
	require.Len(t, runner.calls, 1)
	assert.Contains(t, runner.calls[0].Env, "CC=x86_64-elf-gcc")
	assert.Contains(t, runner.calls[0].Env, "CFLAGS=-O0")
}

func TestTailBuffer(t *testing.T) {
	tail := newTailBuffer(2)
	fmt.Fprint(tail, "one\ntwo\n")
	fmt.Fprint(tail, "three\nfour")
	assert.Equal(t, "two\nthree\nfour", tail.String(), "two full lines plus the unterminated one")
}
