// Package testrunner runs the post-install test steps of a formula.
package testrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/executor"
	"github.com/specialistvlad/smelter/internal/formula"
)

const maxStdout = 1 << 20

// TestFailureError reports the first test step whose predicate did not hold.
// Index is 1-based.
type TestFailureError struct {
	Formula  string
	Index    int
	Test     string
	Expected string
	Observed string
	TimedOut bool
	Err      error
}

func (e *TestFailureError) Error() string {
	return fmt.Sprintf("test %s: step %d (%s) failed: expected %s, observed %s", e.Formula, e.Index, e.Test, e.Expected, e.Observed)
}

func (e *TestFailureError) Unwrap() error {
	return e.Err
}

// Options configures a Runner.
type Options struct {
	// StateDir holds the per-test scratch directories under tests/.
	StateDir string
	// Timeout applies to tests that do not declare their own.
	Timeout time.Duration
}

// Runner executes test steps. It never modifies the prefix; a failing test
// leaves the installed files where they are.
type Runner struct {
	runner executor.Runner
	opts   Options
}

// New creates a Runner.
func New(runner executor.Runner, opts Options) *Runner {
	return &Runner{runner: runner, opts: opts}
}

// Run executes every test step of f in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, f *formula.Formula, vars formula.Vars) error {
	ctx, logger := ctxlog.With(ctx, "formula", f.Name)
	if len(f.TestSteps) == 0 {
		logger.Debug("Formula declares no tests")
		return nil
	}

	base := filepath.Join(r.opts.StateDir, "tests")
	if err := os.MkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("create test dir: %w", err)
	}

	for i, test := range f.TestSteps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.runOne(ctx, base, f, i+1, test, vars); err != nil {
			logger.Error("Test failed", "test", test.Name, "error", err)
			return err
		}
		logger.Info("Test passed", "test", test.Name)
	}
	return nil
}

func (r *Runner) runOne(ctx context.Context, base string, f *formula.Formula, index int, test *formula.TestStep, vars formula.Vars) error {
	fail := &TestFailureError{Formula: f.Name, Index: index, Test: test.Name}

	dir, err := os.MkdirTemp(base, f.Name+"-*")
	if err != nil {
		fail.Expected, fail.Observed, fail.Err = "a test directory", err.Error(), err
		return fail
	}
	defer os.RemoveAll(dir)

	vars.TestDir = dir
	ectx := vars.EvalContext()

	for _, fx := range test.Files {
		content, err := formula.EvalString(fx.Content, ectx)
		if err == nil {
			target := filepath.Join(dir, fx.Path)
			if err = os.MkdirAll(filepath.Dir(target), 0o755); err == nil {
				err = os.WriteFile(target, []byte(content), 0o644)
			}
		}
		if err != nil {
			fail.Expected, fail.Observed, fail.Err = "fixture "+fx.Path, err.Error(), err
			return fail
		}
	}

	argv, err := formula.EvalStringList(test.Command, ectx)
	if err != nil {
		fail.Expected, fail.Observed, fail.Err = "a valid command", err.Error(), err
		return fail
	}

	env := executor.BaseEnv()
	formulaEnv, err := formula.EvalStringMap(f.Env, ectx)
	if err != nil {
		fail.Expected, fail.Observed, fail.Err = "a valid environment", err.Error(), err
		return fail
	}
	for k, v := range formulaEnv {
		env[k] = v
	}

	timeout := test.Timeout
	if timeout == 0 {
		timeout = r.opts.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := &cappedBuffer{limit: maxStdout}
	stderr := &cappedBuffer{limit: 4 << 10}
	code, err := r.runner.Run(runCtx, executor.Command{
		Argv:   argv,
		Dir:    dir,
		Env:    formula.EnvList(env),
		Stdout: stdout,
		Stderr: stderr,
	})
	switch {
	case err != nil && ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		fail.Expected, fail.Observed, fail.Err = "completion", "timed out after "+timeout.String(), err
		fail.TimedOut = true
		return fail
	case err != nil:
		fail.Expected, fail.Observed, fail.Err = "a runnable command", err.Error(), err
		return fail
	case code != test.Expect.ExitCode:
		fail.Expected = fmt.Sprintf("exit code %d", test.Expect.ExitCode)
		fail.Observed = fmt.Sprintf("exit code %d", code)
		if s := strings.TrimSpace(stderr.String()); s != "" {
			fail.Observed += ": " + s
		}
		return fail
	}

	return checkExpectation(fail, test.Expect, ectx, dir, stdout.String())
}

func checkExpectation(fail *TestFailureError, exp formula.Expectation, ectx *hcl.EvalContext, dir, stdout string) error {
	value, err := formula.EvalString(exp.Value, ectx)
	if err != nil {
		fail.Expected, fail.Observed, fail.Err = exp.Kind.String(), err.Error(), err
		return fail
	}

	switch exp.Kind {
	case formula.ExpectEquals:
		got := strings.TrimRight(stdout, "\r\n")
		if got != value {
			fail.Expected, fail.Observed = fmt.Sprintf("stdout %q", value), fmt.Sprintf("%q", got)
			return fail
		}
	case formula.ExpectContains:
		if !strings.Contains(stdout, value) {
			fail.Expected, fail.Observed = fmt.Sprintf("stdout containing %q", value), fmt.Sprintf("%q", stdout)
			return fail
		}
	case formula.ExpectNonEmpty:
		if strings.TrimSpace(stdout) == "" {
			fail.Expected, fail.Observed = "non-empty stdout", "empty stdout"
			return fail
		}
	case formula.ExpectFileNotEmpty:
		path := value
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		info, err := os.Stat(path)
		switch {
		case err != nil:
			fail.Expected, fail.Observed = fmt.Sprintf("file %s", value), "missing"
			return fail
		case info.Size() == 0:
			fail.Expected, fail.Observed = fmt.Sprintf("non-empty file %s", value), "empty file"
			return fail
		}
	}
	return nil
}

// cappedBuffer keeps at most limit bytes and drops the rest.
type cappedBuffer struct {
	limit int
	buf   []byte
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	return string(b.buf)
}
