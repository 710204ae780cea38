// Package executor runs the install steps of a formula inside a fresh build
// context and reports which files the build added to the prefix.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/hcl/v2"
	"github.com/specialistvlad/smelter/internal/archive"
	"github.com/specialistvlad/smelter/internal/ctxlog"
	"github.com/specialistvlad/smelter/internal/fetch"
	"github.com/specialistvlad/smelter/internal/formula"
	"github.com/specialistvlad/smelter/internal/fsutil"
)

// Options configures an Executor.
type Options struct {
	// StateDir holds builds/ and logs/.
	StateDir string
	// StepTimeout applies to steps that do not declare their own timeout.
	// Zero means no timeout.
	StepTimeout time.Duration
	// KeepFailed leaves the work directory of a failed build in place.
	KeepFailed bool
	// TailLines is the number of output lines kept for error reports.
	TailLines int
}

// Executor builds formulas.
type Executor struct {
	runner Runner
	opts   Options
}

// New creates an Executor that runs commands with runner.
func New(runner Runner, opts Options) *Executor {
	return &Executor{runner: runner, opts: opts}
}

// Context is the isolated scratch space of one build attempt.
type Context struct {
	ID        string
	WorkDir   string
	SourceDir string
	LogDir    string
	Prefix    string
	Env       map[string]string
	Vars      formula.Vars
}

// Result describes a successful build.
type Result struct {
	Formula string
	// InstalledPaths are the sorted absolute paths of files and symlinks the
	// build created in the prefix, or symlinks it pointed elsewhere.
	InstalledPaths []string
	LogDir         string
	Duration       time.Duration
}

var unsafeLogChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Build extracts the verified artifact into a fresh work directory, runs the
// install steps in order and diffs the prefix. The first failing step stops
// the build with a *BuildStepError.
func (e *Executor) Build(ctx context.Context, f *formula.Formula, art *fetch.Artifact, vars formula.Vars) (*Result, error) {
	ctx, logger := ctxlog.With(ctx, "formula", f.Name)
	start := time.Now()

	bc, err := e.newContext(f, vars)
	if err != nil {
		return nil, &BuildStepError{Formula: f.Name, Step: "prepare", Err: err}
	}
	logger.Info("Build started", "workdir", bc.WorkDir)

	failed := true
	defer func() {
		if failed && e.opts.KeepFailed {
			logger.Warn("Keeping work directory of failed build", "workdir", bc.WorkDir)
			return
		}
		if err := os.RemoveAll(bc.WorkDir); err != nil {
			logger.Warn("Failed to remove work directory", "workdir", bc.WorkDir, "error", err)
		}
	}()

	name := path.Base(art.URL)
	if art.URL == "" {
		name = path.Base(f.Source.URL)
	}
	bc.SourceDir, err = archive.Extract(ctx, art.Path, filepath.Join(bc.WorkDir, "src"), name)
	if err != nil {
		return nil, &BuildStepError{Formula: f.Name, Step: "extract", Err: err}
	}
	bc.Vars.WorkDir = bc.WorkDir
	bc.Vars.SourceDir = bc.SourceDir
	ectx := bc.Vars.EvalContext()

	formulaEnv, err := formula.EvalStringMap(f.Env, ectx)
	if err != nil {
		return nil, &BuildStepError{Formula: f.Name, Step: "env", Err: err}
	}
	for k, v := range formulaEnv {
		bc.Env[k] = v
	}

	// Declared outputs bound the walk, so concurrent builds writing
	// elsewhere in the prefix are never visited.
	roots := []string{bc.Prefix}
	if len(f.Outputs) > 0 {
		roots = make([]string, len(f.Outputs))
		for i, out := range f.Outputs {
			roots[i] = filepath.Join(bc.Prefix, out)
		}
	}
	before, err := fsutil.TakeSnapshot(roots...)
	if err != nil {
		return nil, &BuildStepError{Formula: f.Name, Step: "snapshot", Err: err}
	}

	for i, step := range f.InstallSteps {
		if err := e.runStep(ctx, bc, f, i+1, step, ectx); err != nil {
			logger.Error("Build step failed", "step", step.Name, "error", err)
			return nil, err
		}
	}

	after, err := fsutil.TakeSnapshot(roots...)
	if err != nil {
		return nil, &BuildStepError{Formula: f.Name, Step: "snapshot", Err: err}
	}
	installed := fsutil.Added(before, after)

	failed = false
	res := &Result{
		Formula:        f.Name,
		InstalledPaths: installed,
		LogDir:         bc.LogDir,
		Duration:       time.Since(start),
	}
	logger.Info("Build finished", "paths", len(installed), "duration", res.Duration)
	return res, nil
}

func (e *Executor) newContext(f *formula.Formula, vars formula.Vars) (*Context, error) {
	id := uuid.NewString()
	bc := &Context{
		ID:      id,
		WorkDir: filepath.Join(e.opts.StateDir, "builds", f.Name+"-"+id),
		LogDir:  filepath.Join(e.opts.StateDir, "logs", f.Name),
		Prefix:  vars.Prefix,
		Env:     BaseEnv(),
		Vars:    vars,
	}
	if err := os.MkdirAll(bc.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	if err := os.MkdirAll(bc.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := os.MkdirAll(bc.Prefix, 0o755); err != nil {
		return nil, fmt.Errorf("create prefix: %w", err)
	}
	return bc, nil
}

func (e *Executor) runStep(ctx context.Context, bc *Context, f *formula.Formula, index int, step *formula.Step, ectx *hcl.EvalContext) error {
	logger := ctxlog.FromContext(ctx).With("step", step.Name, "index", index)
	stepErr := &BuildStepError{Formula: f.Name, Index: index, Step: step.Name, ExitCode: -1}

	if step.Symlink != nil {
		logger.Debug("Creating symlink")
		if err := e.symlink(bc, step.Symlink, ectx); err != nil {
			stepErr.Err = err
			return stepErr
		}
		return nil
	}

	argv, err := formula.EvalStringList(step.Command, ectx)
	if err != nil {
		stepErr.Err = err
		return stepErr
	}
	stepErr.Command = argv

	dir, err := formula.EvalString(step.Dir, ectx)
	if err != nil {
		stepErr.Err = err
		return stepErr
	}
	switch {
	case dir == "":
		dir = bc.SourceDir
	case !filepath.IsAbs(dir):
		dir = filepath.Join(bc.SourceDir, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		stepErr.Err = err
		return stepErr
	}

	stepEnv, err := formula.EvalStringMap(step.Env, ectx)
	if err != nil {
		stepErr.Err = err
		return stepErr
	}
	env := make(map[string]string, len(bc.Env)+len(stepEnv))
	for k, v := range bc.Env {
		env[k] = v
	}
	for k, v := range stepEnv {
		env[k] = v
	}

	stepErr.LogPath = filepath.Join(bc.LogDir, fmt.Sprintf("%02d-%s.log", index, unsafeLogChars.ReplaceAllString(step.Name, "_")))
	logFile, err := os.Create(stepErr.LogPath)
	if err != nil {
		stepErr.Err = err
		return stepErr
	}
	defer logFile.Close()
	tail := newTailBuffer(e.opts.TailLines)
	out := io.MultiWriter(logFile, tail)

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.opts.StepTimeout
	}
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("Running build step", "argv", strings.Join(argv, " "), "dir", dir)
	code, err := e.runner.Run(stepCtx, Command{
		Argv:   argv,
		Dir:    dir,
		Env:    formula.EnvList(env),
		Stdout: out,
		Stderr: out,
	})
	stepErr.Tail = tail.String()

	switch {
	case err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		stepErr.TimedOut = true
		stepErr.Err = err
		return stepErr
	case err != nil:
		stepErr.Err = err
		return stepErr
	case code != 0:
		stepErr.ExitCode = code
		return stepErr
	}
	return nil
}

// symlink replaces `ln -sf`: To becomes a link to From. A relative To is
// taken relative to the prefix.
func (e *Executor) symlink(bc *Context, link *formula.Symlink, ectx *hcl.EvalContext) error {
	from, err := formula.EvalString(link.From, ectx)
	if err != nil {
		return err
	}
	to, err := formula.EvalString(link.To, ectx)
	if err != nil {
		return err
	}
	if from == "" || to == "" {
		return errors.New("symlink needs both from and to")
	}
	if !filepath.IsAbs(to) {
		to = filepath.Join(bc.Prefix, to)
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if info, err := os.Lstat(to); err == nil && !info.IsDir() {
		if err := os.Remove(to); err != nil {
			return err
		}
	}
	return os.Symlink(from, to)
}

// BaseEnv returns the process environment as a map.
func BaseEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}
