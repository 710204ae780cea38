package cli

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/specialistvlad/smelter/internal/claims"
	"github.com/specialistvlad/smelter/internal/executor"
	"github.com/specialistvlad/smelter/internal/fetch"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/specialistvlad/smelter/internal/printer"
	"github.com/specialistvlad/smelter/internal/resolver"
	"github.com/specialistvlad/smelter/internal/scheduler"
	"github.com/specialistvlad/smelter/internal/testrunner"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitInternal   = 1
	ExitUsage      = 2
	ExitResolution = 3
	ExitFetch      = 4
	ExitBuild      = 5
	ExitTest       = 6
	ExitConflict   = 7
	ExitPartial    = 8
)

// ExitError is a custom error type that includes a specific exit code. An
// empty Message means the error was already reported to the user.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// usageError marks errors caused by how smelter was invoked or configured.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

// Run executes the command line in args. Normal output goes to outW; logs
// and error reports go to errW. The returned error is always nil or an
// *ExitError.
func Run(ctx context.Context, outW, errW io.Writer, args []string) error {
	restore := printer.SetOutput(outW, errW)
	defer restore()

	root := newRootCmd(outW, errW)
	root.SetArgs(args)
	root.SetOut(outW)
	root.SetErr(errW)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	code := ExitCode(err)
	report(err, code)
	return &ExitError{Code: code}
}

// ExitCode maps an error to the process exit code of its class.
func ExitCode(err error) int {
	var (
		usageErr   *usageError
		unknown    *resolver.UnknownDependencyError
		cycle      *resolver.CyclicDependencyError
		mismatch   *fetch.ChecksumMismatchError
		fetchErr   *fetch.FetchError
		buildErr   *executor.BuildStepError
		testErr    *testrunner.TestFailureError
		conflict   *claims.ConflictingInstallPathsError
		partial    *ledger.UninstallPartialError
		dependents *scheduler.DependentsInstalledError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &conflict):
		return ExitConflict
	case errors.As(err, &partial):
		return ExitPartial
	case errors.As(err, &unknown), errors.As(err, &cycle):
		return ExitResolution
	case errors.As(err, &mismatch), errors.As(err, &fetchErr):
		return ExitFetch
	case errors.As(err, &buildErr):
		return ExitBuild
	case errors.As(err, &testErr):
		return ExitTest
	case errors.As(err, &usageErr), errors.As(err, &dependents), errors.Is(err, ledger.ErrNotInstalled):
		return ExitUsage
	case isCobraUsage(err):
		return ExitUsage
	default:
		return ExitInternal
	}
}

// isCobraUsage recognises the argument errors cobra returns as plain errors.
func isCobraUsage(err error) bool {
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "unknown flag", "unknown shorthand flag", "invalid argument", "flag needs an argument", "accepts ", "requires at least"} {
		if strings.HasPrefix(msg, prefix) {
			return true
		}
	}
	return false
}
