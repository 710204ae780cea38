package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/specialistvlad/smelter/internal/executor"
	"github.com/specialistvlad/smelter/internal/ledger"
	"github.com/specialistvlad/smelter/internal/testrunner"
)

// Status is the outcome of one formula in a run.
type Status int32

const (
	Pending Status = iota
	AlreadyInstalled
	Installed
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case AlreadyInstalled:
		return "already-installed"
	case Installed:
		return "installed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// MarshalText lets statuses appear by name in JSON output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SkippedError is the error of a formula that was not started because a
// dependency failed or was itself skipped.
type SkippedError struct {
	Formula    string
	Dependency string
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("formula %q skipped: dependency %q did not install", e.Formula, e.Dependency)
}

// DependentsInstalledError is returned by Uninstall when installed formulas
// still depend on the one being removed.
type DependentsInstalledError struct {
	Formula    string
	Dependents []string
}

func (e *DependentsInstalledError) Error() string {
	return fmt.Sprintf("cannot uninstall %q: installed formulas depend on it: %s",
		e.Formula, strings.Join(e.Dependents, ", "))
}

// Result is the outcome of one formula.
type Result struct {
	Name     string
	Version  string
	Status   Status
	Err      error
	Record   *ledger.Record
	Duration time.Duration
}

// Report holds one Result per resolved formula, in build order.
type Report struct {
	Results []*Result
}

// Get returns the result for name, or nil.
func (r *Report) Get(name string) *Result {
	for _, res := range r.Results {
		if res.Name == name {
			return res
		}
	}
	return nil
}

// Count returns how many formulas ended with status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Err returns nil when no formula failed. Otherwise it wraps the first root
// cause in build order: skipped formulas are symptoms, and a cancellation
// only counts when nothing else went wrong.
func (r *Report) Err() error {
	var failed []string
	var rootCause, cancelled error
	for _, res := range r.Results {
		if res.Status != Failed || res.Err == nil {
			continue
		}
		if interrupted(res.Err) {
			if cancelled == nil {
				cancelled = res.Err
			}
			continue
		}
		failed = append(failed, res.Name)
		if rootCause == nil {
			rootCause = res.Err
		}
	}
	if rootCause != nil {
		return fmt.Errorf("install failed for %s: %w", strings.Join(failed, ", "), rootCause)
	}
	return cancelled
}

// interrupted reports whether err comes from the run being cancelled rather
// than from the formula itself. A step or test that ran out of its own time
// budget is a failure like a non-zero exit.
func interrupted(err error) bool {
	var stepErr *executor.BuildStepError
	if errors.As(err, &stepErr) && stepErr.TimedOut {
		return false
	}
	var testErr *testrunner.TestFailureError
	if errors.As(err, &testErr) && testErr.TimedOut {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
