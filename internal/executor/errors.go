package executor

import (
	"fmt"
	"strings"
)

// BuildStepError reports the first failing step of a build. Index is the
// 1-based step number, or 0 when the build failed before its first step
// (extraction, prefix snapshot).
type BuildStepError struct {
	Formula  string
	Index    int
	Step     string
	Command  []string
	ExitCode int
	TimedOut bool
	// Tail holds the last lines of combined stdout and stderr.
	Tail    string
	LogPath string
	Err     error
}

func (e *BuildStepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "build %s: step %d (%s) failed", e.Formula, e.Index, e.Step)
	switch {
	case e.TimedOut:
		b.WriteString(": timed out")
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	default:
		fmt.Fprintf(&b, ": exit code %d", e.ExitCode)
	}
	if len(e.Command) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Command, " "))
	}
	return b.String()
}

func (e *BuildStepError) Unwrap() error {
	return e.Err
}
