package cli

import (
	"errors"
	"fmt"
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

// report prints err to the user with whatever detail its class carries.
func report(err error, code int) {
	var (
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
	case errors.As(err, &conflict):
		printer.ErrorWithContext("Conflicting install paths", err.Error(), [][2]string{
			{"Formula", conflict.Formula},
			{"Path", conflict.Path},
			{"Held by", conflict.Holder},
		}, []string{"Declare disjoint outputs for both formulas, or run with --jobs 1."})

	case errors.As(err, &partial):
		printer.ErrorWithContext("Uninstall incomplete", err.Error(), [][2]string{
			{"Formula", partial.Formula},
			{"Remaining", strings.Join(partial.Remaining, "\n    ")},
		}, []string{"Fix the permissions of the remaining paths and run uninstall again."})

	case errors.As(err, &unknown):
		printer.Error("Unknown formula", err.Error(), []string{"Run 'smelter list' to see the loaded formulas."})

	case errors.As(err, &cycle):
		printer.Error("Dependency cycle", err.Error(), nil)

	case errors.As(err, &mismatch):
		printer.ErrorWithContext("Checksum mismatch", "The downloaded archive does not match the declared checksum and was discarded.", [][2]string{
			{"Formula", mismatch.Formula},
			{"URL", mismatch.URL},
			{"Expected", mismatch.Expected},
			{"Actual", mismatch.Actual},
		}, nil)

	case errors.As(err, &fetchErr):
		ctx := make([][2]string, 0, len(fetchErr.Attempts))
		for _, a := range fetchErr.Attempts {
			ctx = append(ctx, [2]string{a.URL, a.Err.Error()})
		}
		printer.ErrorWithContext("Fetch failed", fmt.Sprintf("No source of %s could be downloaded.", fetchErr.Formula), ctx,
			[]string{"Check the network, or add a mirror to the formula."})

	case errors.As(err, &buildErr):
		ctx := [][2]string{
			{"Formula", buildErr.Formula},
			{"Step", fmt.Sprintf("%d (%s)", buildErr.Index, buildErr.Step)},
		}
		if len(buildErr.Command) > 0 {
			ctx = append(ctx, [2]string{"Command", strings.Join(buildErr.Command, " ")})
		}
		if buildErr.LogPath != "" {
			ctx = append(ctx, [2]string{"Log", buildErr.LogPath})
		}
		explanation := err.Error()
		if buildErr.Tail != "" {
			explanation += "\n\n" + buildErr.Tail
		}
		printer.ErrorWithContext("Build failed", explanation, ctx, []string{"Re-run with --keep-failed to inspect the work directory."})

	case errors.As(err, &testErr):
		printer.ErrorWithContext("Test failed", err.Error(), [][2]string{
			{"Formula", testErr.Formula},
			{"Test", testErr.Test},
			{"Expected", testErr.Expected},
			{"Observed", testErr.Observed},
		}, []string{"Installed files were left in place. Use --allow-test-failure to record the install anyway."})

	case errors.As(err, &dependents):
		printer.Error("Formula is still needed", err.Error(), []string{
			"Uninstall the dependents first.",
			"Pass --force to remove it anyway.",
		})

	case code == ExitUsage:
		printer.Error("Invalid usage", err.Error(), []string{"Run 'smelter --help' for usage."})

	default:
		printer.Error("smelter failed", err.Error(), nil)
	}
}
