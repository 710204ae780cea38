package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/specialistvlad/smelter/internal/app"
	"github.com/specialistvlad/smelter/internal/printer"
	"github.com/specialistvlad/smelter/internal/scheduler"
	"github.com/spf13/cobra"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.ExactArgs(n)(cmd, args))
	}
}

func minimumArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usage(cobra.MinimumNArgs(n)(cmd, args))
	}
}

func newInstallCmd(g *globalFlags, logW io.Writer) *cobra.Command {
	var opts scheduler.InstallOptions
	cmd := &cobra.Command{
		Use:   "install FORMULA...",
		Short: "Build and install formulas with their dependencies",
		Long: `Resolve the named formulas and everything they depend on, then fetch,
build, test and record each one that is not already installed at its
declared checksum.

Independent formulas build concurrently (see --jobs). When a formula fails,
everything that depends on it is skipped and unrelated formulas continue.`,
		Args: minimumArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd, logW)
			if err != nil {
				return err
			}
			defer a.Close()

			printer.Step("Installing %s\n", strings.Join(args, ", "))
			report, err := a.Install(cmd.Context(), args, opts)
			if report != nil {
				printSummary(report)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Rebuild formulas that are already installed")
	cmd.Flags().BoolVar(&opts.AllowTestFailure, "allow-test-failure", false, "Record formulas whose tests fail instead of failing them")
	return cmd
}

// printSummary prints one line per formula in build order.
func printSummary(r *scheduler.Report) {
	for _, res := range r.Results {
		label := res.Name
		if res.Version != "" {
			label += " " + res.Version
		}
		switch res.Status {
		case scheduler.Installed:
			if res.Record != nil && !res.Record.TestsPassed {
				printer.Warning("%s installed, tests failed (%s)\n", label, round(res.Duration))
			} else {
				printer.Success("%s installed (%s)\n", label, round(res.Duration))
			}
		case scheduler.AlreadyInstalled:
			printer.Success("%s already installed\n", label)
		case scheduler.Failed:
			printer.Failure("%s failed\n", label)
		case scheduler.Skipped:
			var skipped *scheduler.SkippedError
			if errors.As(res.Err, &skipped) {
				printer.Skipped("%s skipped, %s did not install\n", label, skipped.Dependency)
			} else {
				printer.Skipped("%s skipped\n", label)
			}
		}
	}
	printer.Printf("\n%d installed, %d already installed, %d failed, %d skipped\n",
		r.Count(scheduler.Installed), r.Count(scheduler.AlreadyInstalled), r.Count(scheduler.Failed), r.Count(scheduler.Skipped))
}

func round(d time.Duration) time.Duration {
	return d.Round(100 * time.Millisecond)
}

func newUninstallCmd(g *globalFlags, logW io.Writer) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "uninstall FORMULA",
		Short: "Remove every file an installed formula recorded",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd, logW)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Uninstall(cmd.Context(), args[0], force); err != nil {
				return err
			}
			printer.Success("%s uninstalled\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Uninstall even when installed formulas depend on it")
	return cmd
}

func newTestCmd(g *globalFlags, logW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "test FORMULA",
		Short: "Re-run the tests of an installed formula",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd, logW)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Test(cmd.Context(), args[0]); err != nil {
				return err
			}
			printer.Success("%s tests passed\n", args[0])
			return nil
		},
	}
}

func newListCmd(g *globalFlags, outW, logW io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List formulas and their install state",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openApp(cmd, logW)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []app.ListEntry{}
				}
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode list: %w", err)
				}
				fmt.Fprintln(outW, string(data))
				return nil
			}
			printList(entries)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the list as JSON")
	return cmd
}

func printList(entries []app.ListEntry) {
	if len(entries) == 0 {
		printer.Info("No formulas loaded.\n")
		return
	}
	printer.Printf("%-24s %-10s %-10s %-14s %s\n", "NAME", "VERSION", "INSTALLED", "STATE", "TESTS")
	for _, e := range entries {
		installed := e.InstalledVersion
		if installed == "" {
			installed = "-"
		}
		state := e.State
		if e.Change != "" {
			state += " (" + e.Change + ")"
		}
		tests := "-"
		if e.TestsPassed != nil {
			tests = "failed"
			if *e.TestsPassed {
				tests = "passed"
			}
		}
		version := e.Version
		if version == "" {
			version = "-"
		}
		printer.Printf("%-24s %-10s %-10s %-14s %s\n", e.Name, version, installed, state, tests)
	}
}
