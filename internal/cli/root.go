package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/specialistvlad/smelter/internal/app"
	"github.com/specialistvlad/smelter/internal/config"
	"github.com/specialistvlad/smelter/internal/printer"
	"github.com/spf13/cobra"
)

var versionInfo = "dev"

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(version, commit, date string) {
	versionInfo = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// globalFlags are shared by every subcommand. Only flags the user set
// override the config file and environment.
type globalFlags struct {
	configPath      string
	formulas        []string
	prefix          string
	cacheDir        string
	stateDir        string
	target          string
	jobs            int
	logLevel        string
	logFormat       string
	keepFailed      bool
	ledger          string
	eventsURL       string
	healthcheckPort int
	noColor         bool
}

// env is swapped in tests.
var env = os.Getenv

func newRootCmd(outW, errW io.Writer) *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "smelter",
		Short: "smelter - declarative builds of cross toolchains",
		Long: `smelter builds packages from source as described by formula files.

Each formula names a source archive, its checksum, the formulas it depends
on, and the steps that configure, compile, install and verify it. smelter
resolves the dependency graph, verifies every download, builds independent
formulas concurrently into a shared prefix, and records what each formula
installed so it can be removed again.`,
		Version: versionInfo,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usage(err)
	})

	g.bind(root)

	root.AddCommand(
		newInstallCmd(g, errW),
		newUninstallCmd(g, errW),
		newTestCmd(g, errW),
		newListCmd(g, outW, errW),
	)
	return root
}

// bind registers the global flags on cmd.
func (g *globalFlags) bind(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Path to a YAML config file (default $SMELTER_CONFIG)")
	pf.StringSliceVarP(&g.formulas, "formulas", "f", nil, "Formula files or directories")
	pf.StringVar(&g.prefix, "prefix", "", "Installation prefix (default $PREFIX)")
	pf.StringVar(&g.cacheDir, "cache-dir", "", "Download cache (default $CACHE_DIR)")
	pf.StringVar(&g.stateDir, "state-dir", "", "Ledger, build and log directory (default $SMELTER_STATE_DIR)")
	pf.StringVar(&g.target, "target", "", "Default target triple (default $TARGET_TRIPLE)")
	pf.IntVarP(&g.jobs, "jobs", "j", 0, "Formulas built concurrently (default $JOBS or the CPU count)")
	pf.StringVar(&g.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "text", "Log format: text or json")
	pf.BoolVar(&g.keepFailed, "keep-failed", false, "Keep the work directory of failed builds")
	pf.StringVar(&g.ledger, "ledger", "", "Ledger backend: file or a redis:// URL")
	pf.StringVar(&g.eventsURL, "events-url", "", "socket.io server that receives build events")
	pf.IntVar(&g.healthcheckPort, "healthcheck-port", 0, "Port for /health and /metrics. 0 is disabled.")
	pf.BoolVar(&g.noColor, "no-color", false, "Disable coloured output")
}

// loadConfig layers defaults, the config file, the environment and the flags
// the user set, then validates the result.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := g.configPath
	if path == "" {
		path = env("SMELTER_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, usage(err)
	}
	if err := cfg.ApplyEnv(env); err != nil {
		return nil, usage(err)
	}

	flags := cmd.Flags()
	if flags.Changed("formulas") {
		cfg.Formulas = g.formulas
	}
	if flags.Changed("prefix") {
		cfg.Prefix = g.prefix
	}
	if flags.Changed("cache-dir") {
		cfg.CacheDir = g.cacheDir
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = g.stateDir
	}
	if flags.Changed("target") {
		cfg.Target = g.target
	}
	if flags.Changed("jobs") {
		cfg.Jobs = g.jobs
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = g.logFormat
	}
	if flags.Changed("keep-failed") {
		cfg.KeepFailed = g.keepFailed
	}
	if flags.Changed("ledger") {
		cfg.Ledger = g.ledger
	}
	if flags.Changed("events-url") {
		cfg.EventsURL = g.eventsURL
	}
	if flags.Changed("healthcheck-port") {
		cfg.HealthcheckPort = g.healthcheckPort
	}
	if flags.Changed("no-color") {
		cfg.NoColor = g.noColor
	}

	if err := cfg.Validate(); err != nil {
		return nil, usage(fmt.Errorf("invalid configuration: %w", err))
	}
	if cfg.NoColor {
		printer.DisableColor()
	}
	return cfg, nil
}

// openApp builds the App for a subcommand. Logs go to logW.
func (g *globalFlags) openApp(cmd *cobra.Command, logW io.Writer) (*app.App, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(cmd.Context(), logW, cfg)
	if err != nil {
		return nil, usage(err)
	}
	return a, nil
}
