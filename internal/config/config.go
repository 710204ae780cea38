package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/specialistvlad/smelter/internal/fsutil"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "90s" or "1h" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete set of settings.
type Config struct {
	// Formulas are the HCL files or directories formulas are loaded from.
	Formulas []string `yaml:"formulas"`
	Prefix   string   `yaml:"prefix"`
	CacheDir string   `yaml:"cache_dir"`
	// StateDir holds the file ledger, build directories and logs. It must not
	// lie inside the prefix.
	StateDir string `yaml:"state_dir"`
	Target   string `yaml:"target"`

	Jobs        int      `yaml:"jobs"`
	FetchJobs   int      `yaml:"fetch_jobs"`
	StepTimeout Duration `yaml:"step_timeout"`
	TestTimeout Duration `yaml:"test_timeout"`
	KeepFailed  bool     `yaml:"keep_failed"`

	// Ledger is empty or "file" for the JSON file ledger under StateDir, or a
	// redis:// / rediss:// URL.
	Ledger    string `yaml:"ledger"`
	EventsURL string `yaml:"events_url"`

	HealthcheckPort int    `yaml:"healthcheck_port"`
	LogLevel        string `yaml:"log_level"`
	LogFormat       string `yaml:"log_format"`
	NoColor         bool   `yaml:"no_color"`
}

// Default returns the built-in settings.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = filepath.Join(home, ".cache")
	}
	return &Config{
		Formulas:    []string{"formulas"},
		Prefix:      filepath.Join(home, ".local", "opt", "cross"),
		CacheDir:    filepath.Join(cache, "smelter"),
		StateDir:    filepath.Join(home, ".local", "state", "smelter"),
		Jobs:        runtime.NumCPU(),
		FetchJobs:   4,
		StepTimeout: Duration(2 * time.Hour),
		TestTimeout: Duration(5 * time.Minute),
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the environment variables smelter understands.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PREFIX", &c.Prefix)
	setString("CACHE_DIR", &c.CacheDir)
	setString("TARGET_TRIPLE", &c.Target)
	setString("SMELTER_STATE_DIR", &c.StateDir)
	setString("SMELTER_LEDGER", &c.Ledger)
	setString("SMELTER_EVENTS_URL", &c.EventsURL)

	if v := getenv("JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JOBS=%q: not a number", v)
		}
		c.Jobs = n
	}
	if v := getenv("NO_COLOR"); v != "" {
		c.NoColor = true
	}
	return nil
}

// Validate checks the settings and makes every directory absolute.
func (c *Config) Validate() error {
	if len(c.Formulas) == 0 {
		return errors.New("no formula paths configured")
	}
	if c.Jobs <= 0 {
		return fmt.Errorf("jobs must be > 0, got %d", c.Jobs)
	}
	if c.FetchJobs < 0 {
		return fmt.Errorf("fetch_jobs must be >= 0 (0 = unbounded), got %d", c.FetchJobs)
	}
	if c.StepTimeout < 0 || c.TestTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	if c.HealthcheckPort < 0 || c.HealthcheckPort > 65535 {
		return fmt.Errorf("healthcheck_port %d out of range", c.HealthcheckPort)
	}

	for name, dir := range map[string]*string{"prefix": &c.Prefix, "cache_dir": &c.CacheDir, "state_dir": &c.StateDir} {
		if *dir == "" {
			return fmt.Errorf("%s must be set", name)
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dir = abs
	}
	if fsutil.Within(c.Prefix, c.StateDir) {
		return fmt.Errorf("state_dir %s must be outside the prefix %s", c.StateDir, c.Prefix)
	}
	if fsutil.Within(c.Prefix, c.CacheDir) {
		return fmt.Errorf("cache_dir %s must be outside the prefix %s", c.CacheDir, c.Prefix)
	}

	switch {
	case c.Ledger == "", c.Ledger == "file":
	case strings.HasPrefix(c.Ledger, "redis://"), strings.HasPrefix(c.Ledger, "rediss://"):
		if _, err := url.Parse(c.Ledger); err != nil {
			return fmt.Errorf("ledger: %w", err)
		}
	default:
		return fmt.Errorf("ledger must be \"file\" or a redis:// URL, got %q", c.Ledger)
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		return errors.New("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
		c.LogFormat = strings.ToLower(c.LogFormat)
	default:
		return errors.New("invalid log-format: must be 'text' or 'json'")
	}
	return nil
}

// LedgerDir is where the file ledger keeps its records.
func (c *Config) LedgerDir() string {
	return filepath.Join(c.StateDir, "ledger")
}

// UsesRedis reports whether the ledger lives in Redis.
func (c *Config) UsesRedis() bool {
	return strings.HasPrefix(c.Ledger, "redis://") || strings.HasPrefix(c.Ledger, "rediss://")
}
