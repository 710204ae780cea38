package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/specialistvlad/smelter/internal/config"
	"github.com/stretchr/testify/require"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// TestConfig returns a valid configuration whose directories all live under
// a fresh temporary directory, loading formulas from formulaDir.
func TestConfig(t *testing.T, formulaDir string) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Formulas = []string{formulaDir}
	cfg.Prefix = filepath.Join(root, "prefix")
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.StateDir = filepath.Join(root, "state")
	cfg.Jobs = 2
	cfg.LogLevel = "debug"
	require.NoError(t, cfg.Validate())
	return cfg
}

// SetupAppTest creates an App for system testing. Logs are captured and
// printed when SMELTER_TEST_LOGS=true.
func SetupAppTest(t *testing.T, cfg *config.Config, opts ...Option) (*App, *SafeBuffer) {
	t.Helper()

	logBuffer := &SafeBuffer{}
	testApp, err := NewApp(context.Background(), logBuffer, cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, testApp.Close())
		if os.Getenv("SMELTER_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})

	return testApp, logBuffer
}
