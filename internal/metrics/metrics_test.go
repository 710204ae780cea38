package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specialistvlad/smelter/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmit_CountsStatusesAndStages(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.Emit(ctx, events.Event{Kind: events.FetchFinished, Formula: "binutils", Duration: time.Second})
	m.Emit(ctx, events.Event{Kind: events.BuildStarted, Formula: "binutils"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))
	m.Emit(ctx, events.Event{Kind: events.BuildFinished, Formula: "binutils", Duration: time.Minute, Err: "make: exit 2"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))

	m.Emit(ctx, events.Event{Kind: events.FormulaDone, Formula: "binutils", Status: "failed"})
	m.Emit(ctx, events.Event{Kind: events.FormulaDone, Formula: "gcc", Status: "skipped"})
	m.Emit(ctx, events.Event{Kind: events.FormulaDone, Formula: "grub", Status: "skipped"})
	m.Emit(ctx, events.Event{Kind: events.Uninstalled, Formula: "nasm"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.formulas.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.formulas.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageErrors.WithLabelValues("build")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.stageErrors.WithLabelValues("fetch")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.uninstalls))
	assert.Equal(t, 2, testutil.CollectAndCount(m.stageDuration))
}

func TestHandler_ServesExposition(t *testing.T) {
	m := New()
	m.Emit(context.Background(), events.Event{Kind: events.FormulaDone, Formula: "gcc", Status: "installed"})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), `smelter_formulas_total{status="installed"} 1`))
	assert.Contains(t, string(body), "go_goroutines")
}
