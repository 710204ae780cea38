package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func records(t *testing.T, tl *Timeline, a, b string) (*ExecutionRecord, *ExecutionRecord) {
	t.Helper()
	ra, rb := tl.Get(a), tl.Get(b)
	require.NotNil(t, ra, "%s never ran", a)
	require.NotNil(t, rb, "%s never ran", b)
	return ra, rb
}

// AssertRanConcurrently fails unless a and b were running at the same time.
func AssertRanConcurrently(t *testing.T, tl *Timeline, a, b string) {
	t.Helper()
	ra, rb := records(t, tl, a, b)
	require.True(t, ra.Overlaps(*rb), "expected %s and %s to overlap", a, b)
}

// AssertRanBefore fails unless first ended before second started.
func AssertRanBefore(t *testing.T, tl *Timeline, first, second string) {
	t.Helper()
	rf, rs := records(t, tl, first, second)
	require.False(t, rs.Start.Before(rf.End), "expected %s to finish before %s started", first, second)
}

// AssertSerialized fails when a and b overlapped, in either order.
func AssertSerialized(t *testing.T, tl *Timeline, a, b string) {
	t.Helper()
	ra, rb := records(t, tl, a, b)
	require.False(t, ra.Overlaps(*rb), "expected %s and %s not to overlap", a, b)
}
