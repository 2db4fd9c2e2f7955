package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountAccumulates(t *testing.T) {
	tbl := NewTable()
	start := time.Now().Add(-time.Millisecond)
	tbl.Count(OpLookup, true, start)
	tbl.Count(OpLookup, false, start)
	tbl.Count(OpLookup, true, start)

	snap := tbl.Snapshot()
	e := snap[OpLookup]
	require.Equal(t, int64(3), e.Calls)
	require.Equal(t, int64(2), e.Success)
	require.Equal(t, int64(1), e.Failure)
	require.Greater(t, e.Elapsed, time.Duration(0))
}

func TestFormatSkipsUncalledOps(t *testing.T) {
	tbl := NewTable()
	tbl.Count(OpWrite, true, time.Now())
	out := tbl.Format()
	require.Contains(t, out, "Write")
	require.NotContains(t, out, "Readdirplus")
}

func TestOpStringUnknown(t *testing.T) {
	require.Equal(t, "Unknown", Op(999).String())
}
