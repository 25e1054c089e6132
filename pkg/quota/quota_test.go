package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/fault"
)

func TestCheckEventCeiling(t *testing.T) {
	g := Guard{MaxEventsPerRun: 3}

	assert.NoError(t, g.Check(2, 0, 10))
	err := g.Check(3, 0, 10)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindQuotaExceeded))

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, string(fault.QuotaScopeEvents), f.Meta["scope"])
}

func TestCheckByteCeiling(t *testing.T) {
	g := Guard{MaxBytesPerRun: 100}

	assert.NoError(t, g.Check(0, 90, 10))
	err := g.Check(0, 91, 10)
	require.Error(t, err)

	var f *fault.Fault
	require.ErrorAs(t, err, &f)
	assert.Equal(t, string(fault.QuotaScopeBytes), f.Meta["scope"])
}

func TestCheckBytesOnlyIgnoresEventCount(t *testing.T) {
	g := Guard{MaxEventsPerRun: 1, MaxBytesPerRun: 100}
	// Event ceiling already hit; the bytes-only path still admits the write.
	assert.NoError(t, g.CheckBytesOnly(50, 10))
	assert.Error(t, g.CheckBytesOnly(95, 10))
}

func TestZeroLimitsDisableCeilings(t *testing.T) {
	g := Guard{}
	assert.NoError(t, g.Check(1<<40, 1<<50, 1<<20))
}
