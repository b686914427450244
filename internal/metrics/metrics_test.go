package metrics

import (
	"context"
	"os"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGaugesAndCountersAreUsable(t *testing.T) {
	OnlineUsers.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(OnlineUsers))

	RegisteredGateways.Inc()
	RegisteredGateways.Dec()
	assert.Equal(t, float64(0), testutil.ToFloat64(RegisteredGateways))

	FanOutTotal.WithLabelValues("server:new_message").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(FanOutTotal.WithLabelValues("server:new_message")))

	StreamingTurnDuration.Observe(0.25)
	StreamingTurnsFailed.Inc()
}

func TestCollectReturnsPlausibleSnapshot(t *testing.T) {
	snap, err := Collect(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, snap.MemPercent, 0.0)
	assert.LessOrEqual(t, snap.MemPercent, 100.0)
}

func TestVerifyDaemonProcessRejectsNonAgentimCurrentProcess(t *testing.T) {
	// The test binary's own argv[0] doesn't contain "agentim", so this
	// exercises the false branch rather than asserting a positive match —
	// a real agentim build's argv is what the check is grounded on.
	ok, err := VerifyDaemonProcess(context.Background(), int32(os.Getpid()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyDaemonProcessRejectsDeadPID(t *testing.T) {
	ok, err := VerifyDaemonProcess(context.Background(), int32(1<<30))
	require.NoError(t, err)
	assert.False(t, ok)
}
