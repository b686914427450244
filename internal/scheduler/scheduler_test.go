package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePermissionSweeper struct {
	swept atomic.Int64
	size  int
}

func (f *fakePermissionSweeper) Sweep() { f.swept.Add(1) }
func (f *fakePermissionSweeper) Len() int { return f.size }

type fakeTurnSweeper struct {
	calls atomic.Int64
	fail  int
}

func (f *fakeTurnSweeper) SweepStaleTurns() int {
	f.calls.Add(1)
	return f.fail
}

func TestSchedulerRunsBothSweepsPeriodically(t *testing.T) {
	perm := &fakePermissionSweeper{size: 3}
	turns := &fakeTurnSweeper{fail: 2}

	origPermInterval := permissionSweepInterval
	origTurnInterval := streamingTurnSweepInterval
	permissionSweepInterval = 20 * time.Millisecond
	streamingTurnSweepInterval = 20 * time.Millisecond
	defer func() {
		permissionSweepInterval = origPermInterval
		streamingTurnSweepInterval = origTurnInterval
	}()

	s, err := New(perm, turns, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		return perm.swept.Load() > 0 && turns.calls.Load() > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSchedulerStopAfterStartSucceeds(t *testing.T) {
	perm := &fakePermissionSweeper{}
	turns := &fakeTurnSweeper{}

	s, err := New(perm, turns, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
