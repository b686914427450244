package gatewaystore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveListRemoveDaemon(t *testing.T) {
	s := newTestStore(t)

	rec := DaemonRecord{PID: 123, Name: "claude-main", Type: "claude-code", WorkDir: "/tmp", StartedAt: time.Now(), GatewayID: "gw-1"}
	require.NoError(t, s.SaveDaemon(rec))

	list, err := s.ListDaemons()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "claude-main", list[0].Name)

	require.NoError(t, s.RemoveDaemon("claude-main"))
	list, err = s.ListDaemons()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRemoveDaemonMissingIsNotError(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.RemoveDaemon("nope"))
}

func TestReapStaleRemovesDeadPID(t *testing.T) {
	s := newTestStore(t)
	// 1<<30 is far beyond any real PID range and verifiably not alive.
	require.NoError(t, s.SaveDaemon(DaemonRecord{PID: 1 << 30, Name: "dead"}))

	require.NoError(t, s.ReapStale(context.Background()))

	list, err := s.ListDaemons()
	require.NoError(t, err)
	assert.Empty(t, list)
}
