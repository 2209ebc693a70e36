package transcode

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestResourceMonitorTrackAndBreach(t *testing.T) {
	var canceled bool
	cancel := func() { canceled = true }
	m := newResourceMonitor(90, 1<<30, cancel, logrus.NewEntry(logrus.New()))

	require.False(t, m.breached())

	m.track(123456789)
	m.mu.Lock()
	pid, hasPID := m.pid, m.hasPID
	m.mu.Unlock()
	require.True(t, hasPID)
	require.Equal(t, int32(123456789), pid)

	m.kill(pid, "test ceiling exceeded")

	require.True(t, m.breached())
	require.True(t, canceled)
}

func TestResourceMonitorStartStopDoesNotPanic(t *testing.T) {
	m := newResourceMonitor(90, 1<<30, func() {}, logrus.NewEntry(logrus.New()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := m.start(ctx)
	stop()
	require.False(t, m.breached())
}
