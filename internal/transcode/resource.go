package transcode

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// resourceCheckInterval is how often a running job's CPU/memory use is
// sampled against its ceiling.
const resourceCheckInterval = 2 * time.Second

// resourceMonitor watches a transcode job's OS process (when one has been
// registered via track) and cancels it if it breaches its CPU or memory
// ceiling, per spec.md §4.8: "on breach the job is killed and marked
// failed with resource_exceeded".
type resourceMonitor struct {
	cpuCeiling float64
	memCeiling uint64
	cancel     context.CancelFunc
	log        *logrus.Entry

	mu      sync.Mutex
	pid     int32
	hasPID  bool
	didKill bool
}

func newResourceMonitor(cpuCeiling float64, memCeiling uint64, cancel context.CancelFunc, log *logrus.Entry) *resourceMonitor {
	return &resourceMonitor{cpuCeiling: cpuCeiling, memCeiling: memCeiling, cancel: cancel, log: log}
}

// track registers the OS pid of the spawned transcoder subprocess so it
// can be sampled. A Transcoder implementation calls this (as the trackPID
// callback the worker passes to Transcoder.Run) once it has a pid.
func (m *resourceMonitor) track(pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid = pid
	m.hasPID = true
}

func (m *resourceMonitor) breached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.didKill
}

// start launches the sampling loop and returns a stop func.
func (m *resourceMonitor) start(ctx context.Context) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(resourceCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.sample()
			}
		}
	}()
	return func() { close(stopCh) }
}

func (m *resourceMonitor) sample() {
	m.mu.Lock()
	pid, hasPID := m.pid, m.hasPID
	m.mu.Unlock()
	if !hasPID {
		return
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		return
	}
	cpuPct, err := proc.CPUPercent()
	if err == nil && cpuPct > m.cpuCeiling {
		m.kill(pid, "cpu ceiling exceeded")
		return
	}
	memInfo, err := proc.MemoryInfo()
	if err == nil && memInfo != nil && memInfo.RSS > m.memCeiling {
		m.kill(pid, "memory ceiling exceeded")
		return
	}
}

func (m *resourceMonitor) kill(pid int32, reason string) {
	m.mu.Lock()
	m.didKill = true
	m.mu.Unlock()
	m.log.WithField("pid", pid).Warn(reason)
	_ = unix.Kill(int(pid), unix.SIGKILL)
	m.cancel()
}
