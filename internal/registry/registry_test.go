package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/store"
)

type fakeAudits struct {
	mu  sync.Mutex
	rows []model.Audit
}

func (f *fakeAudits) Record(ctx context.Context, a model.Audit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, a)
	return nil
}

func (f *fakeAudits) Query(ctx context.Context, since, until time.Time, sourceIP, personID, backendID string) ([]model.Audit, error) {
	return nil, nil
}

type fakeStays struct {
	mu    sync.Mutex
	stays map[string]model.Stay
}

func newFakeStays() *fakeStays { return &fakeStays{stays: map[string]model.Stay{}} }

func (f *fakeStays) Get(ctx context.Context, id string) (model.Stay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stays[id]
	if !ok {
		return model.Stay{}, trace.NotFound("stay %q", id)
	}
	return s, nil
}

func (f *fakeStays) Create(ctx context.Context, s model.Stay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stays[s.ID] = s
	return nil
}

func (f *fakeStays) ActiveMatching(ctx context.Context, personID, backendID string, protocol model.Protocol, sourceIP string) (model.Stay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stays {
		if s.PersonID == personID && s.BackendID == backendID && s.Protocol == protocol && s.SourceIP == sourceIP && s.TerminationReason == "" {
			return s, nil
		}
	}
	return model.Stay{}, trace.NotFound("no active stay")
}

func (f *fakeStays) AllActive(ctx context.Context) ([]model.Stay, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Stay
	for _, s := range f.stays {
		if s.TerminationReason == "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStays) ActiveOnProxyIP(ctx context.Context, proxyIP string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.stays {
		if s.ProxyIP == proxyIP && s.TerminationReason == "" {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStays) UpdateCounters(ctx context.Context, id string, bytesIn, bytesOut int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stays[id]
	if !ok {
		return trace.NotFound("stay %q", id)
	}
	s.BytesIn += bytesIn
	s.BytesOut += bytesOut
	f.stays[id] = s
	return nil
}

func (f *fakeStays) AttachRecording(ctx context.Context, id, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stays[id]
	if !ok {
		return trace.NotFound("stay %q", id)
	}
	s.RecordingPath = path
	f.stays[id] = s
	return nil
}

func (f *fakeStays) Close(ctx context.Context, id string, reason model.TerminationReason, now time.Time, recordingBytes int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stays[id]
	if !ok {
		return trace.NotFound("stay %q", id)
	}
	s.TerminationReason = reason
	s.EndsAt = now
	s.RecordingBytes = recordingBytes
	f.stays[id] = s
	return nil
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]model.Session
}

func newFakeSessions() *fakeSessions { return &fakeSessions{sessions: map[string]model.Session{}} }

func (f *fakeSessions) Create(ctx context.Context, s model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeSessions) Close(ctx context.Context, id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessions) CountOpen(ctx context.Context, stayID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sessions {
		if s.StayID == stayID {
			n++
		}
	}
	return n, nil
}

func newTestRegistry(clock clockwork.Clock) (*Registry, *fakeStays, *fakeAudits) {
	stays := newFakeStays()
	st := &store.Store{Stays: stays, Sessions: newFakeSessions()}
	audits := &fakeAudits{}
	as := audit.New(audits, clock.Now, nil, nil, nil)
	return New(st, clock, as), stays, audits
}

func TestOpenSSHNeverDedupes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, stays, _ := newTestRegistry(clock)
	ctx := context.Background()

	id1, err := r.OpenSSH(ctx, "person-1", "policy-1", "backend-1", "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)
	id2, err := r.OpenSSH(ctx, "person-1", "policy-1", "backend-1", "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.Len(t, stays.stays, 2)
}

func TestOpenRDPDedupesWithinWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, stays, _ := newTestRegistry(clock)
	ctx := context.Background()

	id1, err := r.OpenRDP(ctx, "person-1", "policy-1", "backend-1", "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	id2, err := r.OpenRDP(ctx, "person-1", "policy-1", "backend-1", "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, stays.stays, 1)

	clock.Advance(11 * time.Second)
	id3, err := r.OpenRDP(ctx, "person-1", "policy-1", "backend-1", "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
	require.Len(t, stays.stays, 2)
}

func TestCloseIsIdempotentAndWakesSubscribers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r, stays, audits := newTestRegistry(clock)
	ctx := context.Background()

	id, err := r.OpenSSH(ctx, "person-1", "policy-1", "backend-1", "10.0.0.1", "10.1.0.1")
	require.NoError(t, err)

	termCh, err := r.Subscribe(id)
	require.NoError(t, err)

	r.Signal(id, model.TerminationRevoked)
	require.NoError(t, r.Close(ctx, id, model.TerminationClientClosed))

	select {
	case reason := <-termCh:
		require.Equal(t, model.TerminationRevoked, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not woken")
	}

	require.NoError(t, r.Close(ctx, id, model.TerminationClientClosed))
	require.Equal(t, model.TerminationRevoked, stays.stays[id].TerminationReason)

	require.Len(t, audits.rows, 1)
	require.Equal(t, "stay_close", audits.rows[0].Kind)
	require.Equal(t, "revoked", audits.rows[0].Reason)
}

func TestSubscribeUnknownStay(t *testing.T) {
	r, _, _ := newTestRegistry(clockwork.NewFakeClock())
	_, err := r.Subscribe("does-not-exist")
	require.True(t, trace.IsNotFound(err))
}
