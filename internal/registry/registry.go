// Package registry implements the Session Registry: it owns the set of
// live Stays, dedupes RDP sub-connections, folds in byte counters, and
// signals termination to front-ends. The state machine and broadcast
// mechanism are grounded on lib/srv/sessiontracker.go's sync.Cond-based
// SessionTracker, generalized from per-participant session state to the
// Stay lifecycle {opening -> admitted -> closing -> closed} called for by
// spec.md §9's design note on replacing callback-chained disconnect
// observers with one merged termination channel.
package registry

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/store"
)

// State is a Stay's position in its lifecycle state machine.
type State int

const (
	StateOpening State = iota
	StateAdmitted
	StateClosing
	StateClosed
)

// rdpDedupWindow is the window within which a new RDP TCP connection from
// the same (person, backend, source IP) reuses the existing Stay instead
// of creating a new one (spec.md §4.4).
const rdpDedupWindow = 10 * time.Second

// entry is the in-memory bookkeeping for one live (or just-closed) Stay.
type entry struct {
	mu    sync.Mutex
	cond  *sync.Cond
	state State

	stay   model.Stay
	reason model.TerminationReason

	openSessions int
	// graceTimer is armed when an RDP stay's last session closes; if it
	// fires before a new session arrives, the stay itself closes.
	graceTimer clockwork.Timer
}

// Registry tracks every live Stay and exposes open/close/subscribe
// operations to the front-ends, backed by the Policy Store for
// persistence.
type Registry struct {
	store *store.Store
	clock clockwork.Clock
	audit *audit.Sink

	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs a Registry over store, using clock for all time
// measurements (RDP dedup window, recording stat) so tests can inject
// clockwork.NewFakeClock(). auditSink may be nil in tests that don't care
// about the close audit row; Close skips recording when it is.
func New(s *store.Store, clock clockwork.Clock, auditSink *audit.Sink) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{store: s, clock: clock, audit: auditSink, entries: map[string]*entry{}}
}

// OpenSSH creates a new Stay for an SSH admission. SSH stays are never
// deduped (only RDP sub-connections are, per spec.md §4.4).
func (r *Registry) OpenSSH(ctx context.Context, personID, policyID, backendID, srcIP, proxyIP string) (string, error) {
	return r.open(ctx, personID, policyID, backendID, model.ProtocolSSH, srcIP, proxyIP)
}

// OpenRDP creates or reuses a Stay for an RDP admission, implementing the
// sub-connection dedup rule of spec.md §4.4: an active stay with identical
// (person, backend, protocol=rdp, source_ip) started less than 10s ago is
// reused instead of creating a new Stay.
func (r *Registry) OpenRDP(ctx context.Context, personID, policyID, backendID, srcIP, proxyIP string) (string, error) {
	existing, err := r.store.Stays.ActiveMatching(ctx, personID, backendID, model.ProtocolRDP, srcIP)
	if err == nil && r.clock.Now().Sub(existing.StartedAt) < rdpDedupWindow {
		r.mu.Lock()
		e, tracked := r.entries[existing.ID]
		r.mu.Unlock()
		if tracked {
			e.mu.Lock()
			e.openSessions++
			if e.graceTimer != nil {
				e.graceTimer.Stop()
				e.graceTimer = nil
			}
			e.mu.Unlock()
			return existing.ID, nil
		}
	}
	return r.open(ctx, personID, policyID, backendID, model.ProtocolRDP, srcIP, proxyIP)
}

func (r *Registry) open(ctx context.Context, personID, policyID, backendID string, protocol model.Protocol, srcIP, proxyIP string) (string, error) {
	stay := model.Stay{
		ID:        store.NewID(),
		PersonID:  personID,
		PolicyID:  policyID,
		BackendID: backendID,
		Protocol:  protocol,
		SourceIP:  srcIP,
		ProxyIP:   proxyIP,
		StartedAt: r.clock.Now(),
	}
	if err := r.store.Stays.Create(ctx, stay); err != nil {
		return "", trace.Wrap(err)
	}
	e := &entry{state: StateAdmitted, stay: stay, openSessions: 1}
	e.cond = sync.NewCond(&e.mu)
	r.mu.Lock()
	r.entries[stay.ID] = e
	r.mu.Unlock()
	return stay.ID, nil
}

// NewSession records a new Session row under stayID and bumps the open
// session count used for RDP dedup bookkeeping.
func (r *Registry) NewSession(ctx context.Context, stayID string, kind model.SessionKind) (string, error) {
	r.mu.Lock()
	e, ok := r.entries[stayID]
	r.mu.Unlock()
	if !ok {
		return "", trace.NotFound("stay %q not tracked", stayID)
	}
	sess := model.Session{ID: store.NewID(), StayID: stayID, StartedAt: r.clock.Now(), Kind: kind}
	if err := r.store.Sessions.Create(ctx, sess); err != nil {
		return "", trace.Wrap(err)
	}
	e.mu.Lock()
	e.openSessions++
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.mu.Unlock()
	return sess.ID, nil
}

// CloseSession closes a Session row. If it was the last open session of an
// RDP stay, a 10s grace timer is armed; if no new session arrives before
// it fires, the stay itself closes (spec.md §4.4).
func (r *Registry) CloseSession(ctx context.Context, stayID, sessionID string) error {
	if err := r.store.Sessions.Close(ctx, sessionID, r.clock.Now()); err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	e, ok := r.entries[stayID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	e.openSessions--
	isRDP := e.stay.Protocol == model.ProtocolRDP
	remaining := e.openSessions
	e.mu.Unlock()

	if isRDP && remaining <= 0 {
		e.mu.Lock()
		if e.graceTimer == nil {
			e.graceTimer = r.clock.AfterFunc(rdpDedupWindow, func() {
				e.mu.Lock()
				stillEmpty := e.openSessions <= 0
				e.mu.Unlock()
				if stillEmpty {
					_ = r.Close(context.Background(), stayID, model.TerminationClientClosed)
				}
			})
		}
		e.mu.Unlock()
	}
	return nil
}

// UpdateCounters folds a (bytes_in, bytes_out) delta into the stay record,
// called by front-ends at least once per second under load (spec.md §4.4).
func (r *Registry) UpdateCounters(ctx context.Context, stayID string, bytesIn, bytesOut int64) error {
	return trace.Wrap(r.store.Stays.UpdateCounters(ctx, stayID, bytesIn, bytesOut))
}

// AttachRecording attaches the recording file path the first time a
// front-end writes to it.
func (r *Registry) AttachRecording(ctx context.Context, stayID, path string) error {
	return trace.Wrap(r.store.Stays.AttachRecording(ctx, stayID, path))
}

// Subscribe returns a channel that receives the stay's termination reason
// exactly once, the first of (a) an explicit Signal call, (b) a Close
// call. Front-ends additionally race this channel against peer-close and
// local I/O errors themselves (spec.md §4.4).
func (r *Registry) Subscribe(stayID string) (<-chan model.TerminationReason, error) {
	r.mu.Lock()
	e, ok := r.entries[stayID]
	r.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("stay %q not tracked", stayID)
	}
	ch := make(chan model.TerminationReason, 1)
	go func() {
		e.mu.Lock()
		for e.state != StateClosing && e.state != StateClosed {
			e.cond.Wait()
		}
		reason := e.reason
		e.mu.Unlock()
		ch <- reason
	}()
	return ch, nil
}

// Signal marks stayID for termination with reason, waking every
// subscriber, without yet persisting the close (the owning front-end task
// performs the actual teardown and then calls Close).
func (r *Registry) Signal(stayID string, reason model.TerminationReason) {
	r.mu.Lock()
	e, ok := r.entries[stayID]
	r.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.state == StateAdmitted {
		e.state = StateClosing
		e.reason = reason
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Close persists the Stay's end, stats the recording file, and wakes any
// remaining subscribers. Idempotent: a closed stay is dropped from
// tracking, so closing it again (or closing an untracked stay) is a no-op.
func (r *Registry) Close(ctx context.Context, stayID string, reason model.TerminationReason) error {
	r.mu.Lock()
	e, ok := r.entries[stayID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	if e.reason == "" {
		e.reason = reason
	}
	finalReason := e.reason
	recordingBytes := e.stay.RecordingBytes
	e.cond.Broadcast()
	e.mu.Unlock()

	if s, err := r.store.Stays.Get(ctx, stayID); err == nil && s.RecordingPath != "" {
		if fi, err := os.Stat(s.RecordingPath); err == nil {
			recordingBytes = fi.Size()
		}
	}

	if err := r.store.Stays.Close(ctx, stayID, finalReason, r.clock.Now(), recordingBytes); err != nil {
		return trace.Wrap(err)
	}

	if r.audit != nil {
		closed := e.stay
		closed.TerminationReason = finalReason
		closed.RecordingBytes = recordingBytes
		r.audit.RecordStayClose(ctx, closed)
	}

	r.mu.Lock()
	delete(r.entries, stayID)
	r.mu.Unlock()
	return nil
}

// ActiveStayOnProxyIP reports whether any tracked stay is currently open
// on proxyIP, consulted by internal/pool before allowing a rebind.
func (r *Registry) ActiveStayOnProxyIP(proxyIP string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.mu.Lock()
		active := e.stay.ProxyIP == proxyIP && e.state != StateClosed
		e.mu.Unlock()
		if active {
			return true
		}
	}
	return false
}

// AllActive returns the in-memory Stay snapshot of every tracked stay,
// used by the Expiry Ticker to recompute the nearest expiry.
func (r *Registry) AllActive() []model.Stay {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Stay, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		out = append(out, e.stay)
		e.mu.Unlock()
	}
	return out
}

// RestoreActive re-tracks every still-active Stay found in the Policy
// Store at startup, satisfying spec.md §8 invariant 4 ("every stay
// closes"): a restart must not leave orphaned in-memory entries untracked.
func (r *Registry) RestoreActive(ctx context.Context) error {
	stays, err := r.store.Stays.AllActive(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stays {
		e := &entry{state: StateAdmitted, stay: s, openSessions: 1}
		e.cond = sync.NewCond(&e.mu)
		r.entries[s.ID] = e
	}
	return nil
}
