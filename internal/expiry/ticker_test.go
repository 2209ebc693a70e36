package expiry

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/internal/audit"
	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/policy"
	"github.com/pawelmojski/portcullis/internal/pool"
	"github.com/pawelmojski/portcullis/internal/registry"
	"github.com/pawelmojski/portcullis/internal/store"
)

type fakeAudits struct{}

func (fakeAudits) Record(ctx context.Context, a model.Audit) error { return nil }
func (fakeAudits) Query(ctx context.Context, since, until time.Time, sourceIP, personID, backendID string) ([]model.Audit, error) {
	return nil, nil
}

type fakeSourceIPs struct{ byAddr map[string]model.SourceIP }

func (f *fakeSourceIPs) Resolve(ctx context.Context, addr string) (model.SourceIP, error) {
	s, ok := f.byAddr[addr]
	if !ok {
		return model.SourceIP{}, trace.NotFound("no source ip %q", addr)
	}
	return s, nil
}
func (f *fakeSourceIPs) Upsert(ctx context.Context, s model.SourceIP) error { return nil }

type fakeBackends struct{ byID map[string]model.Backend }

func (f *fakeBackends) Get(ctx context.Context, id string) (model.Backend, error) {
	b, ok := f.byID[id]
	if !ok {
		return model.Backend{}, trace.NotFound("no backend %q", id)
	}
	return b, nil
}
func (f *fakeBackends) Upsert(ctx context.Context, b model.Backend) error { return nil }

type fakeAllocations struct{ byProxyIP map[string]model.Allocation }

func (f *fakeAllocations) Active(ctx context.Context, proxyIP string) (model.Allocation, error) {
	a, ok := f.byProxyIP[proxyIP]
	if !ok {
		return model.Allocation{}, trace.NotFound("no allocation for %q", proxyIP)
	}
	return a, nil
}
func (f *fakeAllocations) AllActive(ctx context.Context) ([]model.Allocation, error) {
	var out []model.Allocation
	for _, a := range f.byProxyIP {
		out = append(out, a)
	}
	return out, nil
}
func (f *fakeAllocations) Bind(ctx context.Context, proxyIP, backendID string, now time.Time) error {
	f.byProxyIP[proxyIP] = model.Allocation{ProxyIP: proxyIP, BackendID: backendID, CreatedAt: now}
	return nil
}
func (f *fakeAllocations) Release(ctx context.Context, proxyIP string, now time.Time) error {
	delete(f.byProxyIP, proxyIP)
	return nil
}

type fakeGroups struct{}

func (fakeGroups) Get(ctx context.Context, id string) (model.ServerGroup, error) { return model.ServerGroup{}, nil }
func (fakeGroups) Parent(ctx context.Context, id string) (string, error)         { return "", nil }
func (fakeGroups) Children(ctx context.Context, id string) ([]string, error)    { return nil, nil }
func (fakeGroups) MembersOf(ctx context.Context, groupID string) ([]string, error) { return nil, nil }
func (fakeGroups) GroupsContainingBackend(ctx context.Context, backendID string) ([]string, error) {
	return nil, nil
}
func (fakeGroups) SetParent(ctx context.Context, id, parentID string) error { return nil }

type fakeUserGroups struct{}

func (fakeUserGroups) Get(ctx context.Context, id string) (model.UserGroup, error) { return model.UserGroup{}, nil }
func (fakeUserGroups) Parent(ctx context.Context, id string) (string, error)       { return "", nil }
func (fakeUserGroups) Children(ctx context.Context, id string) ([]string, error)   { return nil, nil }
func (fakeUserGroups) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	return nil, nil
}
func (fakeUserGroups) GroupsContainingPerson(ctx context.Context, personID string) ([]string, error) {
	return nil, nil
}
func (fakeUserGroups) SetParent(ctx context.Context, id, parentID string) error { return nil }

type fakePolicies struct{ byID map[string]model.Policy }

func (f *fakePolicies) Get(ctx context.Context, id string) (model.Policy, error) {
	p, ok := f.byID[id]
	if !ok {
		return model.Policy{}, trace.NotFound("no policy %q", id)
	}
	return p, nil
}
func (f *fakePolicies) CandidatesFor(ctx context.Context, personID string, subjectGroupIDs []string) ([]model.Policy, error) {
	var out []model.Policy
	for _, p := range f.byID {
		if p.SubjectKind == model.SubjectPerson && p.SubjectID == personID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePolicies) Create(ctx context.Context, p model.Policy) error {
	f.byID[p.ID] = p
	return nil
}
func (f *fakePolicies) Revoke(ctx context.Context, id string) error {
	p := f.byID[id]
	p.Active = false
	f.byID[id] = p
	return nil
}

type fakeStays struct{ byID map[string]model.Stay }

func (f *fakeStays) Get(ctx context.Context, id string) (model.Stay, error) { return f.byID[id], nil }
func (f *fakeStays) Create(ctx context.Context, s model.Stay) error {
	f.byID[s.ID] = s
	return nil
}
func (f *fakeStays) ActiveMatching(ctx context.Context, personID, backendID string, protocol model.Protocol, sourceIP string) (model.Stay, error) {
	return model.Stay{}, trace.NotFound("none")
}
func (f *fakeStays) AllActive(ctx context.Context) ([]model.Stay, error) {
	var out []model.Stay
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeStays) ActiveOnProxyIP(ctx context.Context, proxyIP string) (bool, error) {
	for _, s := range f.byID {
		if s.ProxyIP == proxyIP && s.TerminationReason == "" {
			return true, nil
		}
	}
	return false, nil
}
func (f *fakeStays) UpdateCounters(ctx context.Context, id string, bytesIn, bytesOut int64) error {
	return nil
}
func (f *fakeStays) AttachRecording(ctx context.Context, id, path string) error { return nil }
func (f *fakeStays) Close(ctx context.Context, id string, reason model.TerminationReason, now time.Time, recordingBytes int64) error {
	s := f.byID[id]
	s.TerminationReason = reason
	f.byID[id] = s
	return nil
}

type fakeSessions struct{}

func (fakeSessions) Create(ctx context.Context, s model.Session) error           { return nil }
func (fakeSessions) Close(ctx context.Context, id string, now time.Time) error   { return nil }
func (fakeSessions) CountOpen(ctx context.Context, stayID string) (int, error)   { return 0, nil }

func setup(t *testing.T, now time.Time) (*Ticker, *registry.Registry, *fakeStays, *fakePolicies) {
	sourceIPs := &fakeSourceIPs{byAddr: map[string]model.SourceIP{
		"10.0.0.9": {PersonID: "person-1", CIDR: "10.0.0.9", Active: true},
	}}
	backends := &fakeBackends{byID: map[string]model.Backend{
		"backend-1": {ID: "backend-1", SSHEnabled: true, Active: true},
	}}
	allocations := &fakeAllocations{byProxyIP: map[string]model.Allocation{
		"10.1.0.1": {ProxyIP: "10.1.0.1", BackendID: "backend-1"},
	}}
	policies := &fakePolicies{byID: map[string]model.Policy{}}
	stays := &fakeStays{byID: map[string]model.Stay{}}

	st := &store.Store{
		SourceIPs:    sourceIPs,
		Backends:     backends,
		Allocations:  allocations,
		ServerGroups: fakeGroups{},
		UserGroups:   fakeUserGroups{},
		Policies:     policies,
		Stays:        stays,
		Sessions:     fakeSessions{},
	}

	p, err := pool.New(context.Background(), allocations, backends, 16, func(string) bool { return false })
	require.NoError(t, err)
	engine, err := policy.New(st, p, func() time.Time { return now })
	require.NoError(t, err)
	as := audit.New(fakeAudits{}, func() time.Time { return now }, nil, nil, nil)
	reg := registry.New(st, clockwork.NewFakeClockAt(now), as)
	ticker := New(reg, engine, policies, clockwork.NewFakeClockAt(now), nil)
	return ticker, reg, stays, policies
}

func TestTickWarnsBeforePolicyExpiry(t *testing.T) {
	now := time.Now()
	ticker, reg, stays, policies := setup(t, now)

	policies.byID["policy-1"] = model.Policy{
		ID: "policy-1", SubjectKind: model.SubjectPerson, SubjectID: "person-1",
		ScopeKind: model.ScopeServer, ScopeID: "backend-1", Protocol: model.ProtocolAny,
		StartsAt: now.Add(-time.Hour), EndsAt: now.Add(4 * time.Minute), Active: true,
	}
	stayID, err := reg.OpenSSH(context.Background(), "person-1", "policy-1", "backend-1", "10.0.0.9", "10.1.0.1")
	require.NoError(t, err)

	warnCh := ticker.Subscribe()
	ticker.tick(context.Background())

	select {
	case w := <-warnCh:
		require.Equal(t, stayID, w.StayID)
		require.False(t, w.Terminated)
	default:
		t.Fatal("expected a warning to be broadcast")
	}
	require.Equal(t, stays.byID[stayID].TerminationReason, model.TerminationReason(""))
}

func TestTickTerminatesPastPolicyExpiry(t *testing.T) {
	now := time.Now()
	ticker, reg, _, policies := setup(t, now)

	policies.byID["policy-1"] = model.Policy{
		ID: "policy-1", SubjectKind: model.SubjectPerson, SubjectID: "person-1",
		ScopeKind: model.ScopeServer, ScopeID: "backend-1", Protocol: model.ProtocolAny,
		StartsAt: now.Add(-2 * time.Hour), EndsAt: now.Add(-time.Minute), Active: true,
	}
	stayID, err := reg.OpenSSH(context.Background(), "person-1", "policy-1", "backend-1", "10.0.0.9", "10.1.0.1")
	require.NoError(t, err)

	warnCh := ticker.Subscribe()
	ticker.tick(context.Background())

	select {
	case w := <-warnCh:
		require.Equal(t, stayID, w.StayID)
		require.True(t, w.Terminated)
	default:
		t.Fatal("expected a termination warning to be broadcast")
	}
}
