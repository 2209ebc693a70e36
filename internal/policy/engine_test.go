package policy

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/pool"
	"github.com/pawelmojski/portcullis/internal/store"
)

type fakeSourceIPs struct{ byAddr map[string]model.SourceIP }

func (f *fakeSourceIPs) Resolve(ctx context.Context, addr string) (model.SourceIP, error) {
	s, ok := f.byAddr[addr]
	if !ok {
		return model.SourceIP{}, trace.NotFound("no source ip %q", addr)
	}
	return s, nil
}
func (f *fakeSourceIPs) Upsert(ctx context.Context, s model.SourceIP) error {
	f.byAddr[s.CIDR] = s
	return nil
}

type fakeBackends struct{ byID map[string]model.Backend }

func (f *fakeBackends) Get(ctx context.Context, id string) (model.Backend, error) {
	b, ok := f.byID[id]
	if !ok {
		return model.Backend{}, trace.NotFound("no backend %q", id)
	}
	return b, nil
}
func (f *fakeBackends) Upsert(ctx context.Context, b model.Backend) error {
	f.byID[b.ID] = b
	return nil
}

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

// fakeGroups is the zero-value-usable fake ServerGroups repository most
// tests construct as fakeGroups{}; tests that exercise the group hierarchy
// (parent/children/members) populate its maps directly.
type fakeGroups struct {
	parents    map[string]string
	children   map[string][]string
	membersOf  map[string][]string
	containing map[string][]string
}

func (f fakeGroups) Get(ctx context.Context, id string) (model.ServerGroup, error) { return model.ServerGroup{}, nil }
func (f fakeGroups) Parent(ctx context.Context, id string) (string, error)         { return f.parents[id], nil }
func (f fakeGroups) Children(ctx context.Context, id string) ([]string, error)     { return f.children[id], nil }
func (f fakeGroups) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	return f.membersOf[groupID], nil
}
func (f fakeGroups) GroupsContainingBackend(ctx context.Context, backendID string) ([]string, error) {
	return f.containing[backendID], nil
}
func (f fakeGroups) SetParent(ctx context.Context, id, parentID string) error { return nil }

// fakeUserGroups is the user-group instance of fakeGroups.
type fakeUserGroups struct {
	parents    map[string]string
	children   map[string][]string
	membersOf  map[string][]string
	containing map[string][]string
}

func (f fakeUserGroups) Get(ctx context.Context, id string) (model.UserGroup, error) { return model.UserGroup{}, nil }
func (f fakeUserGroups) Parent(ctx context.Context, id string) (string, error)       { return f.parents[id], nil }
func (f fakeUserGroups) Children(ctx context.Context, id string) ([]string, error)   { return f.children[id], nil }
func (f fakeUserGroups) MembersOf(ctx context.Context, groupID string) ([]string, error) {
	return f.membersOf[groupID], nil
}
func (f fakeUserGroups) GroupsContainingPerson(ctx context.Context, personID string) ([]string, error) {
	return f.containing[personID], nil
}
func (f fakeUserGroups) SetParent(ctx context.Context, id, parentID string) error { return nil }

type fakePolicies struct{ all []model.Policy }

func (f *fakePolicies) Get(ctx context.Context, id string) (model.Policy, error) {
	for _, p := range f.all {
		if p.ID == id {
			return p, nil
		}
	}
	return model.Policy{}, trace.NotFound("no policy %q", id)
}
func (f *fakePolicies) CandidatesFor(ctx context.Context, personID string, subjectGroupIDs []string) ([]model.Policy, error) {
	var out []model.Policy
	for _, p := range f.all {
		if p.SubjectKind == model.SubjectPerson && p.SubjectID == personID {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePolicies) Create(ctx context.Context, p model.Policy) error {
	f.all = append(f.all, p)
	return nil
}
func (f *fakePolicies) Revoke(ctx context.Context, id string) error {
	for i, p := range f.all {
		if p.ID == id {
			f.all[i].Active = false
		}
	}
	return nil
}

func newTestEngine(t *testing.T, now time.Time) (*Engine, *fakeSourceIPs, *fakeBackends, *fakePolicies) {
	sourceIPs := &fakeSourceIPs{byAddr: map[string]model.SourceIP{}}
	backends := &fakeBackends{byID: map[string]model.Backend{}}
	allocations := &fakeAllocations{byProxyIP: map[string]model.Allocation{}}
	policies := &fakePolicies{}

	st := &store.Store{
		SourceIPs:    sourceIPs,
		Backends:     backends,
		Allocations:  allocations,
		ServerGroups: fakeGroups{},
		UserGroups:   fakeUserGroups{},
		Policies:     policies,
	}

	p, err := pool.New(context.Background(), allocations, backends, 64, func(string) bool { return false })
	require.NoError(t, err)

	e, err := New(st, p, func() time.Time { return now })
	require.NoError(t, err)
	return e, sourceIPs, backends, policies
}

func TestDecideDeniesUnknownSourceIP(t *testing.T) {
	e, _, _, _ := newTestEngine(t, time.Now())
	d, err := e.Decide(context.Background(), "10.0.0.9", "10.1.0.1", model.ProtocolSSH, "root")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoPersonForSourceIP, d.Reason)
}

func TestDecideDeniesUnknownProxyIP(t *testing.T) {
	e, sourceIPs, _, _ := newTestEngine(t, time.Now())
	sourceIPs.byAddr["10.0.0.9"] = model.SourceIP{PersonID: "person-1", CIDR: "10.0.0.9", Active: true}

	d, err := e.Decide(context.Background(), "10.0.0.9", "10.1.0.1", model.ProtocolSSH, "root")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, ReasonNoBackendForProxyIP, d.Reason)
}

func TestDecideAdmitsMatchingPolicy(t *testing.T) {
	now := time.Now()
	e, sourceIPs, backends, policies := newTestEngine(t, now)

	sourceIPs.byAddr["10.0.0.9"] = model.SourceIP{PersonID: "person-1", CIDR: "10.0.0.9", Active: true}
	backends.byID["backend-1"] = model.Backend{ID: "backend-1", SSHEnabled: true, Active: true}
	require.NoError(t, e.pool.Bind(context.Background(), "10.1.0.1", "backend-1", now))

	policies.all = []model.Policy{{
		ID:          "policy-1",
		SubjectKind: model.SubjectPerson,
		SubjectID:   "person-1",
		ScopeKind:   model.ScopeServer,
		ScopeID:     "backend-1",
		Protocol:    model.ProtocolAny,
		SSHLogins:   []string{"root"},
		StartsAt:    now.Add(-time.Hour),
		Active:      true,
	}}

	d, err := e.Decide(context.Background(), "10.0.0.9", "10.1.0.1", model.ProtocolSSH, "root")
	require.NoError(t, err)
	require.True(t, d.Admitted)
	require.Equal(t, "person-1", d.PersonID)
	require.Equal(t, "policy-1", d.PolicyID)
}

func TestDecideDeniesLoginNotPermitted(t *testing.T) {
	now := time.Now()
	e, sourceIPs, backends, policies := newTestEngine(t, now)

	sourceIPs.byAddr["10.0.0.9"] = model.SourceIP{PersonID: "person-1", CIDR: "10.0.0.9", Active: true}
	backends.byID["backend-1"] = model.Backend{ID: "backend-1", SSHEnabled: true, Active: true}
	require.NoError(t, e.pool.Bind(context.Background(), "10.1.0.1", "backend-1", now))

	policies.all = []model.Policy{{
		ID:          "policy-1",
		SubjectKind: model.SubjectPerson,
		SubjectID:   "person-1",
		ScopeKind:   model.ScopeServer,
		ScopeID:     "backend-1",
		Protocol:    model.ProtocolAny,
		SSHLogins:   []string{"ubuntu"},
		StartsAt:    now.Add(-time.Hour),
		Active:      true,
	}}

	d, err := e.Decide(context.Background(), "10.0.0.9", "10.1.0.1", model.ProtocolSSH, "root")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, ReasonLoginNotPermitted, d.Reason)
}

func TestDecideDeniesExpiredPolicy(t *testing.T) {
	now := time.Now()
	e, sourceIPs, backends, policies := newTestEngine(t, now)

	sourceIPs.byAddr["10.0.0.9"] = model.SourceIP{PersonID: "person-1", CIDR: "10.0.0.9", Active: true}
	backends.byID["backend-1"] = model.Backend{ID: "backend-1", SSHEnabled: true, Active: true}
	require.NoError(t, e.pool.Bind(context.Background(), "10.1.0.1", "backend-1", now))

	policies.all = []model.Policy{{
		ID:          "policy-1",
		SubjectKind: model.SubjectPerson,
		SubjectID:   "person-1",
		ScopeKind:   model.ScopeServer,
		ScopeID:     "backend-1",
		Protocol:    model.ProtocolAny,
		StartsAt:    now.Add(-2 * time.Hour),
		EndsAt:      now.Add(-time.Hour),
		Active:      true,
	}}

	d, err := e.Decide(context.Background(), "10.0.0.9", "10.1.0.1", model.ProtocolSSH, "")
	require.NoError(t, err)
	require.False(t, d.Admitted)
	require.Equal(t, ReasonPolicyExpired, d.Reason)
}

func TestGroupClosureServersWalksDescendantSubgroupsAndMembers(t *testing.T) {
	e, _, _, _ := newTestEngine(t, time.Now())
	e.store.ServerGroups = fakeGroups{
		children: map[string][]string{
			"prod":     {"prod-web", "prod-db"},
			"prod-web": {"prod-web-east"},
		},
		membersOf: map[string][]string{
			"prod":          {"bastion-1"},
			"prod-web":      {"web-1", "web-2"},
			"prod-web-east": {"web-east-1"},
			"prod-db":       {"db-1"},
		},
	}

	members, err := e.GroupClosureServers(context.Background(), "prod")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"bastion-1", "web-1", "web-2", "web-east-1", "db-1"}, members)
}

func TestGroupClosureServersLeafGroupReturnsOwnMembersOnly(t *testing.T) {
	e, _, _, _ := newTestEngine(t, time.Now())
	e.store.ServerGroups = fakeGroups{
		membersOf: map[string][]string{"prod-db": {"db-1"}},
	}

	members, err := e.GroupClosureServers(context.Background(), "prod-db")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"db-1"}, members)
}

func TestGroupClosureUsersWalksDescendantSubgroupsAndMembers(t *testing.T) {
	e, _, _, _ := newTestEngine(t, time.Now())
	e.store.UserGroups = fakeUserGroups{
		children: map[string][]string{"engineering": {"sre", "backend"}},
		membersOf: map[string][]string{
			"engineering": {"person-1"},
			"sre":         {"person-2"},
			"backend":     {"person-3", "person-4"},
		},
	}

	members, err := e.GroupClosureUsers(context.Background(), "engineering")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"person-1", "person-2", "person-3", "person-4"}, members)
}

// TestGroupClosureServersToleratesCycle guards against the traversal ever
// looping forever if a cycle somehow reaches this code despite
// ValidateNoCycleServerGroup normally preventing one at write time; the
// visited-set in bfsDescendantMembers must make the walk still terminate.
func TestGroupClosureServersToleratesCycle(t *testing.T) {
	e, _, _, _ := newTestEngine(t, time.Now())
	e.store.ServerGroups = fakeGroups{
		children: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
		membersOf: map[string][]string{
			"a": {"host-a"},
			"b": {"host-b"},
		},
	}

	done := make(chan struct{})
	var members []string
	var err error
	go func() {
		members, err = e.GroupClosureServers(context.Background(), "a")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("GroupClosureServers did not terminate on a cyclic hierarchy")
	}
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"host-a", "host-b"}, members)
}
