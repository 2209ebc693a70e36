package pool

import (
	"context"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/pawelmojski/portcullis/internal/model"
)

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
	if _, ok := f.byProxyIP[proxyIP]; ok {
		return trace.AlreadyExists("proxy ip %q already bound", proxyIP)
	}
	f.byProxyIP[proxyIP] = model.Allocation{ProxyIP: proxyIP, BackendID: backendID, CreatedAt: now}
	return nil
}
func (f *fakeAllocations) Release(ctx context.Context, proxyIP string, now time.Time) error {
	delete(f.byProxyIP, proxyIP)
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

func TestResolveWarmsFromActiveAllocations(t *testing.T) {
	allocations := &fakeAllocations{byProxyIP: map[string]model.Allocation{
		"10.1.0.1": {ProxyIP: "10.1.0.1", BackendID: "backend-1"},
	}}
	backends := &fakeBackends{byID: map[string]model.Backend{
		"backend-1": {ID: "backend-1", SSHEnabled: true, Active: true},
	}}

	p, err := New(context.Background(), allocations, backends, 16, func(string) bool { return false })
	require.NoError(t, err)

	e, err := p.Resolve(context.Background(), "10.1.0.1")
	require.NoError(t, err)
	require.Equal(t, "backend-1", e.Backend.ID)
}

func TestBindRejectsWhileStayActive(t *testing.T) {
	allocations := &fakeAllocations{byProxyIP: map[string]model.Allocation{}}
	backends := &fakeBackends{byID: map[string]model.Backend{
		"backend-1": {ID: "backend-1", SSHEnabled: true, Active: true},
	}}

	p, err := New(context.Background(), allocations, backends, 16, func(string) bool { return true })
	require.NoError(t, err)

	err = p.Bind(context.Background(), "10.1.0.1", "backend-1", time.Now())
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestReleaseInvalidatesCache(t *testing.T) {
	allocations := &fakeAllocations{byProxyIP: map[string]model.Allocation{}}
	backends := &fakeBackends{byID: map[string]model.Backend{
		"backend-1": {ID: "backend-1", SSHEnabled: true, Active: true},
	}}

	p, err := New(context.Background(), allocations, backends, 16, func(string) bool { return false })
	require.NoError(t, err)
	require.NoError(t, p.Bind(context.Background(), "10.1.0.1", "backend-1", time.Now()))

	_, err = p.Resolve(context.Background(), "10.1.0.1")
	require.NoError(t, err)

	require.NoError(t, p.Release(context.Background(), "10.1.0.1", time.Now()))

	_, err = p.Resolve(context.Background(), "10.1.0.1")
	require.True(t, trace.IsNotFound(err))
}
