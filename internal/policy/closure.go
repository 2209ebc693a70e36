package policy

import (
	"context"

	"github.com/gravitational/trace"
)

// parentLookup returns the parent group ID for id, or "" if id is a root.
type parentLookup func(ctx context.Context, id string) (string, error)

// bfsAncestors walks parent links from start with a visited-set cycle
// guard, returning every ancestor group ID reached (start itself included
// only via the caller, not by this helper). It is shared by the Decide-time
// closures (groupClosureForPerson, groupClosureForBackend) and
// ValidateNoCycle; the exported GroupClosureServers/GroupClosureUsers walk
// downward with bfsDescendantMembers instead.
func bfsAncestors(ctx context.Context, start string, parent parentLookup, maxDepth int) ([]string, error) {
	visited := map[string]bool{start: true}
	var chain []string
	cur := start
	for depth := 0; depth < maxDepth; depth++ {
		p, err := parent(ctx, cur)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if p == "" {
			break
		}
		if visited[p] {
			return nil, trace.BadParameter("cycle detected in group hierarchy at %q", p)
		}
		visited[p] = true
		chain = append(chain, p)
		cur = p
	}
	return chain, nil
}

// maxGroupDepth matches spec.md §3's ServerGroup/UserGroup invariant: "max
// depth 10".
const maxGroupDepth = 10

// groupClosureForPerson returns personID's own groups plus every ancestor
// group, used as the subject set for Policy.CandidatesFor (spec.md §4.3
// step 3). Results are cached per (kind, id) and invalidated whenever a
// UserGroup's parent changes (see Engine.InvalidateGroupClosures).
func (e *Engine) groupClosureForPerson(ctx context.Context, personID string) ([]string, error) {
	if v, ok := e.closureCache.Get("person:" + personID); ok {
		return v.([]string), nil
	}
	direct, err := e.store.UserGroups.GroupsContainingPerson(ctx, personID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]bool{}
	for _, g := range direct {
		out[g] = true
		ancestors, err := bfsAncestors(ctx, g, e.store.UserGroups.Parent, maxGroupDepth)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			out[a] = true
		}
	}
	result := keys(out)
	e.closureCache.Add("person:"+personID, result)
	return result, nil
}

// groupClosureForBackend returns backendID's own groups plus every
// ancestor group, the subject of spec.md §4.3 step 4.
func (e *Engine) groupClosureForBackend(ctx context.Context, backendID string) ([]string, error) {
	if v, ok := e.closureCache.Get("backend:" + backendID); ok {
		return v.([]string), nil
	}
	direct, err := e.store.ServerGroups.GroupsContainingBackend(ctx, backendID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]bool{}
	for _, g := range direct {
		out[g] = true
		ancestors, err := bfsAncestors(ctx, g, e.store.ServerGroups.Parent, maxGroupDepth)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			out[a] = true
		}
	}
	result := keys(out)
	e.closureCache.Add("backend:"+backendID, result)
	return result, nil
}

// bfsDescendantMembers walks children links from start (start included)
// with a visited-set cycle guard, unioning every member returned by
// members() across start and each reachable descendant subgroup. This is
// the reverse-direction counterpart to bfsAncestors: bfsAncestors climbs
// toward the root to build a subject/scope's candidate groups, this walks
// down from a group to enumerate everything under it.
func bfsDescendantMembers(ctx context.Context, start string, children, members func(ctx context.Context, id string) ([]string, error), maxDepth int) ([]string, error) {
	visited := map[string]bool{start: true}
	queue := []string{start}
	out := map[string]bool{}
	for depth := 0; len(queue) > 0; depth++ {
		if depth > maxDepth {
			return nil, trace.BadParameter("group hierarchy exceeds max depth %d", maxDepth)
		}
		var next []string
		for _, g := range queue {
			ms, err := members(ctx, g)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, m := range ms {
				out[m] = true
			}
			kids, err := children(ctx, g)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			for _, k := range kids {
				if !visited[k] {
					visited[k] = true
					next = append(next, k)
				}
			}
		}
		queue = next
	}
	return keys(out), nil
}

// GroupClosureServers implements spec.md §4.3's public group_closure
// operation for the server-group hierarchy: the transitive set of backend
// IDs reachable from groupID through its own membership and every
// descendant subgroup's membership. Unlike groupClosureForBackend (a
// private ancestor walk used internally by Decide to build a backend's
// candidate groups), this walks downward from groupID and is exposed for
// admin tooling that asks "what does granting access to this group reach".
func (e *Engine) GroupClosureServers(ctx context.Context, groupID string) ([]string, error) {
	return bfsDescendantMembers(ctx, groupID, e.store.ServerGroups.Children, e.store.ServerGroups.MembersOf, maxGroupDepth)
}

// GroupClosureUsers is the user-group-hierarchy instance of the public
// group_closure operation: the transitive set of person IDs reachable from
// groupID through its own membership and every descendant subgroup's
// membership.
func (e *Engine) GroupClosureUsers(ctx context.Context, groupID string) ([]string, error) {
	return bfsDescendantMembers(ctx, groupID, e.store.UserGroups.Children, e.store.UserGroups.MembersOf, maxGroupDepth)
}

// ValidateNoCycle reports whether reparenting groupID under newParentID
// would introduce a cycle, per spec.md §4.3.
func (e *Engine) ValidateNoCycle(ctx context.Context, parent parentLookup, groupID, newParentID string) error {
	if groupID == newParentID {
		return trace.BadParameter("group %q cannot be its own parent", groupID)
	}
	_, err := bfsAncestors(ctx, newParentID, parent, maxGroupDepth)
	if err != nil {
		return trace.Wrap(err)
	}
	// Walking from newParentID upward must never reach groupID; otherwise
	// groupID is already an ancestor of newParentID and reparenting would
	// close a loop.
	visited := map[string]bool{newParentID: true}
	cur := newParentID
	for depth := 0; depth < maxGroupDepth; depth++ {
		p, err := parent(ctx, cur)
		if err != nil {
			return trace.Wrap(err)
		}
		if p == "" {
			return nil
		}
		if p == groupID {
			return trace.BadParameter("reparenting %q under %q would create a cycle", groupID, newParentID)
		}
		if visited[p] {
			return trace.BadParameter("cycle detected in group hierarchy at %q", p)
		}
		visited[p] = true
		cur = p
	}
	return trace.BadParameter("group hierarchy exceeds max depth %d", maxGroupDepth)
}

// ValidateNoCycleServerGroup is the server-group-hierarchy instance of
// validate_no_cycle (spec.md §4.3).
func (e *Engine) ValidateNoCycleServerGroup(ctx context.Context, groupID, newParentID string) error {
	return e.ValidateNoCycle(ctx, e.store.ServerGroups.Parent, groupID, newParentID)
}

// ValidateNoCycleUserGroup is the user-group-hierarchy instance of
// validate_no_cycle (spec.md §4.3).
func (e *Engine) ValidateNoCycleUserGroup(ctx context.Context, groupID, newParentID string) error {
	return e.ValidateNoCycle(ctx, e.store.UserGroups.Parent, groupID, newParentID)
}

// InvalidateGroupClosures drops every cached group-closure result,
// invalidated whenever a UserGroup or ServerGroup parent changes, per
// spec.md §9's "explicit invalidate operations tied to writer commits".
func (e *Engine) InvalidateGroupClosures() {
	e.closureCache.Purge()
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
