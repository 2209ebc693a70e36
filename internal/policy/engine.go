// Package policy implements the Policy Engine: given (source IP,
// destination proxy IP, protocol, login?) it returns an Admit or a Deny
// with a reason, following the evaluation order in spec.md §4.3. The
// engine is a value constructed at startup and injected into front-ends
// (spec.md §9), never global state; its only cache (group-closure BFS
// results) is invalidated explicitly by the writers in this package.
package policy

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru"

	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/pool"
	"github.com/pawelmojski/portcullis/internal/store"
)

// DenyReason enumerates spec.md §4.3's Deny reasons.
type DenyReason string

const (
	ReasonNoPersonForSourceIP DenyReason = "no_person_for_source_ip"
	ReasonNoBackendForProxyIP DenyReason = "no_backend_for_proxy_ip"
	ReasonNoMatchingPolicy    DenyReason = "no_matching_policy"
	ReasonPolicyExpired       DenyReason = "policy_expired"
	ReasonOutsideSchedule     DenyReason = "outside_schedule"
	ReasonProtocolNotAllowed  DenyReason = "protocol_not_allowed"
	ReasonLoginNotPermitted   DenyReason = "login_not_permitted"
	ReasonBackendDisabled     DenyReason = "backend_disabled"
)

// specificity orders reasons as required by spec.md §4.3 step 8: "the most
// specific reason observed among the failures (ordered: no_matching_policy
// > policy_expired > outside_schedule > protocol_not_allowed >
// login_not_permitted)". Higher index wins: the later a reason appears in
// that list, the more specific it is.
var specificity = map[DenyReason]int{
	ReasonNoMatchingPolicy:   0,
	ReasonPolicyExpired:      1,
	ReasonOutsideSchedule:    2,
	ReasonProtocolNotAllowed: 3,
	ReasonLoginNotPermitted:  4,
}

// Decision is the result of Decide: exactly one of Admit or Deny is set.
type Decision struct {
	Admitted bool

	// Admit fields.
	Backend             model.Backend
	PersonID            string
	PolicyID            string
	AllowPortForwarding bool
	SSHLoginFilter      []string

	// Deny field.
	Reason DenyReason
}

// Engine evaluates (src_ip, proxy_ip, protocol, login?) against the Policy
// Store and returns a Decision. Constructed once at startup.
type Engine struct {
	store *store.Store
	pool  *pool.Pool
	clock interface{ Now() time.Time }

	closureCache *lru.Cache
}

// clockFunc adapts a plain function to the engine's minimal clock
// interface so tests can inject clockwork.FakeClock without this package
// importing clockwork for its own sake.
type clockFunc func() time.Time

func (f clockFunc) Now() time.Time { return f() }

// New constructs an Engine. now is typically clockwork.Clock.Now.
func New(s *store.Store, p *pool.Pool, now func() time.Time) (*Engine, error) {
	cache, err := lru.New(1024)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{store: s, pool: p, clock: clockFunc(now), closureCache: cache}, nil
}

// Decide implements spec.md §4.3's evaluation order.
func (e *Engine) Decide(ctx context.Context, srcIP, proxyIP string, protocol model.Protocol, login string) (Decision, error) {
	// Step 1: map src_ip to person.
	sourceIP, err := e.store.SourceIPs.Resolve(ctx, srcIP)
	if err != nil {
		return Decision{Reason: ReasonNoPersonForSourceIP}, nil
	}

	// Step 2: map proxy_ip to backend via Pool.
	entry, err := e.pool.Resolve(ctx, proxyIP)
	if err != nil {
		return Decision{Reason: ReasonNoBackendForProxyIP}, nil
	}
	if !entry.Backend.Active {
		return Decision{Reason: ReasonBackendDisabled}, nil
	}
	if !entry.Backend.SupportsProtocol(protocol) {
		return Decision{Reason: ReasonProtocolNotAllowed}, nil
	}

	// Step 3: person's transitive user-group set.
	userGroups, err := e.groupClosureForPerson(ctx, sourceIP.PersonID)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}

	// Step 4: backend's transitive server-group set.
	serverGroups, err := e.groupClosureForBackend(ctx, entry.Backend.ID)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}

	// Step 5: enumerate candidates.
	candidates, err := e.store.Policies.CandidatesFor(ctx, sourceIP.PersonID, userGroups)
	if err != nil {
		return Decision{}, trace.Wrap(err)
	}

	now := e.clock.Now()
	bestReason := ReasonNoMatchingPolicy
	for _, p := range candidates {
		if !p.Active {
			continue
		}
		if !scopeIncludesBackend(p, entry.Backend.ID, serverGroups) {
			continue
		}
		if p.Protocol != model.ProtocolAny && p.Protocol != protocol {
			continue
		}

		// Step 6: time window and schedule.
		if now.Before(p.StartsAt) || (p.HasEnd() && !now.Before(p.EndsAt)) {
			bestReason = sharpest(bestReason, ReasonPolicyExpired)
			continue
		}
		if p.Schedule != nil && !p.Schedule.Contains(now) {
			bestReason = sharpest(bestReason, ReasonOutsideSchedule)
			continue
		}

		// Step 7: login filter (SSH only).
		if login != "" && len(p.SSHLogins) > 0 && !contains(p.SSHLogins, login) {
			bestReason = sharpest(bestReason, ReasonLoginNotPermitted)
			continue
		}

		// Step 8: first surviving candidate wins.
		return Decision{
			Admitted:            true,
			Backend:             entry.Backend,
			PersonID:            sourceIP.PersonID,
			PolicyID:            p.ID,
			AllowPortForwarding: p.AllowPortForwarding,
			SSHLoginFilter:      p.SSHLogins,
		}, nil
	}

	return Decision{Reason: bestReason}, nil
}

func sharpest(current, candidate DenyReason) DenyReason {
	if specificity[candidate] > specificity[current] {
		return candidate
	}
	return current
}

func contains(haystack []string, needle string) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func scopeIncludesBackend(p model.Policy, backendID string, serverGroups []string) bool {
	switch p.ScopeKind {
	case model.ScopeServer, model.ScopeService:
		return p.ScopeID == backendID
	case model.ScopeServerGroup:
		for _, g := range serverGroups {
			if g == p.ScopeID {
				return true
			}
		}
		return false
	default:
		return false
	}
}
