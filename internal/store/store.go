// Package store defines the Policy Store's repository interfaces. Each
// aggregate (Person, SourceIP, Backend, Allocation, groups, Policy, Stay,
// Session, Audit, TranscodeJob) gets one repository with explicit methods;
// there are no ORM lifecycle hooks, per spec.md §9's "re-architect" note.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pawelmojski/portcullis/internal/model"
)

// NewID generates a new entity identifier for Stays, Sessions, Audits, and
// TranscodeJobs, the way lib/events/api.go's resource types mint UUIDs on creation.
func NewID() string {
	return uuid.NewString()
}

// Persons is the repository for Person rows.
type Persons interface {
	Get(ctx context.Context, id string) (model.Person, error)
	GetByHandle(ctx context.Context, handle string) (model.Person, error)
	Upsert(ctx context.Context, p model.Person) error
}

// SourceIPs is the repository for SourceIP rows, resolving a connecting
// client address to the person who owns it.
type SourceIPs interface {
	// Resolve returns the active SourceIP whose CIDR contains addr,
	// preferring an exact single-IP match, then the longest-prefix CIDR.
	Resolve(ctx context.Context, addr string) (model.SourceIP, error)
	Upsert(ctx context.Context, s model.SourceIP) error
}

// Backends is the repository for Backend rows.
type Backends interface {
	Get(ctx context.Context, id string) (model.Backend, error)
	Upsert(ctx context.Context, b model.Backend) error
}

// Allocations is the repository for the proxy-IP routing table's backing
// store; internal/pool is the in-memory read-through cache in front of it.
type Allocations interface {
	// Active returns the active allocation for proxyIP, if any.
	Active(ctx context.Context, proxyIP string) (model.Allocation, error)
	// AllActive returns every currently active allocation, used to warm
	// the Pool's cache at startup.
	AllActive(ctx context.Context) ([]model.Allocation, error)
	// Bind creates a new active allocation for proxyIP. Fails with
	// trace.AlreadyExists if one is already active.
	Bind(ctx context.Context, proxyIP, backendID string, now time.Time) error
	// Release ends the active allocation for proxyIP.
	Release(ctx context.Context, proxyIP string, now time.Time) error
}

// ServerGroups is the repository for the server-group hierarchy and its
// backend membership.
type ServerGroups interface {
	Get(ctx context.Context, id string) (model.ServerGroup, error)
	Parent(ctx context.Context, id string) (string, error)
	// Children returns the IDs of every group whose parent_id is id,
	// consulted by the public group_closure operation's descendant walk
	// (spec.md §4.3) — the opposite traversal direction from Parent.
	Children(ctx context.Context, id string) ([]string, error)
	MembersOf(ctx context.Context, groupID string) ([]string, error)
	GroupsContainingBackend(ctx context.Context, backendID string) ([]string, error)
	SetParent(ctx context.Context, id, parentID string) error
}

// UserGroups is the repository for the user-group hierarchy and its
// person membership.
type UserGroups interface {
	Get(ctx context.Context, id string) (model.UserGroup, error)
	Parent(ctx context.Context, id string) (string, error)
	// Children returns the IDs of every group whose parent_id is id, the
	// user-group instance of ServerGroups.Children.
	Children(ctx context.Context, id string) ([]string, error)
	MembersOf(ctx context.Context, groupID string) ([]string, error)
	GroupsContainingPerson(ctx context.Context, personID string) ([]string, error)
	SetParent(ctx context.Context, id, parentID string) error
}

// Policies is the repository for Policy rows.
type Policies interface {
	Get(ctx context.Context, id string) (model.Policy, error)
	// CandidatesFor returns every active policy whose subject is
	// personID or one of subjectGroupIDs, ordered per spec.md §4.3:
	// (ends_at IS NULL DESC, created_at ASC).
	CandidatesFor(ctx context.Context, personID string, subjectGroupIDs []string) ([]model.Policy, error)
	Create(ctx context.Context, p model.Policy) error
	Revoke(ctx context.Context, id string) error
}

// Stays is the repository for Stay rows.
type Stays interface {
	Get(ctx context.Context, id string) (model.Stay, error)
	Create(ctx context.Context, s model.Stay) error
	// ActiveMatching returns the active stay matching the RDP dedup key
	// (person, backend, protocol, source IP), if any.
	ActiveMatching(ctx context.Context, personID, backendID string, protocol model.Protocol, sourceIP string) (model.Stay, error)
	AllActive(ctx context.Context) ([]model.Stay, error)
	// ActiveOnProxyIP reports whether any stay is currently open on
	// proxyIP, consulted by the `bind`/`unbind` CLI ops (a separate OS
	// process from the running gateway) to enforce "a proxy IP may not
	// be rebound while any stay is active on it" (spec.md §4.2) even
	// when internal/pool's in-memory callback is unreachable.
	ActiveOnProxyIP(ctx context.Context, proxyIP string) (bool, error)
	UpdateCounters(ctx context.Context, id string, bytesIn, bytesOut int64) error
	AttachRecording(ctx context.Context, id, path string) error
	Close(ctx context.Context, id string, reason model.TerminationReason, now time.Time, recordingBytes int64) error
}

// Sessions is the repository for Session rows within a Stay.
type Sessions interface {
	Create(ctx context.Context, s model.Session) error
	Close(ctx context.Context, id string, now time.Time) error
	CountOpen(ctx context.Context, stayID string) (int, error)
}

// Audits is the append-only repository for Audit rows.
type Audits interface {
	Record(ctx context.Context, a model.Audit) error
	Query(ctx context.Context, since, until time.Time, sourceIP, personID, backendID string) ([]model.Audit, error)
}

// TranscodeJobs is the repository backing the Transcode Queue.
type TranscodeJobs interface {
	Create(ctx context.Context, j model.TranscodeJob) error
	Get(ctx context.Context, id string) (model.TranscodeJob, error)
	CountByStatus(ctx context.Context, status model.TranscodeStatus) (int, error)
	// ClaimNext marks the highest-priority pending job as running and
	// returns it, or returns trace.NotFound if the queue is empty.
	ClaimNext(ctx context.Context, now time.Time) (model.TranscodeJob, error)
	UpdateProgress(ctx context.Context, id string, progress, total, etaSeconds int) error
	Complete(ctx context.Context, id, outputPath string, now time.Time) error
	Fail(ctx context.Context, id, reason string, now time.Time) error
	Rush(ctx context.Context, id string) error
}

// Store bundles every repository the gateway needs, constructed once at
// startup and injected into the components that use it (spec.md §9:
// "the engine is a value constructed at startup and injected").
type Store struct {
	Persons      Persons
	SourceIPs    SourceIPs
	Backends     Backends
	Allocations  Allocations
	ServerGroups ServerGroups
	UserGroups   UserGroups
	Policies     Policies
	Stays        Stays
	Sessions     Sessions
	Audits       Audits
	Transcode    TranscodeJobs
}
