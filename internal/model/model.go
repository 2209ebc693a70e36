// Package model defines the Policy Store's core entities. Types here are
// plain structs with no ORM tags or lifecycle hooks: transitions are
// methods on the repositories in internal/store, not hooks on the struct.
package model

import "time"

// Person is the subject of accountability. Never hard-deleted while any
// Stay or Policy references it; Active is flipped instead (soft delete).
type Person struct {
	ID          string
	Handle      string
	DisplayName string
	Email       string
	Active      bool
}

// SourceIP binds a person to a CIDR or single IP they connect from. An IP
// may resolve to at most one active SourceIP (enforced at write, not here).
type SourceIP struct {
	ID       string
	PersonID string
	CIDR     string
	Label    string
	Active   bool
}

// Backend is the real target host behind a proxy IP.
type Backend struct {
	ID         string
	Name       string
	Address    string
	Port       int
	SSHEnabled bool
	RDPEnabled bool
	Active     bool
}

// Protocols reports which protocols this backend is enabled for.
func (b Backend) Protocols() []Protocol {
	var out []Protocol
	if b.SSHEnabled {
		out = append(out, ProtocolSSH)
	}
	if b.RDPEnabled {
		out = append(out, ProtocolRDP)
	}
	return out
}

// SupportsProtocol reports whether the backend is enabled for p.
func (b Backend) SupportsProtocol(p Protocol) bool {
	switch p {
	case ProtocolSSH:
		return b.SSHEnabled
	case ProtocolRDP:
		return b.RDPEnabled
	default:
		return false
	}
}

// Allocation binds a proxy IP to a backend. Exactly one active allocation
// (ReleasedAt.IsZero()) may exist per proxy IP at a time.
type Allocation struct {
	ProxyIP    string
	BackendID  string
	CreatedAt  time.Time
	ReleasedAt time.Time
}

// Active reports whether this allocation has not been released.
func (a Allocation) Active() bool {
	return a.ReleasedAt.IsZero()
}

// ServerGroup is a node in the (tree-shaped, cycle-free) server group
// hierarchy. ParentID is empty for a root group.
type ServerGroup struct {
	ID       string
	Name     string
	ParentID string
}

// GroupMember is a many-to-many edge between a ServerGroup and a Backend.
type GroupMember struct {
	GroupID   string
	BackendID string
}

// UserGroup is a node in the (tree-shaped, cycle-free) user group hierarchy.
type UserGroup struct {
	ID       string
	Name     string
	ParentID string
}

// UserGroupMember is a many-to-many edge between a UserGroup and a Person.
type UserGroupMember struct {
	GroupID  string
	PersonID string
}

// Protocol is the wire protocol a Policy, Stay, or Session concerns.
type Protocol string

const (
	ProtocolSSH Protocol = "ssh"
	ProtocolRDP Protocol = "rdp"
	ProtocolAny Protocol = "any"
)

// SubjectKind names whether a Policy's subject is a single person or a
// user group.
type SubjectKind string

const (
	SubjectPerson    SubjectKind = "person"
	SubjectUserGroup SubjectKind = "user_group"
)

// ScopeKind names what a Policy's scope resolves against.
type ScopeKind string

const (
	ScopeServerGroup ScopeKind = "server_group"
	ScopeServer      ScopeKind = "server"
	ScopeService     ScopeKind = "service"
)

// Schedule is an optional weekly recurrence gating a Policy's active window.
// Days uses time.Weekday values; StartMinute/EndMinute count minutes since
// midnight in Location's wall-clock time.
type Schedule struct {
	Location    *time.Location
	Days        []time.Weekday
	StartMinute int
	EndMinute   int
}

// Contains reports whether t, interpreted in the schedule's own location,
// falls within one of the weekly windows.
func (s Schedule) Contains(t time.Time) bool {
	local := t.In(s.Location)
	minute := local.Hour()*60 + local.Minute()
	dayOK := false
	for _, d := range s.Days {
		if local.Weekday() == d {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return false
	}
	return minute >= s.StartMinute && minute < s.EndMinute
}

// Policy is a grant from a subject (person or user group) to a scope
// (server group, server, or service) for a protocol and, for SSH, a set of
// permitted logins.
type Policy struct {
	ID                  string
	SubjectKind         SubjectKind
	SubjectID           string
	ScopeKind           ScopeKind
	ScopeID             string
	Protocol            Protocol
	SSHLogins           []string
	SourceIPID          string
	AllowPortForwarding bool
	StartsAt            time.Time
	EndsAt              time.Time // zero means no expiry
	Schedule            *Schedule
	Active              bool
	CreatedAt           time.Time
	CreatedBy           string
}

// HasEnd reports whether the policy has a bounded end time.
func (p Policy) HasEnd() bool { return !p.EndsAt.IsZero() }

// TerminationReason names why a Stay ended.
type TerminationReason string

const (
	TerminationClientClosed TerminationReason = "client_closed"
	TerminationServerClosed TerminationReason = "server_closed"
	TerminationExpired      TerminationReason = "policy_expired"
	TerminationRevoked      TerminationReason = "revoked"
	TerminationError        TerminationReason = "error"
)

// Stay is the authoritative record of one person being admitted into one
// backend under one policy, possibly spanning multiple TCP connections
// (Sessions).
type Stay struct {
	ID                string            `json:"id"`
	PersonID          string            `json:"person_id"`
	PolicyID          string            `json:"policy_id"`
	BackendID         string            `json:"backend_id"`
	Protocol          Protocol          `json:"protocol"`
	SourceIP          string            `json:"source_ip"`
	ProxyIP           string            `json:"proxy_ip"`
	StartedAt         time.Time         `json:"started_at"`
	EndsAt            time.Time         `json:"ends_at,omitempty"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	RecordingPath     string            `json:"recording_path,omitempty"`
	RecordingBytes    int64             `json:"recording_bytes,omitempty"`
	BytesIn           int64             `json:"bytes_in"`
	BytesOut          int64             `json:"bytes_out"`
}

// Active reports whether the stay has not yet been closed.
func (s Stay) Active() bool { return s.EndsAt.IsZero() }

// SessionKind names the kind of TCP connection a Session represents.
type SessionKind string

const (
	SessionShell          SessionKind = "shell"
	SessionExec           SessionKind = "exec"
	SessionSFTP           SessionKind = "sftp"
	SessionDirectTCPIP    SessionKind = "direct_tcpip"
	SessionForwardedTCPIP SessionKind = "forwarded_tcpip"
	SessionDynamic        SessionKind = "dynamic"
	SessionRDP            SessionKind = "rdp"
)

// Session is a single TCP connection inside a Stay.
type Session struct {
	ID        string
	StayID    string
	StartedAt time.Time
	EndedAt   time.Time
	Kind      SessionKind
}

// Audit is one append-only row recording an admission decision or a
// lifecycle transition.
type Audit struct {
	ID        string
	At        time.Time
	Actor     string
	Kind      string
	SourceIP  string
	BackendID string
	Protocol  Protocol
	Admitted  bool
	Reason    string
	Detail    string
}

// TranscodeStatus is the lifecycle state of a TranscodeJob.
type TranscodeStatus string

const (
	TranscodePending TranscodeStatus = "pending"
	TranscodeRunning TranscodeStatus = "running"
	TranscodeDone    TranscodeStatus = "done"
	TranscodeFailed  TranscodeStatus = "failed"
)

// TranscodeJob is a queued `.replay -> .mp4` conversion.
type TranscodeJob struct {
	ID          string
	StayID      string
	Status      TranscodeStatus
	Priority    int
	Progress    int
	Total       int
	ETASeconds  int
	OutputPath  string
	Error       string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}
