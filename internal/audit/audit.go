// Package audit implements the Audit Sink: one append-only row per
// admission decision, Stay close, Policy write, and Allocation change,
// written synchronously with the event that produced it (spec.md §4.9).
// Grounded on lib/srv/session_control.go's emitRejection-on-deny pattern,
// generalized from SSH-specific rejection events to every decision kind
// this gateway makes.
package audit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/store"
)

const (
	KindAdmission     = "admission"
	KindStayClose     = "stay_close"
	KindPolicyWrite   = "policy_write"
	KindAllocationChg = "allocation_change"
)

// Sink writes Audit rows and increments the admission/deny counters
// exposed by internal/metrics.
type Sink struct {
	audits store.Audits
	clock  func() time.Time
	log    *logrus.Entry

	admits *prometheus.CounterVec
	denies *prometheus.CounterVec
}

// New constructs a Sink. now is typically clockwork.Clock.Now.
func New(audits store.Audits, now func() time.Time, log *logrus.Entry, admits, denies *prometheus.CounterVec) *Sink {
	if log == nil {
		log = logrus.WithField("component", "audit")
	}
	return &Sink{audits: audits, clock: now, log: log, admits: admits, denies: denies}
}

// RecordAdmission writes an admission-decision Audit row, the way every
// accept/deny in the SSH and RDP front-ends does.
func (s *Sink) RecordAdmission(ctx context.Context, actor, sourceIP, backendID string, protocol model.Protocol, admitted bool, reason string) {
	a := model.Audit{
		ID:        store.NewID(),
		At:        s.clock(),
		Actor:     actor,
		Kind:      KindAdmission,
		SourceIP:  sourceIP,
		BackendID: backendID,
		Protocol:  protocol,
		Admitted:  admitted,
		Reason:    reason,
	}
	if err := s.audits.Record(ctx, a); err != nil {
		// A best-effort local log stands in for the DB write so that a
		// proxy event never blocks on audit-sink failure (spec.md §4.9).
		s.log.WithError(err).WithField("kind", a.Kind).Error("failed to persist audit row")
	}
	if admitted && s.admits != nil {
		s.admits.WithLabelValues(string(protocol)).Inc()
	}
	if !admitted && s.denies != nil {
		s.denies.WithLabelValues(string(protocol), reason).Inc()
	}
}

// RecordStayClose writes a Stay-close Audit row.
func (s *Sink) RecordStayClose(ctx context.Context, stay model.Stay) {
	a := model.Audit{
		ID:        store.NewID(),
		At:        s.clock(),
		Actor:     stay.PersonID,
		Kind:      KindStayClose,
		SourceIP:  stay.SourceIP,
		BackendID: stay.BackendID,
		Protocol:  stay.Protocol,
		Admitted:  true,
		Reason:    string(stay.TerminationReason),
		Detail:    stay.ID,
	}
	if err := s.audits.Record(ctx, a); err != nil {
		s.log.WithError(err).Error("failed to persist stay-close audit row")
	}
}

// RecordPolicyWrite writes a Policy-write Audit row (create or revoke).
func (s *Sink) RecordPolicyWrite(ctx context.Context, actor, policyID, action string) {
	a := model.Audit{
		ID:       store.NewID(),
		At:       s.clock(),
		Actor:    actor,
		Kind:     KindPolicyWrite,
		Admitted: true,
		Reason:   action,
		Detail:   policyID,
	}
	if err := s.audits.Record(ctx, a); err != nil {
		s.log.WithError(err).Error("failed to persist policy-write audit row")
	}
}

// RecordAllocationChange writes an Allocation-change Audit row (bind or
// release).
func (s *Sink) RecordAllocationChange(ctx context.Context, actor, proxyIP, backendID, action string) {
	a := model.Audit{
		ID:        store.NewID(),
		At:        s.clock(),
		Actor:     actor,
		Kind:      KindAllocationChg,
		BackendID: backendID,
		Admitted:  true,
		Reason:    action,
		Detail:    proxyIP,
	}
	if err := s.audits.Record(ctx, a); err != nil {
		s.log.WithError(err).Error("failed to persist allocation-change audit row")
	}
}
