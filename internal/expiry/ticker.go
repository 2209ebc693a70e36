// Package expiry implements the Expiry Ticker: a single logical timer
// that recomputes the nearest stay expiry after every Policy or Stay
// write, wakes to re-evaluate every active Stay against the Policy
// Engine, and surfaces 5-minute and 1-minute advance warnings. Grounded
// on lib/srv/sessiontracker.go's UpdateExpirationLoop (clockwork ticker
// driving a periodic re-check), generalized from one session's expiry to
// the nearest expiry across every active Stay in the Session Registry.
package expiry

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/pawelmojski/portcullis/internal/model"
	"github.com/pawelmojski/portcullis/internal/policy"
	"github.com/pawelmojski/portcullis/internal/registry"
	"github.com/pawelmojski/portcullis/internal/store"
)

// warningThresholds are the two advance-warning points spec.md §4.5
// requires: 5 minutes and 1 minute before expiry.
var warningThresholds = []time.Duration{5 * time.Minute, 1 * time.Minute}

// Warning is delivered to a front-end when a tracked stay crosses a
// warning threshold or is terminated for expiry.
type Warning struct {
	StayID      string
	MinutesLeft int
	Terminated  bool
}

// Ticker recomputes the nearest policy.ends_at/stay.ends_at across every
// active stay and wakes to re-evaluate admissions and emit warnings.
type Ticker struct {
	registry *registry.Registry
	engine   *policy.Engine
	policies store.Policies
	clock    clockwork.Clock
	log      *logrus.Entry

	mu        sync.Mutex
	warned    map[string]map[time.Duration]bool
	listeners []chan Warning

	wake chan struct{}
}

// New constructs a Ticker over reg/engine/policies, using clock for all
// time math.
func New(reg *registry.Registry, engine *policy.Engine, policies store.Policies, clock clockwork.Clock, log *logrus.Entry) *Ticker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.WithField("component", "expiry")
	}
	return &Ticker{
		registry: reg,
		engine:   engine,
		policies: policies,
		clock:    clock,
		log:      log,
		warned:   map[string]map[time.Duration]bool{},
		wake:     make(chan struct{}, 1),
	}
}

// Subscribe registers a channel that receives every Warning this ticker
// emits (spec.md §4.6). The SSH front-end relays each warning to the
// client as a keepalive@portcullis global request; warnings are not
// written into a shell channel's output stream.
func (t *Ticker) Subscribe() <-chan Warning {
	ch := make(chan Warning, 16)
	t.mu.Lock()
	t.listeners = append(t.listeners, ch)
	t.mu.Unlock()
	return ch
}

// NotifyWrite requests the ticker recompute its nearest sleep target,
// called after every Policy or Stay write per spec.md §4.5.
func (t *Ticker) NotifyWrite() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run drives the ticker loop until ctx is canceled. Every active Stay is
// fetched from the registry; the soonest of (next warning threshold, the
// stay's own expiry) determines the sleep duration, per spec.md §4.5's
// "recomputes the nearest ... and sleeps to that instant".
func (t *Ticker) Run(ctx context.Context) error {
	for {
		sleep := t.tick(ctx)
		if sleep <= 0 {
			sleep = time.Second
		}
		timer := t.clock.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-t.wake:
			timer.Stop()
		case <-timer.Chan():
		}
	}
}

func (t *Ticker) tick(ctx context.Context) time.Duration {
	now := t.clock.Now()
	stays := t.registry.AllActive()

	nearest := time.Hour
	for _, s := range stays {
		if !s.Active() {
			continue
		}

		decision, err := t.engine.Decide(ctx, s.SourceIP, s.ProxyIP, s.Protocol, "")
		if err != nil {
			t.log.WithError(err).Warn("expiry re-evaluation failed")
			continue
		}
		if !decision.Admitted {
			t.terminateForDeny(ctx, s)
			continue
		}

		p, err := t.policies.Get(ctx, s.PolicyID)
		if err != nil || !p.HasEnd() {
			continue
		}
		until := p.EndsAt.Sub(now)
		if until <= 0 {
			t.registry.Signal(s.ID, model.TerminationExpired)
			t.broadcast(Warning{StayID: s.ID, Terminated: true})
			continue
		}
		if until < nearest {
			nearest = until
		}
		for _, threshold := range warningThresholds {
			if until <= threshold {
				if !t.alreadyWarned(s.ID, threshold) {
					t.markWarned(s.ID, threshold)
					t.broadcast(Warning{StayID: s.ID, MinutesLeft: int(threshold / time.Minute)})
				}
			} else if until-threshold < nearest {
				nearest = until - threshold
			}
		}
	}
	return nearest
}

// terminateForDeny signals the right termination reason for a stay whose
// policy no longer admits it. A policy explicitly revoked (Active == false)
// produces model.TerminationRevoked; anything else admission dropped out
// from under it for (schedule, login, scope changes, or the policy's own
// ends_at having passed) is reported as model.TerminationExpired.
func (t *Ticker) terminateForDeny(ctx context.Context, s model.Stay) {
	reason := model.TerminationExpired
	if p, err := t.policies.Get(ctx, s.PolicyID); err == nil && !p.Active {
		reason = model.TerminationRevoked
	}
	t.registry.Signal(s.ID, reason)
	t.broadcast(Warning{StayID: s.ID, Terminated: true})
}

func (t *Ticker) alreadyWarned(stayID string, threshold time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warned[stayID][threshold]
}

func (t *Ticker) markWarned(stayID string, threshold time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.warned[stayID] == nil {
		t.warned[stayID] = map[time.Duration]bool{}
	}
	t.warned[stayID][threshold] = true
}

func (t *Ticker) broadcast(w Warning) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.listeners {
		select {
		case ch <- w:
		default:
		}
	}
}
