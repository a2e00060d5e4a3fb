// Package gate implements the quorum approval state machine guarding a
// reveal ceremony: approvals accrue per actor, an optional veto blocks the
// gate, and an optional expiry window closes it permanently.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"reveal/pkg/chain"
	"reveal/pkg/consent"
)

var (
	// ErrQuorumInvalid signals a misconfigured policy; callers must not
	// construct a gate that can never open honestly.
	ErrQuorumInvalid = errors.New("quorum must be >= 1")
	// ErrWindowExpired signals a submit against an elapsed approval window.
	// This is policy misuse, not a data error, and therefore fails hard.
	ErrWindowExpired = errors.New("approval window expired")
)

// Approval is one actor's live vote. Resubmission replaces it; revocation
// marks it without deleting history.
type Approval struct {
	Actor       string
	Approved    bool
	Reason      string
	RecordedAt  time.Time
	ConsentHash string
	Revoked     bool
}

// PublicApproval is the redacted view: the stored consent hash is never
// exposed, only whether one was supplied.
type PublicApproval struct {
	Actor      string    `json:"actor"`
	Approved   bool      `json:"approved"`
	Reason     string    `json:"reason,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	Revoked    bool      `json:"revoked"`
	HasConsent bool      `json:"has_consent"`
}

func (a Approval) Public() PublicApproval {
	return PublicApproval{
		Actor:      a.Actor,
		Approved:   a.Approved,
		Reason:     a.Reason,
		RecordedAt: a.RecordedAt,
		Revoked:    a.Revoked,
		HasConsent: a.ConsentHash != "",
	}
}

type Counts struct {
	Yes     int `json:"yes"`
	No      int `json:"no"`
	Revoked int `json:"revoked"`
}

type Status struct {
	ActionID           string           `json:"action_id"`
	Quorum             int              `json:"quorum"`
	AllowVeto          bool             `json:"allow_veto"`
	ExpirySeconds      int              `json:"expiry_seconds,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	Expired            bool             `json:"expired"`
	Open               bool             `json:"open"`
	RemainingForQuorum int              `json:"remaining_for_quorum"`
	Counts             Counts           `json:"counts"`
	Approvals          []PublicApproval `json:"approvals"`
}

// Auditor receives gate lifecycle events. A nil auditor disables emission;
// the gate never depends on audit success. *chain.Chain satisfies this.
type Auditor interface {
	Append(ctx context.Context, actor, action string, eventCtx, payload map[string]interface{}) chain.Entry
}

type Config struct {
	ActionID      string
	Quorum        int
	AllowVeto     bool
	ExpirySeconds int
	Hasher        *consent.Hasher
	Audit         Auditor
}

type Gatekeeper struct {
	actionID      string
	quorum        int
	allowVeto     bool
	expirySeconds int
	hasher        *consent.Hasher
	audit         Auditor
	now           func() time.Time

	mu        sync.Mutex
	createdAt time.Time
	approvals map[string]*Approval
}

func New(cfg Config) (*Gatekeeper, error) {
	if cfg.Quorum < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrQuorumInvalid, cfg.Quorum)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = consent.NewHasher("")
	}
	g := &Gatekeeper{
		actionID:      cfg.ActionID,
		quorum:        cfg.Quorum,
		allowVeto:     cfg.AllowVeto,
		expirySeconds: cfg.ExpirySeconds,
		hasher:        hasher,
		audit:         cfg.Audit,
		now:           time.Now,
	}
	g.createdAt = g.now().UTC()
	if g.actionID == "" {
		g.actionID = fmt.Sprintf("act_%d", g.createdAt.Unix())
	}
	g.approvals = map[string]*Approval{}
	return g, nil
}

// SetNow overrides the clock; tests only.
func (g *Gatekeeper) SetNow(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

func (g *Gatekeeper) ActionID() string { return g.actionID }

// Submit upserts the actor's approval: one live vote per actor, later
// submissions replace earlier ones. Fails hard once the window has elapsed.
func (g *Gatekeeper) Submit(ctx context.Context, actor string, approved bool, consentSecret, reason string) (Approval, error) {
	g.mu.Lock()
	if g.expiredLocked() {
		g.mu.Unlock()
		return Approval{}, ErrWindowExpired
	}
	entry := Approval{
		Actor:      actor,
		Approved:   approved,
		Reason:     reason,
		RecordedAt: g.now().UTC(),
	}
	if consentSecret != "" {
		entry.ConsentHash = g.hasher.Hash(consentSecret)
	}
	g.approvals[actor] = &entry
	g.mu.Unlock()

	g.emit(ctx, "approval.submit", map[string]interface{}{
		"actor":    actor,
		"approved": approved,
		"reason":   reason,
	})
	return entry, nil
}

// Revoke marks the actor's approval revoked; history is retained. Returns
// false when the actor never voted.
func (g *Gatekeeper) Revoke(ctx context.Context, actor, reason string) bool {
	g.mu.Lock()
	a, ok := g.approvals[actor]
	if ok {
		a.Revoked = true
		if reason != "" {
			a.Reason = reason
		}
		a.RecordedAt = g.now().UTC()
	}
	g.mu.Unlock()
	if !ok {
		return false
	}
	g.emit(ctx, "approval.revoke", map[string]interface{}{
		"actor":  actor,
		"reason": reason,
	})
	return true
}

// Reset clears every approval and restarts the expiry window.
func (g *Gatekeeper) Reset(ctx context.Context) {
	g.mu.Lock()
	g.approvals = map[string]*Approval{}
	g.createdAt = g.now().UTC()
	g.mu.Unlock()
	g.emit(ctx, "approval.reset", map[string]interface{}{})
}

// IsOpen reports whether the gate authorizes the ceremony right now: not
// expired, no live veto when vetoes are enabled, and quorum met by
// non-revoked yes votes. Pure evaluation, no mutation.
func (g *Gatekeeper) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openLocked()
}

func (g *Gatekeeper) openLocked() bool {
	if g.expiredLocked() {
		return false
	}
	yes := 0
	for _, a := range g.approvals {
		if a.Revoked {
			continue
		}
		if !a.Approved {
			if g.allowVeto {
				return false
			}
			continue
		}
		yes++
	}
	return yes >= g.quorum
}

func (g *Gatekeeper) expiredLocked() bool {
	if g.expirySeconds <= 0 {
		return false
	}
	return g.now().UTC().Sub(g.createdAt) > time.Duration(g.expirySeconds)*time.Second
}

// Status returns a point-in-time snapshot with redacted approvals.
func (g *Gatekeeper) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	counts := Counts{}
	approvals := make([]PublicApproval, 0, len(g.approvals))
	for _, a := range g.approvals {
		switch {
		case a.Revoked:
			counts.Revoked++
		case a.Approved:
			counts.Yes++
		default:
			counts.No++
		}
		approvals = append(approvals, a.Public())
	}
	sort.Slice(approvals, func(i, j int) bool { return approvals[i].Actor < approvals[j].Actor })
	remaining := g.quorum - counts.Yes
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		ActionID:           g.actionID,
		Quorum:             g.quorum,
		AllowVeto:          g.allowVeto,
		ExpirySeconds:      g.expirySeconds,
		CreatedAt:          g.createdAt,
		Expired:            g.expiredLocked(),
		Open:               g.openLocked(),
		RemainingForQuorum: remaining,
		Counts:             counts,
		Approvals:          approvals,
	}
}

func (g *Gatekeeper) emit(ctx context.Context, action string, payload map[string]interface{}) {
	if g.audit == nil {
		return
	}
	g.audit.Append(ctx, "gatekeeper", action, map[string]interface{}{"action_id": g.actionID}, payload)
}
