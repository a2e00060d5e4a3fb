package envelope

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"reveal/pkg/chain"
	"reveal/pkg/consent"
)

// Closed vocabulary of resolve/status rejection reasons. Callers branch on
// these; they are deliberately coarse so denials leak nothing beyond the
// category.
const (
	ReasonNotFound       = "not_found"
	ReasonExpired        = "expired"
	ReasonAlreadyOpened  = "already_opened"
	ReasonInvalidConsent = "invalid_consent"
	ReasonQuorumNotOpen  = "quorum_not_open"
)

// Quorum is the gate consulted during resolve. *gate.Gatekeeper satisfies it.
type Quorum interface {
	IsOpen() bool
}

// Auditor mirrors chain.Chain's append signature; a nil auditor disables
// emission without affecting decisions.
type Auditor interface {
	Append(ctx context.Context, actor, action string, eventCtx, payload map[string]interface{}) chain.Entry
}

type Result struct {
	OK       bool    `json:"ok"`
	Error    string  `json:"error,omitempty"`
	Envelope *Public `json:"envelope,omitempty"`
}

type StateInfo struct {
	Expired      bool `json:"expired"`
	Opened       bool `json:"opened"`
	RemainingTTL *int `json:"remaining_ttl"`
}

type StatusResult struct {
	OK       bool       `json:"ok"`
	Error    string     `json:"error,omitempty"`
	Envelope *Public    `json:"envelope,omitempty"`
	State    *StateInfo `json:"state,omitempty"`
}

type PurgeResult struct {
	OK      bool `json:"ok"`
	Deleted int  `json:"deleted"`
}

type CreateOptions struct {
	TTLSeconds  int
	ArtifactRef string
	Meta        map[string]interface{}
}

// Store owns envelope lifecycle over a Repository. A single mutex serializes
// resolve attempts so two callers cannot both observe an unopened envelope.
type Store struct {
	repo   Repository
	hasher *consent.Hasher
	audit  Auditor
	now    func() time.Time

	mu sync.Mutex
}

func NewStore(repo Repository, hasher *consent.Hasher, audit Auditor) *Store {
	if hasher == nil {
		hasher = consent.NewHasher("")
	}
	return &Store{repo: repo, hasher: hasher, audit: audit, now: time.Now}
}

// SetNow overrides the clock; tests only.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// Create seals a new envelope around the hash of consentSecret and persists
// it. The returned view never includes the consent hash.
func (s *Store) Create(ctx context.Context, consentSecret string, opts CreateOptions) (Public, error) {
	if consentSecret == "" {
		return Public{}, errors.New("consent secret required")
	}
	rec := Record{
		EnvelopeID:  "env_" + uuid.NewString(),
		CreatedAt:   s.now().UTC(),
		TTLSeconds:  opts.TTLSeconds,
		ConsentHash: s.hasher.Hash(consentSecret),
		ArtifactRef: opts.ArtifactRef,
		Meta:        opts.Meta,
	}
	if err := s.repo.Save(ctx, rec); err != nil {
		return Public{}, fmt.Errorf("persist envelope: %w", err)
	}
	s.emit(ctx, "envelope.create", map[string]interface{}{
		"envelope_id":  rec.EnvelopeID,
		"ttl":          rec.TTLSeconds,
		"artifact_ref": rec.ArtifactRef,
	})
	return rec.Public(), nil
}

// Resolve attempts the one-time open. Checks run in a strict audited order:
// not found, expired, already opened, consent mismatch, quorum closed. On
// success opened_at is set and persisted before success is reported; a
// persistence failure surfaces as an error and leaves the envelope sealed.
func (s *Store) Resolve(ctx context.Context, id, consentSecret string, q Quorum, requireOpenQuorum bool) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.repo.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.emit(ctx, "envelope.resolve.miss", map[string]interface{}{"envelope_id": id})
			return Result{OK: false, Error: ReasonNotFound}, nil
		}
		return Result{}, err
	}
	now := s.now().UTC()
	if rec.Expired(now) {
		s.emit(ctx, "envelope.resolve.expired", map[string]interface{}{"envelope_id": id})
		return Result{OK: false, Error: ReasonExpired}, nil
	}
	if rec.Opened() {
		s.emit(ctx, "envelope.resolve.repeat", map[string]interface{}{"envelope_id": id})
		return Result{OK: false, Error: ReasonAlreadyOpened}, nil
	}
	if !s.hasher.Matches(consentSecret, rec.ConsentHash) {
		s.emit(ctx, "envelope.resolve.bad_consent", map[string]interface{}{"envelope_id": id})
		return Result{OK: false, Error: ReasonInvalidConsent}, nil
	}
	if requireOpenQuorum && (q == nil || !q.IsOpen()) {
		s.emit(ctx, "envelope.resolve.quorum_blocked", map[string]interface{}{"envelope_id": id})
		return Result{OK: false, Error: ReasonQuorumNotOpen}, nil
	}

	rec.OpenedAt = &now
	if err := s.repo.Save(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("persist opened envelope: %w", err)
	}
	s.emit(ctx, "envelope.resolve.opened", map[string]interface{}{"envelope_id": id})
	pub := rec.Public()
	return Result{OK: true, Envelope: &pub}, nil
}

// Status is read-only and never mutates the envelope.
func (s *Store) Status(ctx context.Context, id string) (StatusResult, error) {
	rec, err := s.repo.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusResult{OK: false, Error: ReasonNotFound}, nil
		}
		return StatusResult{}, err
	}
	now := s.now().UTC()
	pub := rec.Public()
	return StatusResult{
		OK:       true,
		Envelope: &pub,
		State: &StateInfo{
			Expired:      rec.Expired(now),
			Opened:       rec.Opened(),
			RemainingTTL: rec.RemainingTTL(now),
		},
	}, nil
}

// PurgeExpired deletes unopened envelopes past their TTL, up to maxDelete.
// Opened envelopes are the historical record of what was disclosed and are
// never purged. Unreadable records are skipped.
func (s *Store) PurgeExpired(ctx context.Context, maxDelete int) (PurgeResult, error) {
	if maxDelete <= 0 {
		maxDelete = 200
	}
	ids, err := s.repo.List(ctx)
	if err != nil {
		return PurgeResult{}, err
	}
	now := s.now().UTC()
	deleted := 0
	for _, id := range ids {
		if deleted >= maxDelete {
			break
		}
		rec, err := s.repo.Load(ctx, id)
		if err != nil {
			continue
		}
		if !rec.Expired(now) || rec.Opened() {
			continue
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.emit(ctx, "envelope.purge", map[string]interface{}{"deleted": deleted})
	}
	return PurgeResult{OK: true, Deleted: deleted}, nil
}

func (s *Store) emit(ctx context.Context, action string, payload map[string]interface{}) {
	if s.audit == nil {
		return
	}
	s.audit.Append(ctx, "reveal", action, map[string]interface{}{"subsystem": "reveal.envelope"}, payload)
}
