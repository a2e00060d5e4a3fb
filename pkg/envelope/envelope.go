// Package envelope implements sealed consent envelopes: durable, TTL-bound
// tokens that gate disclosure of an artifact reference and can be opened
// exactly once.
package envelope

import (
	"errors"
	"time"
)

// ErrNotFound is returned by repositories for unknown envelope ids.
var ErrNotFound = errors.New("envelope not found")

// Record is the persisted envelope. ConsentHash holds only the salted HMAC
// of the consent secret; plaintext is never stored.
type Record struct {
	EnvelopeID  string                 `json:"envelope_id"`
	CreatedAt   time.Time              `json:"created_at"`
	TTLSeconds  int                    `json:"ttl_seconds,omitempty"`
	OpenedAt    *time.Time             `json:"opened_at,omitempty"`
	ConsentHash string                 `json:"consent_hash"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

// Public is the redacted caller-facing view; the consent hash never leaves
// the package.
type Public struct {
	EnvelopeID  string                 `json:"envelope_id"`
	CreatedAt   time.Time              `json:"created_at"`
	TTLSeconds  int                    `json:"ttl_seconds,omitempty"`
	OpenedAt    *time.Time             `json:"opened_at,omitempty"`
	ArtifactRef string                 `json:"artifact_ref,omitempty"`
	Meta        map[string]interface{} `json:"meta,omitempty"`
}

func (r Record) Public() Public {
	return Public{
		EnvelopeID:  r.EnvelopeID,
		CreatedAt:   r.CreatedAt,
		TTLSeconds:  r.TTLSeconds,
		OpenedAt:    r.OpenedAt,
		ArtifactRef: r.ArtifactRef,
		Meta:        r.Meta,
	}
}

func (r Record) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.UTC().Sub(r.CreatedAt) > time.Duration(r.TTLSeconds)*time.Second
}

func (r Record) Opened() bool {
	return r.OpenedAt != nil
}

// RemainingTTL reports seconds left before expiry, nil when the envelope has
// no TTL.
func (r Record) RemainingTTL(now time.Time) *int {
	if r.TTLSeconds <= 0 {
		return nil
	}
	left := r.TTLSeconds - int(now.UTC().Sub(r.CreatedAt).Seconds())
	if left < 0 {
		left = 0
	}
	return &left
}
