// Package ceremony composes the reveal primitives into a single façade: one
// quorum gate, an envelope store and the emoji preview channel. Opening an
// envelope through the orchestrator always consults its own gate.
package ceremony

import (
	"context"
	"fmt"
	"strings"

	"reveal/pkg/emoji"
	"reveal/pkg/envelope"
	"reveal/pkg/gate"
)

// PreviewMeta carries optional packet field overrides.
type PreviewMeta struct {
	Domain   string `json:"domain,omitempty"`
	Priority string `json:"priority,omitempty"`
	Perf     string `json:"perf,omitempty"`
	Symbols  int    `json:"symbols,omitempty"`
}

type Preview struct {
	EmojiPacket string `json:"emoji_packet"`
	EmojiLegacy string `json:"emoji_legacy"`
	Fingerprint string `json:"fingerprint"`
	Valid       bool   `json:"valid"`
	Safe        bool   `json:"safe"`
}

type ApprovalResult struct {
	OK       bool                `json:"ok"`
	Approval gate.PublicApproval `json:"approval"`
	Status   gate.Status         `json:"status"`
}

type RevokeResult struct {
	OK     bool        `json:"ok"`
	Status gate.Status `json:"status"`
}

type CreateResult struct {
	OK       bool            `json:"ok"`
	Envelope envelope.Public `json:"envelope"`
}

type Config struct {
	Gate      *gate.Gatekeeper
	Envelopes *envelope.Store
	Channel   *emoji.Channel
}

type Orchestrator struct {
	gate      *gate.Gatekeeper
	envelopes *envelope.Store
	channel   *emoji.Channel
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Gate == nil {
		return nil, fmt.Errorf("ceremony: gate required")
	}
	if cfg.Envelopes == nil {
		return nil, fmt.Errorf("ceremony: envelope store required")
	}
	channel := cfg.Channel
	if channel == nil {
		channel = emoji.New("")
	}
	return &Orchestrator{gate: cfg.Gate, envelopes: cfg.Envelopes, channel: channel}, nil
}

// Preview renders both the structured packet and the legacy badge for an
// intent. Side-effect free; it never touches the gate or any envelope.
func (o *Orchestrator) Preview(intent string, meta *PreviewMeta) (Preview, error) {
	m := PreviewMeta{Domain: "ui", Priority: "normal", Perf: "NORMAL", Symbols: 4}
	if meta != nil {
		if meta.Domain != "" {
			m.Domain = meta.Domain
		}
		if meta.Priority != "" {
			m.Priority = meta.Priority
		}
		if meta.Perf != "" {
			m.Perf = meta.Perf
		}
		if meta.Symbols != 0 {
			m.Symbols = meta.Symbols
		}
	}
	packet, err := o.channel.EncodePacket(emoji.Packet{
		Intent:   intent,
		Domain:   m.Domain,
		Priority: m.Priority,
		Perf:     m.Perf,
	}, m.Symbols)
	if err != nil {
		return Preview{}, err
	}
	decoded := o.channel.DecodePacket(packet)
	return Preview{
		EmojiPacket: strings.Join(packet, ""),
		EmojiLegacy: strings.Join(o.channel.EncodeIntent(intent), ""),
		Fingerprint: decoded.Fingerprint,
		Valid:       len(packet) >= 3,
		Safe:        true,
	}, nil
}

// RequestOpen is preview-only. Authorizing an actual open goes through
// envelopes and the quorum gate, never through this path.
func (o *Orchestrator) RequestOpen(intent string) (Preview, error) {
	return o.Preview(intent, nil)
}

func (o *Orchestrator) SubmitApproval(ctx context.Context, actor string, approved bool, consentSecret, reason string) (ApprovalResult, error) {
	a, err := o.gate.Submit(ctx, actor, approved, consentSecret, reason)
	if err != nil {
		return ApprovalResult{}, err
	}
	return ApprovalResult{OK: true, Approval: a.Public(), Status: o.gate.Status()}, nil
}

func (o *Orchestrator) Revoke(ctx context.Context, actor, reason string) RevokeResult {
	ok := o.gate.Revoke(ctx, actor, reason)
	return RevokeResult{OK: ok, Status: o.gate.Status()}
}

func (o *Orchestrator) GateStatus() gate.Status {
	return o.gate.Status()
}

func (o *Orchestrator) ResetGate(ctx context.Context) {
	o.gate.Reset(ctx)
}

func (o *Orchestrator) CreateEnvelope(ctx context.Context, consentSecret string, opts envelope.CreateOptions) (CreateResult, error) {
	pub, err := o.envelopes.Create(ctx, consentSecret, opts)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{OK: true, Envelope: pub}, nil
}

// ResolveEnvelope injects the orchestrator's own gate into the quorum check.
func (o *Orchestrator) ResolveEnvelope(ctx context.Context, id, consentSecret string, requireOpenQuorum bool) (envelope.Result, error) {
	return o.envelopes.Resolve(ctx, id, consentSecret, o.gate, requireOpenQuorum)
}

func (o *Orchestrator) EnvelopeStatus(ctx context.Context, id string) (envelope.StatusResult, error) {
	return o.envelopes.Status(ctx, id)
}

func (o *Orchestrator) PurgeEnvelopes(ctx context.Context, maxDelete int) (envelope.PurgeResult, error) {
	return o.envelopes.PurgeExpired(ctx, maxDelete)
}
