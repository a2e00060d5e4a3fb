// Package emoji is a tiny tamper-evident signal path for low-bandwidth
// ceremony intents. A packet (intent|domain|priority|perf) becomes a short
// emoji sequence carrying a keyed hash, a version symbol and a checksum
// symbol. The channel is privacy preserving: sequences encode a fingerprint
// of the packet, never the packet itself, so decoding can verify integrity
// and shape but cannot recover the fields.
package emoji

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/text/unicode/norm"
)

const (
	ProtocolVersion = 1

	// Field values are truncated so packets stay compact.
	MaxField       = 64
	maxPacketChars = 4*MaxField + 3

	DefaultSalt = "eidollona-v1"
)

var defaultVocab = []string{
	"🧩", "🔒", "🗝️", "🧠", "🛡️", "⚙️", "✨", "⏳", "✅", "❌",
	"📡", "📜", "🧭", "🧪", "📈", "📉", "🧰", "🛰️", "🪄", "🧿",
	"📦", "🧱", "🗂️", "🧾", "🗺️", "🧯", "🧲", "🧷", "🪙", "🪛",
	"🧮", "🔭", "🔬", "🧑‍💻", "🗳️",
}

var ErrPacketTooLarge = errors.New("packet too large")

// Packet is the structured intent sent over the channel.
type Packet struct {
	Intent   string
	Domain   string
	Priority string
	Perf     string
}

// Decoded is the result of a best-effort decode. Fingerprint identifies the
// sequence, not the original fields.
type Decoded struct {
	OK               bool   `json:"ok"`
	Reason           string `json:"reason,omitempty"`
	Version          *int   `json:"version"`
	StrictVersion    bool   `json:"strict_version"`
	DataLen          int    `json:"data_len"`
	Fingerprint      string `json:"fingerprint,omitempty"`
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
	ReceivedChecksum string `json:"received_checksum,omitempty"`
}

// Channel encodes packets deterministically for a given salt, so two
// installations with distinct salts produce distinct sequences for the same
// packet.
type Channel struct {
	salt  []byte
	vocab []string
}

// New builds a channel over the default vocabulary. An empty salt falls back
// to DefaultSalt.
func New(salt string) *Channel {
	return NewWithVocab(salt, nil)
}

// NewWithVocab overrides the symbol set. Vocabularies under 10 distinct
// symbols collide too easily and are rejected in favor of the default.
func NewWithVocab(salt string, vocab []string) *Channel {
	if salt == "" {
		salt = DefaultSalt
	}
	key := []byte(salt)
	if len(key) > blake2s.Size {
		sum := blake2s.Sum256(key)
		key = sum[:]
	}
	deduped := dedupe(vocab)
	if len(deduped) < 10 {
		deduped = dedupe(defaultVocab)
	}
	return &Channel{salt: key, vocab: deduped}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Vocab returns a copy of the active symbol set.
func (c *Channel) Vocab() []string {
	out := make([]string, len(c.vocab))
	copy(out, c.vocab)
	return out
}

func normField(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	runes := []rune(s)
	if len(runes) > MaxField {
		runes = runes[:MaxField]
	}
	return string(runes)
}

func (c *Channel) keyedDigest(data []byte) []byte {
	h, err := blake2s.New256(c.salt)
	if err != nil {
		// Key length is validated in the constructor.
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// mapToSymbols walks the digest bytes through the vocabulary. The walk is
// cumulative, so a single byte change reshuffles every following symbol.
func (c *Channel) mapToSymbols(b []byte, n int) []string {
	m := len(c.vocab)
	out := make([]string, 0, n)
	idx := 0
	for len(out) < n {
		idx = (idx + int(b[len(out)%len(b)])) % m
		out = append(out, c.vocab[idx])
	}
	return out
}

func (c *Channel) checksumSymbol(payload []byte) string {
	digest := sha256.Sum256(payload)
	return c.vocab[int(digest[0])%len(c.vocab)]
}

func pack(p Packet) string {
	return strings.Join([]string{
		normField(p.Intent),
		normField(p.Domain),
		normField(p.Priority),
		normField(p.Perf),
	}, "|")
}

// EncodeIntent is the legacy 2-symbol badge for a bare intent string.
func (c *Channel) EncodeIntent(intent string) []string {
	digest := c.keyedDigest([]byte(normField(intent)))
	return c.mapToSymbols(digest, 2)
}

// EncodePacket encodes a structured packet as
// [version symbol, data symbols..., checksum symbol]. symbols is the data
// symbol count and is clamped to at least 3.
func (c *Channel) EncodePacket(p Packet, symbols int) ([]string, error) {
	if symbols < 3 {
		symbols = 3
	}
	packet := pack(p)
	if len(packet) > maxPacketChars {
		return nil, ErrPacketTooLarge
	}

	payload := append([]byte{ProtocolVersion}, packet...)
	data := c.mapToSymbols(c.keyedDigest(payload), symbols)
	// The checksum covers the data symbols themselves so any holder of the
	// sequence can verify it without the packet or the salt.
	check := c.checksumSymbol([]byte(strings.Join(data, "|")))
	versionSymbol := c.vocab[ProtocolVersion%len(c.vocab)]

	out := make([]string, 0, symbols+2)
	out = append(out, versionSymbol)
	out = append(out, data...)
	out = append(out, check)
	return out, nil
}

// DecodePacket verifies shape and checksum of a sequence. The checksum is
// recomputed over a surrogate of the data symbols, which catches reordering,
// substitution and truncation of the body; the original fields stay
// unrecoverable.
func (c *Channel) DecodePacket(symbols []string) Decoded {
	if len(symbols) < 3 {
		return Decoded{Reason: "too_few_emojis"}
	}

	versionSymbol := symbols[0]
	body := symbols[1:]
	receivedChecksum := body[len(body)-1]
	data := body[:len(body)-1]

	var version *int
	strict := false
	for i, s := range c.vocab {
		if s == versionSymbol {
			v := i % 256
			version = &v
			break
		}
	}
	if version != nil && *version == ProtocolVersion {
		strict = true
	}

	fingerprintSrc := []byte(strings.Join(data, "|"))
	sum := sha256.Sum256(fingerprintSrc)
	fingerprint := hex.EncodeToString(sum[:])[:16]

	expected := c.checksumSymbol(fingerprintSrc)
	return Decoded{
		OK:               expected == receivedChecksum,
		Version:          version,
		StrictVersion:    strict,
		DataLen:          len(data),
		Fingerprint:      fingerprint,
		ExpectedChecksum: expected,
		ReceivedChecksum: receivedChecksum,
	}
}
