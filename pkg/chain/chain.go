// Package chain implements the tamper-evident audit journal: an append-only,
// per-UTC-day-partitioned log where every entry embeds the previous entry's
// digest, so any retroactive edit is detectable on re-verification.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"reveal/pkg/consent"
)

// Genesis is the published prev_hash seeding the first entry of every
// partition. Independent verifiers must use the same constant to agree on
// chain validity from entry zero.
const Genesis = "GENESIS"

// SchemaVersion is written into every entry and participates in its digest.
const SchemaVersion = "1.0"

var ErrMalformedInput = errors.New("malformed input")

// Entry is one immutable audit record. EntryHash covers every other field;
// PrevHash links to the preceding entry in the same partition.
type Entry struct {
	TS        string                 `json:"ts"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Ctx       map[string]interface{} `json:"ctx"`
	Payload   map[string]interface{} `json:"payload"`
	PrevHash  string                 `json:"prev_hash"`
	EntryHash string                 `json:"entry_hash"`
	V         string                 `json:"v"`
}

type Chain struct {
	journal Journal
	hasher  *consent.Hasher
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(journal Journal, hasher *consent.Hasher) *Chain {
	return &Chain{
		journal: journal,
		hasher:  hasher,
		now:     time.Now,
		locks:   map[string]*sync.Mutex{},
	}
}

// SetNow overrides the clock; tests only.
func (c *Chain) SetNow(now func() time.Time) { c.now = now }

// partitionLock serializes the read-last-hash-then-append sequence per day.
func (c *Chain) partitionLock(date string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[date]
	if !ok {
		l = &sync.Mutex{}
		c.locks[date] = l
	}
	return l
}

// Append records one event and returns the written entry. Persistence is
// best-effort: journal failures are retried once, then logged and swallowed,
// so a failing disk never blocks the caller's grant/deny decision.
func (c *Chain) Append(ctx context.Context, actor, action string, eventCtx, payload map[string]interface{}) Entry {
	if eventCtx == nil {
		eventCtx = map[string]interface{}{}
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	now := c.now().UTC()
	date := now.Format("2006-01-02")

	lock := c.partitionLock(date)
	lock.Lock()
	defer lock.Unlock()

	if err := c.journal.RotateIfNeeded(ctx, date); err != nil {
		log.Printf("chain: rotate failed for %s: %v", date, err)
	}
	prev := c.lastEntryHash(ctx, date)
	entry := Entry{
		TS:       now.Format(time.RFC3339Nano),
		Actor:    actor,
		Action:   action,
		Ctx:      eventCtx,
		Payload:  payload,
		PrevHash: prev,
		V:        SchemaVersion,
	}
	digest, err := entryDigest(entry)
	if err != nil {
		log.Printf("chain: digest failed for action %q: %v", action, err)
		return entry
	}
	entry.EntryHash = digest

	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("chain: encode failed for action %q: %v", action, err)
		return entry
	}
	if err := c.journal.AppendLine(ctx, date, line); err != nil {
		if retryErr := c.journal.AppendLine(ctx, date, line); retryErr != nil {
			log.Printf("chain: append failed for action %q: %v", action, retryErr)
		}
	}
	return entry
}

// ConsentHash returns the salted one-way digest of a consent secret.
func (c *Chain) ConsentHash(secret string) string {
	return c.hasher.Hash(secret)
}

func (c *Chain) lastEntryHash(ctx context.Context, date string) string {
	lines, err := c.journal.ReadLines(ctx, date)
	if err != nil || len(lines) == 0 {
		return Genesis
	}
	last := Genesis
	for _, line := range lines {
		var rec struct {
			EntryHash string `json:"entry_hash"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.EntryHash != "" {
			last = rec.EntryHash
		}
	}
	return last
}

// Head returns the last entry hash and decoded entry count for a day
// partition. An empty or unreadable partition reports Genesis and zero.
func (c *Chain) Head(ctx context.Context, date string) (string, int) {
	lines, err := c.journal.ReadLines(ctx, date)
	if err != nil {
		return Genesis, 0
	}
	head := Genesis
	count := 0
	for _, line := range lines {
		var rec struct {
			EntryHash string `json:"entry_hash"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		count++
		if rec.EntryHash != "" {
			head = rec.EntryHash
		}
	}
	return head, count
}

// entryDigest computes the canonical digest over every field except the
// entry hash itself. Append marshals-then-reparses so numeric tokens digest
// identically on the append and verify paths.
func entryDigest(e Entry) (string, error) {
	content := map[string]interface{}{
		"ts":        e.TS,
		"actor":     e.Actor,
		"action":    e.Action,
		"ctx":       e.Ctx,
		"payload":   e.Payload,
		"prev_hash": e.PrevHash,
		"v":         e.V,
	}
	return DigestObject(content)
}

// Tail returns up to limit entries from the end of the active partition for
// today. Best-effort: unreadable lines are skipped.
func (c *Chain) Tail(ctx context.Context, limit int) []Entry {
	if limit <= 0 {
		limit = 200
	}
	date := c.now().UTC().Format("2006-01-02")
	lines, err := c.journal.ReadLines(ctx, date)
	if err != nil {
		return nil
	}
	if len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out
}

type DayReport struct {
	Date          string `json:"date"`
	OK            bool   `json:"ok"`
	Reason        string `json:"reason,omitempty"`
	FirstBadIndex int    `json:"first_bad_index"`
	Checked       int    `json:"checked"`
}

type RangeReport struct {
	OK   bool        `json:"ok"`
	Days []DayReport `json:"days"`
}

const (
	ReasonEntryHashMismatch = "entry_hash_mismatch"
	ReasonPrevHashMismatch  = "prev_hash_mismatch"
	ReasonMalformedJSON     = "malformed_json"
)

// VerifyRange re-verifies each day partition in [start, end] independently:
// corruption in one day never affects another day's report. end may be empty
// to verify a single day.
func (c *Chain) VerifyRange(ctx context.Context, start, end string) (RangeReport, error) {
	startDay, err := parseDate(start)
	if err != nil {
		return RangeReport{}, err
	}
	endDay := startDay
	if end != "" {
		endDay, err = parseDate(end)
		if err != nil {
			return RangeReport{}, err
		}
	}
	if endDay.Before(startDay) {
		return RangeReport{}, fmt.Errorf("%w: end date before start date", ErrMalformedInput)
	}

	report := RangeReport{OK: true}
	for day := startDay; !day.After(endDay); day = day.AddDate(0, 0, 1) {
		dr := c.verifyDay(ctx, day.Format("2006-01-02"))
		report.Days = append(report.Days, dr)
		report.OK = report.OK && dr.OK
	}
	return report, nil
}

func (c *Chain) verifyDay(ctx context.Context, date string) DayReport {
	report := DayReport{Date: date, OK: true, FirstBadIndex: -1}
	lines, err := c.journal.ReadLines(ctx, date)
	if err != nil {
		report.OK = false
		report.Reason = ReasonMalformedJSON
		report.FirstBadIndex = 0
		return report
	}
	prev := Genesis
	for i, line := range lines {
		report.Checked++
		rec, err := decodeRaw(line)
		if err != nil {
			return badDay(report, i, ReasonMalformedJSON)
		}
		if stringField(rec, "prev_hash") != prev {
			return badDay(report, i, ReasonPrevHashMismatch)
		}
		stored := stringField(rec, "entry_hash")
		content := map[string]interface{}{
			"ts":        rec["ts"],
			"actor":     rec["actor"],
			"action":    rec["action"],
			"ctx":       rec["ctx"],
			"payload":   rec["payload"],
			"prev_hash": rec["prev_hash"],
			"v":         rec["v"],
		}
		computed, err := DigestValue(content)
		if err != nil || computed != stored {
			return badDay(report, i, ReasonEntryHashMismatch)
		}
		prev = stored
	}
	return report
}

func badDay(report DayReport, index int, reason string) DayReport {
	report.OK = false
	report.FirstBadIndex = index
	report.Reason = reason
	return report
}

// decodeRaw keeps numeric tokens as json.Number so re-digesting matches the
// original canonical form byte for byte.
func decodeRaw(line []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var rec map[string]interface{}
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func stringField(rec map[string]interface{}, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrMalformedInput, s)
	}
	return t, nil
}
