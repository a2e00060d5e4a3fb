package statebus

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"reveal/pkg/chain"
)

// EntryMirror forwards audit entries to a Publisher, keyed by entry hash so
// partitioning keeps per-hash ordering. Failures are logged and dropped.
type EntryMirror struct {
	pub     Publisher
	timeout time.Duration
}

func NewEntryMirror(pub Publisher) *EntryMirror {
	return &EntryMirror{pub: pub, timeout: 2 * time.Second}
}

func (m *EntryMirror) Mirror(ctx context.Context, e chain.Entry) {
	if m == nil || m.pub == nil {
		return
	}
	value, err := json.Marshal(e)
	if err != nil {
		log.Printf("statebus: encode entry: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.pub.Publish(ctx, []byte(e.EntryHash), value); err != nil {
		log.Printf("statebus: mirror entry %s: %v", e.EntryHash, err)
	}
}
