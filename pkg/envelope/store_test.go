package envelope

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reveal/pkg/chain"
	"reveal/pkg/consent"
)

type stubQuorum struct{ open bool }

func (q stubQuorum) IsOpen() bool { return q.open }

type recordingAuditor struct {
	actions []string
}

func (a *recordingAuditor) Append(ctx context.Context, actor, action string, eventCtx, payload map[string]interface{}) chain.Entry {
	a.actions = append(a.actions, action)
	return chain.Entry{Action: action}
}

func newTestStore(t *testing.T) (*Store, *recordingAuditor) {
	t.Helper()
	aud := &recordingAuditor{}
	s := NewStore(NewFSRepository(t.TempDir()), consent.NewHasher("test-salt"), aud)
	return s, aud
}

func TestCreateRedactsConsentHash(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	pub, err := s.Create(context.Background(), "secret", CreateOptions{TTLSeconds: 60, ArtifactRef: "vault://a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.HasPrefix(pub.EnvelopeID, "env_") {
		t.Fatalf("unexpected id %q", pub.EnvelopeID)
	}
	data, err := json.Marshal(pub)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "consent_hash") {
		t.Fatalf("public view leaks consent hash: %s", data)
	}
}

func TestCreateRequiresSecret(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	if _, err := s.Create(context.Background(), "", CreateOptions{}); err == nil {
		t.Fatal("expected error for empty consent secret")
	}
}

func TestResolveCeremony(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, aud := newTestStore(t)

	pub, err := s.Create(ctx, "alpha-omega", CreateOptions{TTLSeconds: 600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := pub.EnvelopeID

	// Gate still closed.
	res, err := s.Resolve(ctx, id, "alpha-omega", stubQuorum{open: false}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.OK || res.Error != ReasonQuorumNotOpen {
		t.Fatalf("want quorum_not_open, got %+v", res)
	}

	// Gate open, correct secret: opens exactly once.
	res, err = s.Resolve(ctx, id, "alpha-omega", stubQuorum{open: true}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.OK || res.Envelope == nil || res.Envelope.OpenedAt == nil {
		t.Fatalf("want opened envelope, got %+v", res)
	}

	// Second attempt is a repeat even with everything else valid.
	res, err = s.Resolve(ctx, id, "alpha-omega", stubQuorum{open: true}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.OK || res.Error != ReasonAlreadyOpened {
		t.Fatalf("want already_opened, got %+v", res)
	}

	want := []string{
		"envelope.create",
		"envelope.resolve.quorum_blocked",
		"envelope.resolve.opened",
		"envelope.resolve.repeat",
	}
	if len(aud.actions) != len(want) {
		t.Fatalf("audit actions %v, want %v", aud.actions, want)
	}
	for i, a := range want {
		if aud.actions[i] != a {
			t.Fatalf("audit action %d = %q, want %q", i, aud.actions[i], a)
		}
	}
}

func TestResolveWrongConsent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, aud := newTestStore(t)
	pub, _ := s.Create(ctx, "right", CreateOptions{TTLSeconds: 600})

	res, err := s.Resolve(ctx, pub.EnvelopeID, "wrong", stubQuorum{open: true}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.OK || res.Error != ReasonInvalidConsent {
		t.Fatalf("want invalid_consent, got %+v", res)
	}
	if aud.actions[len(aud.actions)-1] != "envelope.resolve.bad_consent" {
		t.Fatalf("missing bad_consent audit, got %v", aud.actions)
	}

	// The failed attempt must not consume the single open.
	res, err = s.Resolve(ctx, pub.EnvelopeID, "right", stubQuorum{open: true}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.OK {
		t.Fatalf("want open after failed attempt, got %+v", res)
	}
}

func TestResolveUnknownEnvelope(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	res, err := s.Resolve(context.Background(), "env_missing", "x", stubQuorum{open: true}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.OK || res.Error != ReasonNotFound {
		t.Fatalf("want not_found, got %+v", res)
	}
}

func TestResolveExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	pub, _ := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 30})

	s.SetNow(func() time.Time { return base.Add(31 * time.Second) })
	res, err := s.Resolve(ctx, pub.EnvelopeID, "secret", stubQuorum{open: true}, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.OK || res.Error != ReasonExpired {
		t.Fatalf("want expired, got %+v", res)
	}

	// Expired check precedes consent, so a wrong secret is not leaked as such.
	res, _ = s.Resolve(ctx, pub.EnvelopeID, "wrong", stubQuorum{open: true}, true)
	if res.Error != ReasonExpired {
		t.Fatalf("want expired before consent check, got %+v", res)
	}
}

func TestResolveZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	pub, _ := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 0})

	s.SetNow(func() time.Time { return base.Add(1000 * time.Hour) })
	res, err := s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.OK {
		t.Fatalf("zero TTL envelope should still open, got %+v", res)
	}
}

func TestResolveWithoutQuorumRequirement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	pub, _ := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 600})

	res, err := s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.OK {
		t.Fatalf("want open without quorum requirement, got %+v", res)
	}
}

func TestStatusReportsState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	pub, _ := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 120})

	s.SetNow(func() time.Time { return base.Add(50 * time.Second) })
	st, err := s.Status(ctx, pub.EnvelopeID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.OK || st.State == nil {
		t.Fatalf("status failed: %+v", st)
	}
	if st.State.Expired || st.State.Opened {
		t.Fatalf("fresh envelope marked expired/opened: %+v", st.State)
	}
	if st.State.RemainingTTL == nil || *st.State.RemainingTTL != 70 {
		t.Fatalf("remaining ttl = %v, want 70", st.State.RemainingTTL)
	}

	// Status never consumes the open.
	res, _ := s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if !res.OK {
		t.Fatalf("resolve after status: %+v", res)
	}

	st, _ = s.Status(ctx, pub.EnvelopeID)
	if !st.State.Opened {
		t.Fatalf("opened not reflected in status: %+v", st.State)
	}
}

func TestStatusUnknown(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	st, err := s.Status(context.Background(), "env_missing")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.OK || st.Error != ReasonNotFound {
		t.Fatalf("want not_found, got %+v", st)
	}
}

func TestPurgeExpiredKeepsOpened(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, aud := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	stale, _ := s.Create(ctx, "a", CreateOptions{TTLSeconds: 10})
	opened, _ := s.Create(ctx, "b", CreateOptions{TTLSeconds: 10})
	fresh, _ := s.Create(ctx, "c", CreateOptions{TTLSeconds: 3600})

	if res, _ := s.Resolve(ctx, opened.EnvelopeID, "b", nil, false); !res.OK {
		t.Fatalf("open: %+v", res)
	}

	s.SetNow(func() time.Time { return base.Add(time.Minute) })
	pr, err := s.PurgeExpired(ctx, 0)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if pr.Deleted != 1 {
		t.Fatalf("deleted %d, want 1", pr.Deleted)
	}

	if st, _ := s.Status(ctx, stale.EnvelopeID); st.OK {
		t.Fatal("stale envelope survived purge")
	}
	if st, _ := s.Status(ctx, opened.EnvelopeID); !st.OK {
		t.Fatal("opened envelope was purged")
	}
	if st, _ := s.Status(ctx, fresh.EnvelopeID); !st.OK {
		t.Fatal("fresh envelope was purged")
	}
	if aud.actions[len(aud.actions)-1] != "envelope.purge" {
		t.Fatalf("missing purge audit, got %v", aud.actions)
	}
}

func TestPurgeRespectsLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	for i := 0; i < 5; i++ {
		if _, err := s.Create(ctx, "x", CreateOptions{TTLSeconds: 1}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	s.SetNow(func() time.Time { return base.Add(time.Minute) })

	pr, err := s.PurgeExpired(ctx, 2)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if pr.Deleted != 2 {
		t.Fatalf("deleted %d, want 2", pr.Deleted)
	}
}

func TestFSRepositoryLeavesNoTempFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repo := NewFSRepository(dir)
	rec := Record{EnvelopeID: "env_tmp", CreatedAt: time.Now().UTC(), TTLSeconds: 60, ConsentHash: "h"}
	if err := repo.Save(context.Background(), rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "env_tmp.json")); err != nil {
		t.Fatalf("envelope file missing: %v", err)
	}
}

func TestConcurrentResolveOpensOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := newTestStore(t)
	pub, _ := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 600})

	const n = 16
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
			if err != nil {
				t.Errorf("resolve: %v", err)
			}
			results <- res
		}()
	}
	opened := 0
	for i := 0; i < n; i++ {
		if res := <-results; res.OK {
			opened++
		}
	}
	if opened != 1 {
		t.Fatalf("%d callers opened the envelope, want exactly 1", opened)
	}
}
