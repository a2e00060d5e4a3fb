package envelope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reveal/pkg/consent"
)

func newRedisRepo(t *testing.T) *RedisRepository {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRepository(client)
}

func TestRedisRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newRedisRepo(t)

	opened := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	rec := Record{
		EnvelopeID:  "env_r1",
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		TTLSeconds:  600,
		OpenedAt:    &opened,
		ConsentHash: "deadbeef",
		ArtifactRef: "vault://x",
		Meta:        map[string]interface{}{"owner": "ops"},
	}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := repo.Load(ctx, "env_r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ConsentHash != rec.ConsentHash || got.OpenedAt == nil || !got.OpenedAt.Equal(opened) {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	ids, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 1 || ids[0] != "env_r1" {
		t.Fatalf("list = %v", ids)
	}

	if err := repo.Delete(ctx, "env_r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := repo.Load(ctx, "env_r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after delete, got %v", err)
	}
}

func TestRedisRepositoryMiss(t *testing.T) {
	repo := newRedisRepo(t)
	if _, err := repo.Load(context.Background(), "env_nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreOverRedis(t *testing.T) {
	ctx := context.Background()
	s := NewStore(newRedisRepo(t), consent.NewHasher("test-salt"), nil)

	pub, err := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 600})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.OK {
		t.Fatalf("resolve failed: %+v", res)
	}
	res, _ = s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if res.OK || res.Error != ReasonAlreadyOpened {
		t.Fatalf("want already_opened on redis backend, got %+v", res)
	}
}
