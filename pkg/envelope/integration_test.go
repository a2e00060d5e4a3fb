package envelope

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"reveal/pkg/consent"
)

// TestPostgresRepositoryWithRealPostgres exercises the JSONB repository
// against a real PostgreSQL container.
// Run with: go test -timeout 120s -run TestPostgresRepositoryWithRealPostgres ./pkg/envelope/...
func TestPostgresRepositoryWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, `
		CREATE TABLE envelopes (
			envelope_id TEXT PRIMARY KEY,
			record      JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	s := NewStore(&PostgresRepository{DB: pool}, consent.NewHasher("test-salt"), nil)

	pub, err := s.Create(ctx, "secret", CreateOptions{TTLSeconds: 600, ArtifactRef: "vault://it"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.OK || res.Envelope.OpenedAt == nil {
		t.Fatalf("resolve failed: %+v", res)
	}

	res, err = s.Resolve(ctx, pub.EnvelopeID, "secret", nil, false)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if res.OK || res.Error != ReasonAlreadyOpened {
		t.Fatalf("opened_at not durable across load: %+v", res)
	}
}
