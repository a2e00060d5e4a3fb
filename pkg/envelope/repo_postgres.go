package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type envelopeDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository stores envelope records as JSONB rows; the upsert is a
// single statement, so the opened_at transition is atomic on this backend.
type PostgresRepository struct {
	DB envelopeDB
}

func (r *PostgresRepository) Save(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO envelopes (envelope_id, record, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (envelope_id) DO UPDATE SET record = EXCLUDED.record
	`, rec.EnvelopeID, string(data), rec.CreatedAt)
	return err
}

func (r *PostgresRepository) Load(ctx context.Context, id string) (Record, error) {
	var raw string
	row := r.DB.QueryRow(ctx, `SELECT record FROM envelopes WHERE envelope_id=$1`, id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, fmt.Errorf("decode envelope %s: %w", id, err)
	}
	return rec, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]string, error) {
	rows, err := r.DB.Query(ctx, `SELECT envelope_id FROM envelopes ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, `DELETE FROM envelopes WHERE envelope_id=$1`, id)
	return err
}
