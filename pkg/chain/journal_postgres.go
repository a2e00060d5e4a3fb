package chain

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type journalDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresJournal mirrors the audit journal into a database so a central
// verifier can re-check chains without filesystem access. Rows are append-only.
type PostgresJournal struct {
	DB journalDB
}

// RotateIfNeeded is a no-op: database partitions are not size-bound.
func (j *PostgresJournal) RotateIfNeeded(ctx context.Context, date string) error {
	return nil
}

func (j *PostgresJournal) AppendLine(ctx context.Context, date string, line []byte) error {
	_, err := j.DB.Exec(ctx, `
		INSERT INTO audit_lines (day, line) VALUES ($1, $2)
	`, date, string(line))
	return err
}

func (j *PostgresJournal) ReadLines(ctx context.Context, date string) ([][]byte, error) {
	rows, err := j.DB.Query(ctx, `
		SELECT line FROM audit_lines WHERE day=$1 ORDER BY id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		out = append(out, []byte(line))
	}
	return out, rows.Err()
}
