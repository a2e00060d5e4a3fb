package envelope

import "context"

// Repository stores envelope records keyed by id. Save must be atomic for a
// single record: a crash mid-write may lose the update but must never leave
// a record readable in a half-written state, since opened_at durability is
// the sole guarantee behind the exactly-once-open property.
type Repository interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}
