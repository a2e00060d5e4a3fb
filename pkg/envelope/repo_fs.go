package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSRepository stores one <envelope_id>.json file per envelope under Dir.
// Writes go to a temp file and are renamed into place, so a crash mid-write
// leaves either the old record or the new one, never a torn file.
type FSRepository struct {
	Dir string
}

func NewFSRepository(dir string) *FSRepository {
	return &FSRepository{Dir: dir}
}

func (r *FSRepository) path(id string) string {
	return filepath.Join(r.Dir, id+".json")
}

func (r *FSRepository) Save(ctx context.Context, rec Record) error {
	if err := os.MkdirAll(r.Dir, 0o700); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	tmp, err := os.CreateTemp(r.Dir, rec.EnvelopeID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, r.path(rec.EnvelopeID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename envelope: %w", err)
	}
	return nil
}

func (r *FSRepository) Load(ctx context.Context, id string) (Record, error) {
	raw, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decode envelope %s: %w", id, err)
	}
	return rec, nil
}

func (r *FSRepository) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (r *FSRepository) Delete(ctx context.Context, id string) error {
	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
