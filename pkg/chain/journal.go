package chain

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Journal is the storage backend for day-partitioned audit lines. The active
// partition for a date holds one JSON line per entry; implementations rotate
// the active file to a timestamp-suffixed name once it exceeds a size
// threshold, which starts a fresh chain.
type Journal interface {
	// RotateIfNeeded runs before the caller reads the last entry hash, so a
	// rotation and the following append observe the same active partition.
	RotateIfNeeded(ctx context.Context, date string) error
	AppendLine(ctx context.Context, date string, line []byte) error
	ReadLines(ctx context.Context, date string) ([][]byte, error)
}

const defaultMaxPartitionBytes = 5 << 20

// FSJournal stores partitions as audit_<date>.jsonl files under Dir.
type FSJournal struct {
	Dir      string
	MaxBytes int64
	now      func() time.Time
}

func NewFSJournal(dir string) *FSJournal {
	return &FSJournal{Dir: dir, MaxBytes: defaultMaxPartitionBytes, now: time.Now}
}

func (j *FSJournal) path(date string) string {
	return filepath.Join(j.Dir, "audit_"+date+".jsonl")
}

func (j *FSJournal) AppendLine(ctx context.Context, date string, line []byte) error {
	if err := os.MkdirAll(j.Dir, 0o700); err != nil {
		return fmt.Errorf("mkdir journal dir: %w", err)
	}
	f, err := os.OpenFile(j.path(date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open partition: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append partition: %w", err)
	}
	return nil
}

// RotateIfNeeded moves an oversized active partition aside so the next append
// starts a fresh, independent chain.
func (j *FSJournal) RotateIfNeeded(ctx context.Context, date string) error {
	path := j.path(date)
	max := j.MaxBytes
	if max <= 0 {
		max = defaultMaxPartitionBytes
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() < max {
		return nil
	}
	nowFn := j.now
	if nowFn == nil {
		nowFn = time.Now
	}
	stamp := nowFn().UTC().Format("20060102_150405")
	rotated := path[:len(path)-len(".jsonl")] + "_" + stamp + ".jsonl"
	return os.Rename(path, rotated)
}

func (j *FSJournal) ReadLines(ctx context.Context, date string) ([][]byte, error) {
	raw, err := os.ReadFile(j.path(date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out [][]byte
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		out = append(out, line)
	}
	return out, nil
}
