package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"freelab/internal/logging"
)

// FSStore writes one JSON line per entry to
// <root>/<classroom>/<yyyy-mm>.jsonl.
type FSStore struct {
	root string
	mu   sync.Mutex
}

// NewFSStore returns a filesystem journal rooted at root, creating it if needed.
func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		root = "data/journal"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(classroomID, month string) (string, error) {
	seg, err := segment(classroomID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, seg, month+".jsonl"), nil
}

func (s *FSStore) Append(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(e); err != nil {
		return err
	}
	p, err := s.path(e.ClassroomID, monthOf(e))
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("write journal: %w", err)
	}
	logging.Journal("appended step %s to %s", e.StepID, p)
	return f.Close()
}

// Entries reads back one classroom's entries for a month, oldest first.
// A month with no file yields no entries.
func (s *FSStore) Entries(classroomID, month string) ([]Entry, error) {
	p, err := s.path(classroomID, month)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", p, line, err)
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

func (s *FSStore) Close() error { return nil }
