package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// FileStore keeps one JSON document per session under a state directory.
// Writes go through a temp file, fsync and rename so a crash mid-write
// never leaves a torn record.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the state directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) path(sessionID string) string {
	// Session ids come from operator config; keep them filesystem-safe.
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
	return filepath.Join(fs.dir, name+".json")
}

// Load implements Store.
func (fs *FileStore) Load(sessionID string) (*Record, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b, err := os.ReadFile(fs.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(ErrPersistence, err.Error())
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, errors.Wrapf(ErrPersistence, "corrupt record for %s: %v", sessionID, err)
	}
	return &rec, nil
}

// Save implements Store with write-then-rename durability.
func (fs *FileStore) Save(sessionID string, step StepRecord) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	rec := &Record{SessionID: sessionID}
	b, err := os.ReadFile(fs.path(sessionID))
	switch {
	case err == nil:
		if err := json.Unmarshal(b, rec); err != nil {
			return errors.Wrapf(ErrPersistence, "corrupt record for %s: %v", sessionID, err)
		}
	case os.IsNotExist(err):
		// First step of a fresh session.
	default:
		// A record may exist that we cannot read; rewriting it from
		// this one step would drop every earlier completed step.
		return errors.Wrap(ErrPersistence, err.Error())
	}

	replaced := false
	for i := range rec.Steps {
		if rec.Steps[i].Index == step.Index {
			rec.Steps[i] = step
			replaced = true
			break
		}
	}
	if !replaced {
		rec.Steps = append(rec.Steps, step)
	}
	sort.Slice(rec.Steps, func(i, j int) bool { return rec.Steps[i].Index < rec.Steps[j].Index })

	return fs.write(sessionID, rec)
}

func (fs *FileStore) write(sessionID string, rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	final := fs.path(sessionID)
	tmp, err := os.CreateTemp(fs.dir, "."+filepath.Base(final)+".tmp")
	if err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return errors.Wrap(ErrPersistence, err.Error())
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(ErrPersistence, err.Error())
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	return nil
}

// Archive implements Store.
func (fs *FileStore) Archive(sessionID string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := os.Remove(fs.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(ErrPersistence, err.Error())
	}
	return nil
}

// Close implements Store.
func (fs *FileStore) Close() error { return nil }
