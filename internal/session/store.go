package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fernwell/frontdesk/internal/logging"
)

var (
	// ErrNotFound reports a session id with no persisted record.
	ErrNotFound = errors.New("session not found")
	// ErrCorrupt reports a persisted record that cannot be decoded. The
	// caller starts a fresh session instead of crashing.
	ErrCorrupt = errors.New("session record corrupt")
)

// Store persists session records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// FileStore keeps one JSON file per session under a directory. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// half-written record; the previous save stays intact.
type FileStore struct {
	dir    string
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string, logger *logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FileStore{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Save atomically persists the record, stamping UpdatedAt.
func (s *FileStore) Save(ctx context.Context, rec *Record) error {
	if rec == nil || rec.Session.ID == "" {
		return fmt.Errorf("record must carry a session id")
	}
	if err := validateID(rec.Session.ID); err != nil {
		return err
	}

	lock := s.lockFor(rec.Session.ID)
	lock.Lock()
	defer lock.Unlock()

	rec.Session.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", rec.Session.ID, err)
	}

	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	path := s.path(rec.Session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing session %s: %w", rec.Session.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing session %s: %w", rec.Session.ID, err)
	}

	s.logger.Debug(ctx, "session saved",
		zap.String("session_id", rec.Session.ID),
		zap.String("path", path))
	return nil
}

// Load reads the record for id. Missing records return ErrNotFound;
// undecodable records return ErrCorrupt.
func (s *FileStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if rec.Session.ID != id {
		return nil, fmt.Errorf("%w: %s: record id %q does not match file", ErrCorrupt, id, rec.Session.ID)
	}

	s.logger.Debug(ctx, "session loaded", zap.String("session_id", id))
	return &rec, nil
}

// List returns all persisted session ids, oldest first.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes the record for id. Deleting a missing record is not an
// error.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// validateID rejects ids that would escape the session directory.
func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}
