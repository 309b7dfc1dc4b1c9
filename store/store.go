// Package store persists user credentials and scheduled jobs in a
// single JSON document.
//
// Layout on disk, keyed by user id:
//
//	{
//	  "<user_id>": {
//	    "ci_session": "<token>",
//	    "jobs": { "<job_name>": { ... } }
//	  }
//	}
//
// The document is read fully at boot and rewritten on every mutation
// through a write-temp-and-rename, so a crash mid-write never leaves
// truncated state behind. A single mutex serializes mutations.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"

	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/metrics"
)

// Store owns the persistent state document.
type Store struct {
	path    string
	log     *logger.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	users map[string]*UserRecord
}

// Entry is one (user, job) pair produced by the boot rehydration
// stream.
type Entry struct {
	UserID string
	Name   string
	Job    Job
}

// NewStore loads the document at path, creating an empty state when
// the file does not exist yet. A document that exists but does not
// parse is an error; silently discarding jobs is worse than refusing
// to boot.
func NewStore(path string, log *logger.Logger, m *metrics.Metrics) (*Store, error) {
	if log == nil {
		log = logger.Discard()
	}
	s := &Store{
		path:    path,
		log:     log.WithField("component", "store"),
		metrics: m,
		users:   make(map[string]*UserRecord),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.log.Infof("no state file at %s, starting empty", path)
		return s, nil
	}
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(raw, &s.users); err != nil {
		return nil, trace.BadParameter("store: state file %s is not valid JSON: %v", path, err)
	}
	jobs := 0
	for _, rec := range s.users {
		jobs += len(rec.Jobs)
	}
	s.log.Infof("loaded %d users, %d jobs from %s", len(s.users), jobs, path)
	return s, nil
}

// GetCI returns the user-global ci_session credential, or "" when the
// user has none stored.
func (s *Store) GetCI(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.users[userID]; ok {
		return rec.CISession
	}
	return ""
}

// SetCI stores the user-global ci_session credential.
func (s *Store) SetCI(userID, ci string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(userID).CISession = ci
	return trace.Wrap(s.persistLocked())
}

// PutJob inserts or overwrites a job under the given name.
func (s *Store) PutJob(userID, name string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(userID).Jobs[name] = job
	return trace.Wrap(s.persistLocked())
}

// GetJob returns the named job.
func (s *Store) GetJob(userID, name string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.users[userID]; ok {
		if job, ok := rec.Jobs[name]; ok {
			return job, nil
		}
	}
	return Job{}, trace.NotFound("store: no job %q for user %s", name, userID)
}

// RemoveJob deletes the named job. Removing a job that does not exist
// is an error so callers can tell the user nothing matched.
func (s *Store) RemoveJob(userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return trace.NotFound("store: no job %q for user %s", name, userID)
	}
	if _, ok := rec.Jobs[name]; !ok {
		return trace.NotFound("store: no job %q for user %s", name, userID)
	}
	delete(rec.Jobs, name)
	return trace.Wrap(s.persistLocked())
}

// ReplaceJob removes oldName and stores job under newName in one
// write. Rescheduling uses this so the document never holds both the
// stale and the fresh record.
func (s *Store) ReplaceJob(userID, oldName, newName string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.recordLocked(userID)
	delete(rec.Jobs, oldName)
	rec.Jobs[newName] = job
	return trace.Wrap(s.persistLocked())
}

// ListJobsByUser returns a copy of the user's jobs keyed by name.
func (s *Store) ListJobsByUser(userID string) map[string]Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Job)
	if rec, ok := s.users[userID]; ok {
		for name, job := range rec.Jobs {
			out[name] = job
		}
	}
	return out
}

// Rehydrate streams every stored job so the scheduler can re-arm
// timers at boot. The snapshot is taken up front; mutations made
// while the stream is being consumed are not reflected.
func (s *Store) Rehydrate() <-chan Entry {
	s.mu.Lock()
	entries := make([]Entry, 0)
	for uid, rec := range s.users {
		for name, job := range rec.Jobs {
			entries = append(entries, Entry{UserID: uid, Name: name, Job: job})
		}
	}
	s.mu.Unlock()

	ch := make(chan Entry)
	go func() {
		defer close(ch)
		for _, e := range entries {
			ch <- e
		}
	}()
	return ch
}

func (s *Store) recordLocked(userID string) *UserRecord {
	rec, ok := s.users[userID]
	if !ok {
		rec = &UserRecord{Jobs: make(map[string]Job)}
		s.users[userID] = rec
	}
	if rec.Jobs == nil {
		rec.Jobs = make(map[string]Job)
	}
	return rec
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	if s.metrics != nil {
		s.metrics.IncrementStateWrites()
	}
	s.log.Debugf("state written to %s", s.path)
	return nil
}
