package sessions

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/huenique/claude-code-server/internal/persistence"
)

// ErrNotFound is returned when a session ID has no record.
var ErrNotFound = errors.New("sessions: not found")

// document is the on-disk shape of sessions.json
type document struct {
	Sessions map[string]*Session `json:"sessions"`
}

func newDocument() *document {
	return &document{Sessions: make(map[string]*Session)}
}

// Store persists sessions to a locked JSON document.
type Store struct {
	doc *persistence.Document
}

// NewStore creates a session store backed by the given file path.
func NewStore(path string) (*Store, error) {
	doc, err := persistence.NewDocument(path)
	if err != nil {
		return nil, err
	}
	return &Store{doc: doc}, nil
}

// CreateOptions are the caller-supplied fields for a new session.
type CreateOptions struct {
	ProjectPath string
	Model       string
	Metadata    map[string]any
}

// Create inserts a new session and returns it.
func (s *Store) Create(opts CreateOptions) (*Session, error) {
	now := time.Now().UTC()
	session := &Session{
		ID:          uuid.NewString(),
		ProjectPath: opts.ProjectPath,
		Model:       opts.Model,
		Status:      StatusActive,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if session.Metadata == nil {
		session.Metadata = make(map[string]any)
	}

	d := newDocument()
	err := s.doc.WithLock(d, func() error {
		d.Sessions[session.ID] = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Get returns a session by ID, re-reading the document from disk.
func (s *Store) Get(id string) (*Session, error) {
	d := newDocument()
	if err := s.doc.Load(d); err != nil {
		return nil, err
	}
	session, ok := d.Sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session, nil
}

// Patch is a partial update applied by Update. Nil fields are left alone.
type Patch struct {
	Status   *SessionStatus
	Model    *string
	Metadata map[string]any
}

// Update applies a patch to a session.
func (s *Store) Update(id string, patch Patch) (*Session, error) {
	var updated *Session
	d := newDocument()
	err := s.doc.WithLock(d, func() error {
		session, ok := d.Sessions[id]
		if !ok {
			return ErrNotFound
		}
		if patch.Status != nil {
			if !ValidStatus(*patch.Status) {
				return fmt.Errorf("invalid session status %q", *patch.Status)
			}
			session.Status = *patch.Status
		}
		if patch.Model != nil {
			session.Model = *patch.Model
		}
		if len(patch.Metadata) > 0 && session.Metadata == nil {
			// omitempty drops the empty map on write, so a reloaded
			// session can come back with nil metadata.
			session.Metadata = make(map[string]any)
		}
		for k, v := range patch.Metadata {
			session.Metadata[k] = v
		}
		session.UpdatedAt = time.Now().UTC()
		updated = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a session.
func (s *Store) Delete(id string) error {
	d := newDocument()
	return s.doc.WithLock(d, func() error {
		if _, ok := d.Sessions[id]; !ok {
			return ErrNotFound
		}
		delete(d.Sessions, id)
		return nil
	})
}

// ListOptions filter List results.
type ListOptions struct {
	Status      SessionStatus
	ProjectPath string
	Limit       int
}

// List returns sessions sorted by updated_at descending.
func (s *Store) List(opts ListOptions) ([]*Session, error) {
	d := newDocument()
	if err := s.doc.Load(d); err != nil {
		return nil, err
	}

	result := make([]*Session, 0, len(d.Sessions))
	for _, session := range d.Sessions {
		if opts.Status != "" && session.Status != opts.Status {
			continue
		}
		if opts.ProjectPath != "" && session.ProjectPath != opts.ProjectPath {
			continue
		}
		result = append(result, session)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// Search matches q as a substring of the session ID or any metadata value.
func (s *Store) Search(q string, limit int) ([]*Session, error) {
	d := newDocument()
	if err := s.doc.Load(d); err != nil {
		return nil, err
	}

	q = strings.ToLower(q)
	var result []*Session
	for _, session := range d.Sessions {
		if matchesQuery(session, q) {
			result = append(result, session)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func matchesQuery(session *Session, q string) bool {
	if strings.Contains(strings.ToLower(session.ID), q) {
		return true
	}
	for k, v := range session.Metadata {
		if strings.Contains(strings.ToLower(k), q) {
			return true
		}
		if strings.Contains(strings.ToLower(fmt.Sprintf("%v", v)), q) {
			return true
		}
	}
	return false
}

// Cleanup removes sessions whose updated_at is older than retentionDays.
// Returns the number removed.
func (s *Store) Cleanup(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	removed := 0
	d := newDocument()
	err := s.doc.WithLock(d, func() error {
		for id, session := range d.Sessions {
			if session.UpdatedAt.Before(cutoff) {
				delete(d.Sessions, id)
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// IncrementMessages bumps a session's message counter.
func (s *Store) IncrementMessages(id string) error {
	d := newDocument()
	return s.doc.WithLock(d, func() error {
		session, ok := d.Sessions[id]
		if !ok {
			return ErrNotFound
		}
		session.MessagesCount++
		session.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// AddCost attributes usd to a session's running total. Negative amounts
// are rejected to keep the counter monotonic.
func (s *Store) AddCost(id string, usd float64) error {
	if usd < 0 {
		return fmt.Errorf("cost must be non-negative, got %f", usd)
	}
	d := newDocument()
	return s.doc.WithLock(d, func() error {
		session, ok := d.Sessions[id]
		if !ok {
			return ErrNotFound
		}
		session.TotalCostUSD += usd
		session.UpdatedAt = time.Now().UTC()
		return nil
	})
}
