// Package state is the versioned local store: every record is persisted
// inside an envelope carrying its schema version, older versions are
// migrated forward on read, and newer-than-known versions are discarded
// rather than misinterpreted.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/leafmark/leafmark/internal/domain"
)

var (
	// ErrUnknownKey is returned for a logical key with no registered
	// schema. This is a usage bug, not an environmental condition.
	ErrUnknownKey = errors.New("unknown logical key")
	// ErrStoreClosed is returned when operating on a closed store
	ErrStoreClosed = errors.New("state store is closed")
	// ErrStoreLocked is returned when another process holds the state database
	ErrStoreLocked = errors.New("state database is locked by another process")
)

const globalBucket = "global"

// DefaultSidebarWidth is used when no sidebar width has been stored.
const DefaultSidebarWidth = 384

// DefaultTheme is used when no theme has been stored.
const DefaultTheme = "light"

// envelope is the persisted form of every record.
type envelope struct {
	Version uint32          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Store is a bbolt-backed key/value store with one bucket per document
// plus a global bucket for singletons.
type Store struct {
	db     *bbolt.DB
	lock   *FileLock
	logger *zap.Logger
}

// Open opens (or creates) the state database at path, guarding it with a
// file lock against a second process.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	lock := NewFileLock(path)
	if err := lock.Lock(10 * time.Second); err != nil {
		return nil, ErrStoreLocked
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(globalBucket))
		return err
	})
	if err != nil {
		db.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to initialize state database: %w", err)
	}

	return &Store{db: db, lock: lock, logger: logger}, nil
}

// Close closes the database and releases the file lock.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	if s.lock != nil {
		if lockErr := s.lock.Unlock(); lockErr != nil && err == nil {
			err = lockErr
		}
		s.lock = nil
	}
	return err
}

func bucketName(docID string) []byte {
	if docID == "" {
		return []byte(globalBucket)
	}
	return []byte("doc:" + docID)
}

// Get reads the record stored under key for docID (empty docID means the
// global scope), migrating older schema versions forward. Corrupted and
// future-version records read as absent; database failures degrade. The
// returned error is only ever ErrUnknownKey or ErrStoreClosed.
func Get[T any](s *Store, docID, key string) (Result[T], error) {
	var zero T

	sc, ok := registry[key]
	if !ok {
		return Absent[T](), fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if s.db == nil {
		return Absent[T](), ErrStoreClosed
	}

	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(docID))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return Degraded(zero, err), nil
	}
	if raw == nil {
		return Absent[T](), nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.logger.Warn("state: unparsable record, treating as absent",
			zap.String("key", key), zap.String("doc", docID), zap.Error(err))
		return Absent[T](), nil
	}

	payload := env.Payload
	switch {
	case env.Version > sc.current:
		s.logger.Warn("state: record from a future schema version, discarding",
			zap.String("key", key),
			zap.Uint32("stored_version", env.Version),
			zap.Uint32("current_version", sc.current))
		return Absent[T](), nil

	case env.Version < sc.current:
		migrated, err := migrate(key, sc, env.Version, payload)
		if err != nil {
			s.logger.Warn("state: migration failed, treating as absent",
				zap.String("key", key), zap.Error(err))
			return Absent[T](), nil
		}
		// Storage is not rewritten here; the next Set persists at the
		// current version.
		payload = migrated
	}

	var value T
	if err := json.Unmarshal(payload, &value); err != nil {
		s.logger.Warn("state: payload does not match schema, treating as absent",
			zap.String("key", key), zap.Error(err))
		return Absent[T](), nil
	}
	return Ok(value), nil
}

// Set writes payload under key for docID at the key's current schema
// version.
func Set[T any](s *Store, docID, key string, payload T) error {
	sc, ok := registry[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if s.db == nil {
		return ErrStoreClosed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", key, err)
	}

	data, err := json.Marshal(envelope{Version: sc.current, Payload: body})
	if err != nil {
		return fmt.Errorf("failed to marshal %s envelope: %w", key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(docID))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

// Delete removes the record under key for docID. Missing records are not
// an error.
func (s *Store) Delete(docID, key string) error {
	if _, ok := registry[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if s.db == nil {
		return ErrStoreClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName(docID))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

// Annotations returns the annotation list for a document.
func (s *Store) Annotations(docID string) Result[[]domain.Annotation] {
	r, err := Get[[]domain.Annotation](s, docID, KeyAnnotations)
	if err != nil {
		return Absent[[]domain.Annotation]()
	}
	return r
}

// SetAnnotations replaces the annotation list for a document.
func (s *Store) SetAnnotations(docID string, anns []domain.Annotation) error {
	return Set(s, docID, KeyAnnotations, anns)
}

// AddAnnotation appends a new annotation with a generated ID.
func (s *Store) AddAnnotation(docID string, page int, text, color string) (domain.Annotation, error) {
	now := time.Now().UTC()
	ann := domain.Annotation{
		ID:        uuid.NewString(),
		Page:      page,
		Text:      text,
		Color:     color,
		CreatedAt: now,
		UpdatedAt: now,
	}

	anns := s.Annotations(docID).Or(nil)
	anns = append(anns, ann)
	if err := s.SetAnnotations(docID, anns); err != nil {
		return domain.Annotation{}, err
	}
	return ann, nil
}

// Metadata returns the document metadata record.
func (s *Store) Metadata(docID string) Result[domain.DocumentMetadata] {
	r, err := Get[domain.DocumentMetadata](s, docID, KeyDocumentMetadata)
	if err != nil {
		return Absent[domain.DocumentMetadata]()
	}
	return r
}

// SetMetadata stores the document metadata record.
func (s *Store) SetMetadata(docID string, md domain.DocumentMetadata) error {
	return Set(s, docID, KeyDocumentMetadata, md)
}

// ChatMessages returns the chat transcript for a document.
func (s *Store) ChatMessages(docID string) Result[[]domain.ChatMessage] {
	r, err := Get[[]domain.ChatMessage](s, docID, KeyChatMessages)
	if err != nil {
		return Absent[[]domain.ChatMessage]()
	}
	return r
}

// SetChatMessages replaces the chat transcript for a document.
func (s *Store) SetChatMessages(docID string, msgs []domain.ChatMessage) error {
	return Set(s, docID, KeyChatMessages, msgs)
}

// UIState returns the per-document viewer state.
func (s *Store) UIState(docID string) Result[domain.UIState] {
	r, err := Get[domain.UIState](s, docID, KeyUIState)
	if err != nil {
		return Absent[domain.UIState]()
	}
	return r
}

// SetUIState stores the per-document viewer state.
func (s *Store) SetUIState(docID string, st domain.UIState) error {
	return Set(s, docID, KeyUIState, st)
}

// GlobalUIState returns the cross-document viewer state.
func (s *Store) GlobalUIState() Result[domain.GlobalUIState] {
	r, err := Get[domain.GlobalUIState](s, "", KeyGlobalUIState)
	if err != nil {
		return Absent[domain.GlobalUIState]()
	}
	return r
}

// SetGlobalUIState stores the cross-document viewer state.
func (s *Store) SetGlobalUIState(st domain.GlobalUIState) error {
	return Set(s, "", KeyGlobalUIState, st)
}

// FurthestPage returns the furthest page reached for a document.
func (s *Store) FurthestPage(docID string) Result[int] {
	r, err := Get[int](s, docID, KeyFurthestPage)
	if err != nil {
		return Absent[int]()
	}
	return r
}

// SetFurthestPage records the furthest page reached. The value only moves
// forward unless force is set; force is reserved for adopting a value from
// an authoritative external record. Returns whether storage changed.
func (s *Store) SetFurthestPage(docID string, page int, force bool) (bool, error) {
	if !force {
		if cur, ok := s.FurthestPage(docID).Get(); ok && page <= cur {
			return false, nil
		}
	}
	if err := Set(s, docID, KeyFurthestPage, page); err != nil {
		return false, err
	}
	return true, nil
}

// LastPageRead returns where the user currently is in a document.
func (s *Store) LastPageRead(docID string) Result[int] {
	r, err := Get[int](s, docID, KeyLastPageRead)
	if err != nil {
		return Absent[int]()
	}
	return r
}

// SetLastPageRead records the user's current page. No ordering constraint:
// it tracks user intent, not a monotone counter.
func (s *Store) SetLastPageRead(docID string, page int) error {
	return Set(s, docID, KeyLastPageRead, page)
}

// Progress assembles both progress counters for a document.
func (s *Store) Progress(docID string) domain.Progress {
	var p domain.Progress
	if v, ok := s.FurthestPage(docID).Get(); ok {
		p.FurthestPage = domain.IntPtr(v)
	}
	if v, ok := s.LastPageRead(docID).Get(); ok {
		p.LastPageRead = domain.IntPtr(v)
	}
	return p
}

// SidebarWidth returns the stored sidebar width, defaulting to
// DefaultSidebarWidth.
func (s *Store) SidebarWidth() int {
	r, err := Get[int](s, "", KeySidebarWidth)
	if err != nil {
		return DefaultSidebarWidth
	}
	return r.Or(DefaultSidebarWidth)
}

// SetSidebarWidth stores the sidebar width.
func (s *Store) SetSidebarWidth(width int) error {
	return Set(s, "", KeySidebarWidth, width)
}

// Theme returns the stored theme, defaulting to DefaultTheme.
func (s *Store) Theme() string {
	r, err := Get[string](s, "", KeyTheme)
	if err != nil {
		return DefaultTheme
	}

	theme := r.Or(DefaultTheme)
	if theme != "light" && theme != "dark" {
		return DefaultTheme
	}
	return theme
}

// SetTheme stores the theme.
func (s *Store) SetTheme(theme string) error {
	if theme != "light" && theme != "dark" {
		return fmt.Errorf("invalid theme %q: must be light or dark", theme)
	}
	return Set(s, "", KeyTheme, theme)
}

// WarningDismissed reports whether the per-document advisory warning has
// been dismissed.
func (s *Store) WarningDismissed(docID string) bool {
	r, err := Get[bool](s, docID, KeyWarningDismissed)
	if err != nil {
		return false
	}
	return r.Or(false)
}

// SetWarningDismissed records the per-document advisory warning dismissal.
func (s *Store) SetWarningDismissed(docID string, dismissed bool) error {
	return Set(s, docID, KeyWarningDismissed, dismissed)
}

// VerifyIntegrity checks that the database opens and the global bucket is
// intact. Used by the doctor command.
func (s *Store) VerifyIntegrity() error {
	if s.db == nil {
		return ErrStoreClosed
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(globalBucket)) == nil {
			return errors.New("missing global bucket")
		}
		return nil
	})
}
