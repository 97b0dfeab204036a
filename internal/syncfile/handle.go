// Package syncfile is the external sync-record collaborator: a user-bound
// file holding annotations, progress counters, and metadata, overwritten
// whole on every write. Handle acquisition (the file-picker UX) lives
// elsewhere; this package only does the I/O.
package syncfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/leafmark/leafmark/internal/domain"
)

// Record is the full contents of a sync file. Every write replaces the
// whole record; writers must read-merge first so fields they do not own
// are carried forward.
type Record struct {
	Annotations  []domain.Annotation      `json:"annotations"`
	FurthestPage *int                     `json:"furthestPage"`
	LastPageRead *int                     `json:"lastPageRead"`
	Metadata     *domain.DocumentMetadata `json:"metadata"`
}

// Handle is the raw file primitive the reconciliation engine consumes.
type Handle interface {
	// Name identifies the handle for logs and status output.
	Name() string

	// Read returns the file's current contents.
	Read(ctx context.Context) ([]byte, error)

	// Write replaces the file's contents.
	Write(ctx context.Context, data []byte) error

	// Exists reports whether the file currently exists.
	Exists() bool

	// LastModified returns the file's modification time.
	LastModified() (time.Time, error)
}

// FileHandle is a Handle backed by a local file path. Writes are atomic.
type FileHandle struct {
	path string
}

// NewFileHandle wraps an existing or to-be-created file path.
func NewFileHandle(path string) *FileHandle {
	return &FileHandle{path: filepath.Clean(path)}
}

// Name returns the base name of the underlying file.
func (h *FileHandle) Name() string {
	return filepath.Base(h.path)
}

// Path returns the full path of the underlying file.
func (h *FileHandle) Path() string {
	return h.path
}

func (h *FileHandle) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(h.path)
}

func (h *FileHandle) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w, err := newAtomicWriter(h.path)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Commit()
}

func (h *FileHandle) Exists() bool {
	_, err := os.Stat(h.path)
	return err == nil
}

func (h *FileHandle) LastModified() (time.Time, error) {
	info, err := os.Stat(h.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// EncodeRecord serializes a record for writing. Annotations are never
// encoded as null so other readers of the file see a well-formed list;
// the normalization happens on a copy, the caller's record is untouched.
func EncodeRecord(rec *Record) ([]byte, error) {
	out := *rec
	if out.Annotations == nil {
		out.Annotations = []domain.Annotation{}
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses sync-file bytes. Unparsable bytes yield an empty
// record and an error; callers log it and treat the record as absent
// rather than failing the reading session.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return &Record{}, fmt.Errorf("failed to decode sync record: %w", err)
	}
	return &rec, nil
}

// ReadRecord reads and decodes the handle's current record. A missing file
// is a nil record with no error; any other failure is returned for the
// caller to degrade on.
func ReadRecord(ctx context.Context, h Handle) (*Record, error) {
	if !h.Exists() {
		return nil, nil
	}

	data, err := h.Read(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return &Record{}, nil
	}
	return DecodeRecord(data)
}

// WriteRecord encodes and writes the full record.
func WriteRecord(ctx context.Context, h Handle, rec *Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	return h.Write(ctx, data)
}
