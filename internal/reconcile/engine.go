// Package reconcile decides whether the externally-bound sync record or
// the local cache is authoritative for a document's reading progress and
// metadata, applies the monotonicity rules, and mirrors local changes back
// out with debouncing. It owns the merge policy, never the storage.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leafmark/leafmark/internal/domain"
	"github.com/leafmark/leafmark/internal/state"
	"github.com/leafmark/leafmark/internal/syncfile"
)

var (
	// ErrAlreadyBound is returned when binding over an existing binding.
	// Unbind first; rebinding implicitly would silently discard the old
	// record's authority.
	ErrAlreadyBound = errors.New("an external record is already bound")
	// ErrNotBound is returned by operations that require a bound record.
	ErrNotBound = errors.New("no external record is bound")
)

// SessionState is the per-document session state machine.
type SessionState int

const (
	// StateUnbound: no external record; the local store is the sole
	// source of truth.
	StateUnbound SessionState = iota
	// StateBound: an external record is bound and mirrored.
	StateBound
	// StateReconciling: an external read is in flight and local writes
	// derived from it are being applied; mirror write-back is suppressed
	// so adopting an external value cannot echo straight back out.
	StateReconciling
)

func (s SessionState) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBound:
		return "bound"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// DefaultProgressWindow is the debounce quiet period for progress mirrors.
const DefaultProgressWindow = 500 * time.Millisecond

// Engine reconciles one document's local state with an optional external
// sync record.
type Engine struct {
	store  *state.Store
	docID  string
	logger *zap.Logger

	mu            sync.Mutex
	sessionID     string
	st            SessionState
	handle        syncfile.Handle
	metadataDirty bool
	lastSyncAt    time.Time
	lastSyncErr   error

	debounce *Debouncer
}

// New creates an engine for one document session. window is the debounce
// quiet period for mirror writes; zero means DefaultProgressWindow.
func New(store *state.Store, docID string, window time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultProgressWindow
	}

	sessionID := uuid.NewString()
	return &Engine{
		store:     store,
		docID:     docID,
		logger:    logger.With(zap.String("doc", docID), zap.String("session", sessionID)),
		sessionID: sessionID,
		st:        StateUnbound,
		debounce:  NewDebouncer(window),
	}
}

// State returns the current session state.
func (e *Engine) State() SessionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// SessionID identifies this session in logs and status output.
func (e *Engine) SessionID() string {
	return e.sessionID
}

// Bind attaches an external record. If the record already contains values
// they are adopted into the local store: furthestPage bypasses the
// monotonicity guard (the external record is authoritative at bind time),
// lastPageRead and annotations unconditionally, metadata unless local
// edits are unsaved. Collaborator failures degrade to an empty record;
// binding itself never fails for environmental reasons.
func (e *Engine) Bind(ctx context.Context, h syncfile.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st != StateUnbound {
		return ErrAlreadyBound
	}

	e.handle = h
	e.st = StateReconciling

	rec, err := syncfile.ReadRecord(ctx, h)
	if err != nil {
		e.logger.Warn("bind: external record unreadable, treating as empty",
			zap.String("file", h.Name()), zap.Error(err))
		rec = nil
	}

	if rec != nil {
		e.adoptLocked(rec, true)
		e.lastSyncAt = time.Now()
		e.lastSyncErr = nil
	}

	e.st = StateBound
	e.logger.Info("bound external record", zap.String("file", h.Name()))
	return nil
}

// Attach binds an external record without adopting its contents. The
// local store stays authoritative, so the next mirror write overwrites
// the file with local values; a stale file can never regress local
// progress through this path. One-shot push flows use it.
func (e *Engine) Attach(h syncfile.Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st != StateUnbound {
		return ErrAlreadyBound
	}

	e.handle = h
	e.st = StateBound
	e.logger.Info("attached external record without adoption", zap.String("file", h.Name()))
	return nil
}

// Unbind drops the external reference. Local values are retained as the
// new sole source of truth; any pending mirror write is canceled.
func (e *Engine) Unbind() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st == StateUnbound {
		return
	}

	e.debounce.Stop()
	e.handle = nil
	e.st = StateUnbound
	e.logger.Info("unbound external record")
}

// adoptLocked applies an external record to the local store. Caller holds
// e.mu with st == StateReconciling, which suppresses the mirror write that
// a genuine local change would schedule.
func (e *Engine) adoptLocked(rec *syncfile.Record, force bool) {
	if rec.FurthestPage != nil {
		if _, err := e.store.SetFurthestPage(e.docID, *rec.FurthestPage, force); err != nil {
			e.logger.Warn("adopt: furthest page write failed", zap.Error(err))
		}
	}
	if rec.LastPageRead != nil {
		if err := e.store.SetLastPageRead(e.docID, *rec.LastPageRead); err != nil {
			e.logger.Warn("adopt: last page read write failed", zap.Error(err))
		}
	}
	if adoptMetadata(rec.Metadata, e.metadataDirty) {
		if err := e.store.SetMetadata(e.docID, *rec.Metadata); err != nil {
			e.logger.Warn("adopt: metadata write failed", zap.Error(err))
		}
	}
	if len(rec.Annotations) > 0 {
		if err := e.store.SetAnnotations(e.docID, rec.Annotations); err != nil {
			e.logger.Warn("adopt: annotations write failed", zap.Error(err))
		}
	}
}

// LoadProgress returns the effective reading progress. While bound it
// re-reads the external record first and prefers its values, updating the
// local cache to match; the external record remains authoritative on every
// re-read, so a stale record from another device can regress furthestPage.
// Collaborator failures degrade to the local cache.
func (e *Engine) LoadProgress(ctx context.Context) state.Result[domain.Progress] {
	e.mu.Lock()
	defer e.mu.Unlock()

	local := e.store.Progress(e.docID)

	if e.st != StateBound {
		return state.Ok(local)
	}

	e.st = StateReconciling
	defer func() { e.st = StateBound }()

	rec, err := syncfile.ReadRecord(ctx, e.handle)
	if err != nil {
		e.logger.Warn("load: external record unreadable, using local cache",
			zap.Error(err))
		e.lastSyncErr = err
		return state.Degraded(local, err)
	}
	if rec == nil {
		return state.Ok(local)
	}

	e.adoptLocked(rec, true)
	e.lastSyncAt = time.Now()
	e.lastSyncErr = nil

	external := domain.Progress{FurthestPage: rec.FurthestPage, LastPageRead: rec.LastPageRead}
	return state.Ok(mergeProgress(external, local))
}

// RecordPageAdvance handles a genuine local page-progress change. The
// furthest-page counter only moves forward; when it does, a debounced
// mirror write is scheduled. Advances arriving while an external read is
// being applied update local state but do not schedule a mirror.
func (e *Engine) RecordPageAdvance(ctx context.Context, page int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var effPtr *int
	if v, ok := e.store.FurthestPage(e.docID).Get(); ok {
		effPtr = domain.IntPtr(v)
	}
	if !shouldAdvance(page, effPtr) {
		return nil
	}

	changed, err := e.store.SetFurthestPage(e.docID, page, false)
	if err != nil {
		return err
	}
	if changed {
		e.scheduleMirrorLocked()
	}
	return nil
}

// RecordNavigation handles a manual navigation event. last_page_read
// follows user intent unconditionally, forward or backward.
func (e *Engine) RecordNavigation(ctx context.Context, page int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetLastPageRead(e.docID, page); err != nil {
		return err
	}
	e.scheduleMirrorLocked()
	return nil
}

// MarkMetadataDirty flags in-progress local metadata edits so a stale
// external read cannot overwrite them.
func (e *Engine) MarkMetadataDirty() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metadataDirty = true
}

// SaveMetadata persists edited metadata locally, clears the dirty flag,
// and schedules a mirror write.
func (e *Engine) SaveMetadata(ctx context.Context, md domain.DocumentMetadata) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetMetadata(e.docID, md); err != nil {
		return err
	}
	e.metadataDirty = false
	e.scheduleMirrorLocked()
	return nil
}

// scheduleMirrorLocked schedules a debounced mirror write. Caller holds
// e.mu. Suppressed while unbound or while an external read is in flight.
func (e *Engine) scheduleMirrorLocked() {
	if e.st != StateBound {
		return
	}
	e.debounce.Trigger(func() {
		e.mirror(context.Background())
	})
}

// mirror performs one read-merge-write cycle against the external record.
// The current external record is always read first so fields this write
// does not own (a concurrent annotation edit, say) are carried forward,
// then the whole merged record is written back.
func (e *Engine) mirror(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st == StateUnbound || e.handle == nil {
		return
	}

	current, err := syncfile.ReadRecord(ctx, e.handle)
	if err != nil {
		e.logger.Warn("mirror: external read failed, merging against empty record",
			zap.Error(err))
		current = nil
	}
	if current == nil {
		current = &syncfile.Record{}
	}

	merged := e.mergeForWriteLocked(current)

	if err := syncfile.WriteRecord(ctx, e.handle, merged); err != nil {
		e.logger.Warn("mirror: external write failed, local cache retained",
			zap.Error(err))
		e.lastSyncErr = err
		return
	}

	e.lastSyncAt = time.Now()
	e.lastSyncErr = nil
	e.logger.Debug("mirrored local state to external record")
}

// mergeForWriteLocked overlays locally-owned values onto the external
// record just read. Local values win where present; external values are
// preserved where the local store has nothing.
func (e *Engine) mergeForWriteLocked(current *syncfile.Record) *syncfile.Record {
	merged := &syncfile.Record{
		Annotations:  current.Annotations,
		FurthestPage: current.FurthestPage,
		LastPageRead: current.LastPageRead,
		Metadata:     current.Metadata,
	}

	if anns, ok := e.store.Annotations(e.docID).Get(); ok {
		merged.Annotations = anns
	}
	if v, ok := e.store.FurthestPage(e.docID).Get(); ok {
		merged.FurthestPage = domain.IntPtr(v)
	}
	if v, ok := e.store.LastPageRead(e.docID).Get(); ok {
		merged.LastPageRead = domain.IntPtr(v)
	}
	if md, ok := e.store.Metadata(e.docID).Get(); ok {
		merged.Metadata = &md
	}

	return merged
}

// Flush fires any pending mirror write immediately. Shutdown path.
func (e *Engine) Flush(ctx context.Context) {
	e.debounce.Flush()
}

// Push forces an immediate mirror write whether or not one is pending.
func (e *Engine) Push(ctx context.Context) error {
	e.mu.Lock()
	bound := e.st != StateUnbound && e.handle != nil
	e.mu.Unlock()

	if !bound {
		return ErrNotBound
	}

	e.debounce.Stop()
	e.mirror(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncErr
}

// LastSync reports when the external record was last successfully read or
// written, and the most recent collaborator error if the last attempt
// failed. Advisory only; surfaced by the UI, never blocking.
func (e *Engine) LastSync() (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSyncAt, e.lastSyncErr
}

// Close cancels pending work. It does not flush; call Flush first when a
// final mirror is wanted.
func (e *Engine) Close() {
	e.debounce.Stop()
}
