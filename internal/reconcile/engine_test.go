package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leafmark/leafmark/internal/domain"
	"github.com/leafmark/leafmark/internal/state"
	"github.com/leafmark/leafmark/internal/syncfile"
)

// fakeHandle is an in-memory syncfile.Handle with injectable failures.
type fakeHandle struct {
	mu        sync.Mutex
	data      []byte
	exists    bool
	modTime   time.Time
	reads     int
	writes    int
	failRead  bool
	failWrite bool
}

func (f *fakeHandle) Name() string { return "fake.sync.json" }

func (f *fakeHandle) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failRead {
		return nil, errors.New("injected read failure")
	}
	return append([]byte(nil), f.data...), nil
}

func (f *fakeHandle) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failWrite {
		return errors.New("injected write failure")
	}
	f.data = append([]byte(nil), data...)
	f.exists = true
	f.modTime = time.Now()
	return nil
}

func (f *fakeHandle) Exists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *fakeHandle) LastModified() (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modTime, nil
}

func (f *fakeHandle) setRecord(t *testing.T, rec *syncfile.Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)

	f.mu.Lock()
	f.data = data
	f.exists = true
	f.modTime = time.Now()
	f.mu.Unlock()
}

func (f *fakeHandle) record(t *testing.T) *syncfile.Record {
	t.Helper()
	f.mu.Lock()
	data := append([]byte(nil), f.data...)
	f.mu.Unlock()

	rec, err := syncfile.DecodeRecord(data)
	require.NoError(t, err)
	return rec
}

func (f *fakeHandle) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func newTestEngine(t *testing.T, window time.Duration) (*Engine, *state.Store) {
	t.Helper()

	st, err := state.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e := New(st, "doc1", window, nil)
	t.Cleanup(e.Close)
	return e, st
}

func TestEngine_UnboundUsesLocalOnly(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	_, err := st.SetFurthestPage("doc1", 12, false)
	require.NoError(t, err)

	assert.Equal(t, StateUnbound, e.State())

	r := e.LoadProgress(ctx)
	assert.Equal(t, state.StatusOk, r.Status)
	require.NotNil(t, r.Value.FurthestPage)
	assert.Equal(t, 12, *r.Value.FurthestPage)

	assert.ErrorIs(t, e.Push(ctx), ErrNotBound)
}

func TestEngine_UnboundMonotonicity(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	_, err := st.SetFurthestPage("doc1", 12, false)
	require.NoError(t, err)

	// Navigating backwards moves last_page_read but never furthest_page.
	require.NoError(t, e.RecordNavigation(ctx, 8))
	require.NoError(t, e.RecordPageAdvance(ctx, 8))

	assert.Equal(t, 12, st.FurthestPage("doc1").Or(-1))
	assert.Equal(t, 8, st.LastPageRead("doc1").Or(-1))

	// Forward movement still advances.
	require.NoError(t, e.RecordPageAdvance(ctx, 15))
	assert.Equal(t, 15, st.FurthestPage("doc1").Or(-1))
}

func TestEngine_BindAdoptsExternalRecord(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	_, err := st.SetFurthestPage("doc1", 3, false)
	require.NoError(t, err)
	require.NoError(t, st.SetLastPageRead("doc1", 3))

	author := "A. Writer"
	fake := &fakeHandle{}
	fake.setRecord(t, &syncfile.Record{
		Annotations:  []domain.Annotation{{ID: "a1", Page: 2, Text: "remote note"}},
		FurthestPage: domain.IntPtr(10),
		LastPageRead: domain.IntPtr(7),
		Metadata:     &domain.DocumentMetadata{Title: "Remote Title", Author: &author},
	})

	require.NoError(t, e.Bind(ctx, fake))
	assert.Equal(t, StateBound, e.State())

	assert.Equal(t, 10, st.FurthestPage("doc1").Or(-1))
	assert.Equal(t, 7, st.LastPageRead("doc1").Or(-1))

	md, ok := st.Metadata("doc1").Get()
	require.True(t, ok)
	assert.Equal(t, "Remote Title", md.Title)

	anns := st.Annotations("doc1").Or(nil)
	require.Len(t, anns, 1)
	assert.Equal(t, "a1", anns[0].ID)

	// Adoption must not echo back out as a mirror write.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fake.writeCount())
}

func TestEngine_BindOverBindFails(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, e.Bind(ctx, &fakeHandle{}))
	assert.ErrorIs(t, e.Bind(ctx, &fakeHandle{}), ErrAlreadyBound)

	// Unbind makes rebinding legal again.
	e.Unbind()
	assert.Equal(t, StateUnbound, e.State())
	require.NoError(t, e.Bind(ctx, &fakeHandle{}))
}

func TestEngine_ExternalRecordAuthoritativeOnReload(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, e.Bind(ctx, &fakeHandle{}))

	_, err := st.SetFurthestPage("doc1", 12, false)
	require.NoError(t, err)

	// A stale record from another device regresses the counter on re-read;
	// the bound record stays authoritative.
	fake := &fakeHandle{}
	fake.setRecord(t, &syncfile.Record{FurthestPage: domain.IntPtr(5)})
	e.Unbind()
	require.NoError(t, e.Bind(ctx, fake))

	r := e.LoadProgress(ctx)
	assert.Equal(t, state.StatusOk, r.Status)
	require.NotNil(t, r.Value.FurthestPage)
	assert.Equal(t, 5, *r.Value.FurthestPage)
	assert.Equal(t, 5, st.FurthestPage("doc1").Or(-1))
}

func TestEngine_DebounceCoalescesAdvances(t *testing.T) {
	e, _ := newTestEngine(t, 40*time.Millisecond)
	ctx := context.Background()

	fake := &fakeHandle{}
	require.NoError(t, e.Bind(ctx, fake))

	for page := 1; page <= 5; page++ {
		require.NoError(t, e.RecordPageAdvance(ctx, page))
	}

	require.Eventually(t, func() bool {
		return fake.writeCount() == 1
	}, time.Second, 10*time.Millisecond, "burst should collapse into one write")

	rec := fake.record(t)
	require.NotNil(t, rec.FurthestPage)
	assert.Equal(t, 5, *rec.FurthestPage)

	// No further writes after the burst.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, fake.writeCount())
}

func TestEngine_MirrorPreservesUnownedFields(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)
	ctx := context.Background()

	fake := &fakeHandle{}
	require.NoError(t, e.Bind(ctx, fake))

	// Another device writes fields this engine has no local values for.
	fake.setRecord(t, &syncfile.Record{
		Annotations: []domain.Annotation{{ID: "remote", Page: 1, Text: "from elsewhere"}},
		Metadata:    &domain.DocumentMetadata{Title: "Elsewhere"},
	})

	require.NoError(t, e.RecordNavigation(ctx, 4))
	require.NoError(t, e.Push(ctx))

	rec := fake.record(t)
	require.NotNil(t, rec.LastPageRead)
	assert.Equal(t, 4, *rec.LastPageRead)
	require.Len(t, rec.Annotations, 1)
	assert.Equal(t, "remote", rec.Annotations[0].ID)
	require.NotNil(t, rec.Metadata)
	assert.Equal(t, "Elsewhere", rec.Metadata.Title)
}

func TestEngine_MetadataDirtyGuard(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	e.MarkMetadataDirty()

	fake := &fakeHandle{}
	fake.setRecord(t, &syncfile.Record{
		Metadata: &domain.DocumentMetadata{Title: "Stale Remote"},
	})
	require.NoError(t, e.Bind(ctx, fake))

	_, ok := st.Metadata("doc1").Get()
	assert.False(t, ok, "stale external metadata must not overwrite unsaved edits")

	// Saving clears the flag and the local value wins from then on.
	require.NoError(t, e.SaveMetadata(ctx, domain.DocumentMetadata{Title: "My Edit"}))
	md, ok := st.Metadata("doc1").Get()
	require.True(t, ok)
	assert.Equal(t, "My Edit", md.Title)

	require.NoError(t, e.Push(ctx))
	rec := fake.record(t)
	require.NotNil(t, rec.Metadata)
	assert.Equal(t, "My Edit", rec.Metadata.Title)
}

func TestEngine_ReadFailureDegrades(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	fake := &fakeHandle{}
	require.NoError(t, e.Bind(ctx, fake))

	_, err := st.SetFurthestPage("doc1", 9, false)
	require.NoError(t, err)

	fake.mu.Lock()
	fake.exists = true
	fake.failRead = true
	fake.mu.Unlock()

	r := e.LoadProgress(ctx)
	assert.Equal(t, state.StatusDegraded, r.Status)
	require.NotNil(t, r.Value.FurthestPage)
	assert.Equal(t, 9, *r.Value.FurthestPage, "degraded result still carries local values")

	_, syncErr := e.LastSync()
	assert.Error(t, syncErr)
}

func TestEngine_WriteFailureRetainsLocal(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	fake := &fakeHandle{failWrite: true}
	require.NoError(t, e.Bind(ctx, fake))

	require.NoError(t, e.RecordPageAdvance(ctx, 6))
	assert.Error(t, e.Push(ctx))

	// The local cache is untouched by the failed mirror.
	assert.Equal(t, 6, st.FurthestPage("doc1").Or(-1))
}

func TestEngine_UnbindCancelsPendingMirror(t *testing.T) {
	e, st := newTestEngine(t, 40*time.Millisecond)
	ctx := context.Background()

	fake := &fakeHandle{}
	require.NoError(t, e.Bind(ctx, fake))

	require.NoError(t, e.RecordPageAdvance(ctx, 7))
	e.Unbind()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, fake.writeCount(), "pending mirror should be canceled by unbind")

	// Local values are retained as the sole source of truth.
	assert.Equal(t, 7, st.FurthestPage("doc1").Or(-1))
}

func TestEngine_FlushFiresPendingMirror(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)
	ctx := context.Background()

	fake := &fakeHandle{}
	require.NoError(t, e.Bind(ctx, fake))

	require.NoError(t, e.RecordPageAdvance(ctx, 3))
	assert.Equal(t, 0, fake.writeCount())

	e.Flush(ctx)
	assert.Equal(t, 1, fake.writeCount())

	rec := fake.record(t)
	require.NotNil(t, rec.FurthestPage)
	assert.Equal(t, 3, *rec.FurthestPage)
}

func TestEngine_PushAfterAttachKeepsLocalAuthority(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	_, err := st.SetFurthestPage("doc1", 20, false)
	require.NoError(t, err)

	// The file holds older progress than the local store. A push must
	// mirror local values out, never adopt the stale file value first.
	fake := &fakeHandle{}
	fake.setRecord(t, &syncfile.Record{FurthestPage: domain.IntPtr(5)})

	require.NoError(t, e.Attach(fake))
	assert.Equal(t, StateBound, e.State())
	require.NoError(t, e.Push(ctx))

	assert.Equal(t, 20, st.FurthestPage("doc1").Or(-1), "local progress must survive the push")

	rec := fake.record(t)
	require.NotNil(t, rec.FurthestPage)
	assert.Equal(t, 20, *rec.FurthestPage, "file must carry the local value after the push")
}

func TestEngine_AttachOverBindingFails(t *testing.T) {
	e, _ := newTestEngine(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, e.Attach(&fakeHandle{}))
	assert.ErrorIs(t, e.Attach(&fakeHandle{}), ErrAlreadyBound)
	assert.ErrorIs(t, e.Bind(ctx, &fakeHandle{}), ErrAlreadyBound)

	e.Unbind()
	require.NoError(t, e.Bind(ctx, &fakeHandle{}))
}

func TestEngine_BindUnreadableRecordDegradesToEmpty(t *testing.T) {
	e, st := newTestEngine(t, time.Hour)
	ctx := context.Background()

	_, err := st.SetFurthestPage("doc1", 4, false)
	require.NoError(t, err)

	fake := &fakeHandle{exists: true, failRead: true}
	require.NoError(t, e.Bind(ctx, fake), "bind never fails for environmental reasons")
	assert.Equal(t, StateBound, e.State())

	// Local state is untouched when the external record cannot be read.
	assert.Equal(t, 4, st.FurthestPage("doc1").Or(-1))
}
