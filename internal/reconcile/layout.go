package reconcile

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leafmark/leafmark/internal/domain"
	"github.com/leafmark/leafmark/internal/state"
)

// DefaultLayoutWindow is the debounce quiet period for layout writes.
const DefaultLayoutWindow = 300 * time.Millisecond

// LayoutSaver coalesces bursts of layout-preference changes (a sidebar
// drag emits one event per pixel, panel toggles can be mashed) into one
// store write per quiet period. Progress writes have their own window on
// the engine; layout uses a shorter one since the values are cheap.
type LayoutSaver struct {
	store  *state.Store
	logger *zap.Logger

	mu     sync.Mutex
	width  *int
	global *domain.GlobalUIState

	debounce *Debouncer
}

// NewLayoutSaver creates a saver writing to store. window is the debounce
// quiet period; zero means DefaultLayoutWindow.
func NewLayoutSaver(store *state.Store, window time.Duration, logger *zap.Logger) *LayoutSaver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultLayoutWindow
	}
	return &LayoutSaver{store: store, logger: logger, debounce: NewDebouncer(window)}
}

// SetSidebarWidth schedules a sidebar width write.
func (ls *LayoutSaver) SetSidebarWidth(width int) {
	ls.mu.Lock()
	ls.width = domain.IntPtr(width)
	ls.mu.Unlock()
	ls.debounce.Trigger(ls.save)
}

// SetGlobalUIState schedules a cross-document viewer-state write.
func (ls *LayoutSaver) SetGlobalUIState(gs domain.GlobalUIState) {
	ls.mu.Lock()
	ls.global = &gs
	ls.mu.Unlock()
	ls.debounce.Trigger(ls.save)
}

func (ls *LayoutSaver) save() {
	ls.mu.Lock()
	width := ls.width
	global := ls.global
	ls.width = nil
	ls.global = nil
	ls.mu.Unlock()

	if width != nil {
		if err := ls.store.SetSidebarWidth(*width); err != nil {
			ls.logger.Warn("layout: sidebar width write failed", zap.Error(err))
		}
	}
	if global != nil {
		if err := ls.store.SetGlobalUIState(*global); err != nil {
			ls.logger.Warn("layout: global viewer state write failed", zap.Error(err))
		}
	}
}

// Flush writes any pending layout change immediately. Shutdown path.
func (ls *LayoutSaver) Flush() {
	ls.debounce.Flush()
}

// Close drops pending work without writing.
func (ls *LayoutSaver) Close() {
	ls.debounce.Stop()
}
