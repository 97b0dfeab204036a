package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/leafmark/leafmark/internal/domain"
)

// Migration maps a payload one schema version forward. Migrations must be
// idempotent with respect to their output: migrating an already-migrated
// payload through the remaining chain yields the same bytes.
type Migration func(json.RawMessage) (json.RawMessage, error)

// schema holds the current version of a logical key and the chain of
// migrations; migrations[i] maps version i+1 to version i+2.
type schema struct {
	current    uint32
	migrations []Migration
}

// Logical key names. Per-document keys live in that document's bucket;
// singletons live in the global bucket.
const (
	KeyAnnotations      = "annotations"
	KeyDocumentMetadata = "document_metadata"
	KeyChatMessages     = "chat_messages"
	KeyUIState          = "ui_state"
	KeyGlobalUIState    = "global_ui_state"
	KeyFurthestPage     = "furthest_page"
	KeyLastPageRead     = "last_page_read"
	KeySidebarWidth     = "sidebar_width"
	KeyTheme            = "theme"
	KeyWarningDismissed = "warning_dismissed"
)

// registry maps each logical key to its schema. A bump to one key's
// version never affects another key.
var registry = map[string]schema{
	KeyAnnotations:      {current: 1},
	KeyDocumentMetadata: {current: 1},
	KeyChatMessages:     {current: 2, migrations: []Migration{migrateChatMessagesV1}},
	KeyUIState:          {current: 2, migrations: []Migration{migrateUIStateV1}},
	KeyGlobalUIState:    {current: 2, migrations: []Migration{migrateGlobalUIStateV1}},
	KeyFurthestPage:     {current: 1},
	KeyLastPageRead:     {current: 1},
	KeySidebarWidth:     {current: 1},
	KeyTheme:            {current: 1},
	KeyWarningDismissed: {current: 1},
}

// migrateUIStateV1 maps the v1 shape {page, zoom} to {currentPage, scale}.
func migrateUIStateV1(raw json.RawMessage) (json.RawMessage, error) {
	var v1 struct {
		Page int     `json:"page"`
		Zoom float64 `json:"zoom"`
	}
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, fmt.Errorf("ui_state v1 payload: %w", err)
	}

	scale := v1.Zoom
	if scale == 0 {
		scale = 1.0
	}

	return json.Marshal(domain.UIState{CurrentPage: v1.Page, Scale: scale})
}

// migrateChatMessagesV1 maps the v1 plain-string transcript to typed turns.
// V1 alternated user and assistant messages starting with the user.
func migrateChatMessagesV1(raw json.RawMessage) (json.RawMessage, error) {
	var v1 []string
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, fmt.Errorf("chat_messages v1 payload: %w", err)
	}

	msgs := make([]domain.ChatMessage, 0, len(v1))
	for i, content := range v1 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, domain.ChatMessage{Role: role, Content: content, Timestamp: time.Time{}})
	}

	return json.Marshal(msgs)
}

// migrateGlobalUIStateV1 adds isPanelCollapsed, defaulting to expanded.
func migrateGlobalUIStateV1(raw json.RawMessage) (json.RawMessage, error) {
	var v1 struct {
		ActiveTab string `json:"activeTab"`
	}
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, fmt.Errorf("global_ui_state v1 payload: %w", err)
	}

	return json.Marshal(domain.GlobalUIState{ActiveTab: v1.ActiveTab, IsPanelCollapsed: false})
}

// migrate applies the chain for key from the stored version up to current.
// The caller has already established version < current.
func migrate(key string, sc schema, version uint32, payload json.RawMessage) (json.RawMessage, error) {
	for v := version; v < sc.current; v++ {
		idx := int(v) - 1
		if idx < 0 || idx >= len(sc.migrations) {
			return nil, fmt.Errorf("no migration registered for %s v%d", key, v)
		}

		next, err := sc.migrations[idx](payload)
		if err != nil {
			return nil, fmt.Errorf("migrating %s v%d: %w", key, v, err)
		}
		payload = next
	}
	return payload, nil
}
