// Package domain defines the record types shared by the local store, the
// secret vault, and the sync reconciliation engine.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Annotation is a user note anchored to a page of a document.
type Annotation struct {
	ID        string    `json:"id"`
	Page      int       `json:"page"`
	Text      string    `json:"text"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentMetadata describes the document being read. Author may be unknown.
type DocumentMetadata struct {
	Title  string  `json:"title"`
	Author *string `json:"author"`
}

// ChatMessage is one turn of the document chat transcript.
type ChatMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// UIState is the per-document viewer state.
type UIState struct {
	CurrentPage int     `json:"currentPage"`
	Scale       float64 `json:"scale"`
}

// GlobalUIState is the viewer state shared across documents.
type GlobalUIState struct {
	ActiveTab        string `json:"activeTab"`
	IsPanelCollapsed bool   `json:"isPanelCollapsed"`
}

// Progress holds the two reconciled reading-progress counters for a
// document. FurthestPage only moves forward unless an authoritative
// override is applied; LastPageRead tracks where the user currently is
// and may move backward freely.
type Progress struct {
	FurthestPage *int `json:"furthestPage"`
	LastPageRead *int `json:"lastPageRead"`
}

// DocumentID derives a stable document identity from the document's name
// and byte size. The same file opened on another device yields the same ID.
func DocumentID(name string, size int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", name, size)))
	return hex.EncodeToString(sum[:16])
}

// IntPtr returns a pointer to v. Convenience for optional progress values.
func IntPtr(v int) *int {
	return &v
}
