package domain

import "testing"

func TestDocumentID(t *testing.T) {
	id := DocumentID("book.pdf", 1024)

	if len(id) != 32 {
		t.Errorf("ID length = %d, want 32 hex chars", len(id))
	}
	if id != DocumentID("book.pdf", 1024) {
		t.Error("Same name and size must yield the same ID")
	}
	if id == DocumentID("book.pdf", 1025) {
		t.Error("Different size must yield a different ID")
	}
	if id == DocumentID("other.pdf", 1024) {
		t.Error("Different name must yield a different ID")
	}

	// The separator prevents boundary collisions between name and size.
	if DocumentID("a1", 2) == DocumentID("a", 12) {
		t.Error("Boundary collision between name and size")
	}
}
