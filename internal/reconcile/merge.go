package reconcile

import "github.com/leafmark/leafmark/internal/domain"

// The merge rules are pure functions so both the engine and its tests can
// exercise them without I/O.

// effectivePage prefers the external value over the local cache.
func effectivePage(external, local *int) *int {
	if external != nil {
		return external
	}
	return local
}

// shouldAdvance reports whether a genuinely new local page advance beats
// the current effective furthest page.
func shouldAdvance(page int, effective *int) bool {
	return effective == nil || page > *effective
}

// adoptMetadata reports whether an external metadata value should replace
// the local one. In-progress user edits must never be lost to a stale
// external read.
func adoptMetadata(external *domain.DocumentMetadata, localDirty bool) bool {
	return external != nil && !localDirty
}

// mergeProgress computes the effective progress from an external record
// and the local cache.
func mergeProgress(external, local domain.Progress) domain.Progress {
	return domain.Progress{
		FurthestPage: effectivePage(external.FurthestPage, local.FurthestPage),
		LastPageRead: effectivePage(external.LastPageRead, local.LastPageRead),
	}
}
