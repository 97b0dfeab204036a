// Package clipboard copies the vault secret to the system clipboard with a
// timed auto-clear so it never lingers there.
package clipboard

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
)

// CopyWithTimeout copies text to clipboard and clears it after timeout
func CopyWithTimeout(text string, timeout time.Duration) error {
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("failed to copy to clipboard: %w", err)
	}

	go func() {
		time.Sleep(timeout)

		// Only clear if the clipboard still holds our text; the user may
		// have copied something else in the meantime.
		current, err := clipboard.ReadAll()
		if err == nil && current == text {
			clipboard.WriteAll("")
		}
	}()

	return nil
}

// IsAvailable returns true if clipboard functionality is available
func IsAvailable() bool {
	_, err := clipboard.ReadAll()
	return err == nil
}

// Clear clears the clipboard
func Clear() error {
	return clipboard.WriteAll("")
}
