package syncfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// atomicWriter writes a file via temp file + fsync + rename so a crash
// mid-write never leaves a half-written sync record behind.
type atomicWriter struct {
	targetPath string
	tempPath   string
	tempFile   *os.File
}

func newAtomicWriter(targetPath string) (*atomicWriter, error) {
	dir := filepath.Dir(targetPath)
	base := filepath.Base(targetPath)

	cleanDir := filepath.Clean(dir)
	if cleanDir != dir {
		return nil, fmt.Errorf("invalid directory path: potential directory traversal detected")
	}
	if strings.Contains(base, "..") || strings.ContainsRune(base, filepath.Separator) {
		return nil, fmt.Errorf("invalid filename: %s", base)
	}

	tempPath := filepath.Join(cleanDir, fmt.Sprintf(".%s.tmp.%d.%d", base, os.Getpid(), time.Now().UnixNano()))

	if err := os.MkdirAll(cleanDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile, err := os.OpenFile(filepath.Clean(tempPath), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		_ = os.Remove(tempPath)
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	return &atomicWriter{
		targetPath: targetPath,
		tempPath:   tempPath,
		tempFile:   tempFile,
	}, nil
}

func (aw *atomicWriter) Write(data []byte) (int, error) {
	if aw.tempFile == nil {
		return 0, fmt.Errorf("writer is closed")
	}
	n, err := aw.tempFile.Write(data)
	if err != nil {
		_ = aw.Abort()
	}
	return n, err
}

// Commit syncs the temp file and atomically renames it over the target.
func (aw *atomicWriter) Commit() error {
	if aw.tempFile == nil {
		return fmt.Errorf("writer is closed")
	}

	if err := aw.tempFile.Sync(); err != nil {
		_ = aw.Abort()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := aw.tempFile.Close(); err != nil {
		_ = aw.Abort()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	aw.tempFile = nil

	if err := os.Rename(aw.tempPath, aw.targetPath); err != nil {
		_ = os.Remove(aw.tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Abort cancels the write and removes the temp file.
func (aw *atomicWriter) Abort() error {
	var err error

	if aw.tempFile != nil {
		if closeErr := aw.tempFile.Close(); closeErr != nil {
			err = closeErr
		}
		aw.tempFile = nil
	}

	if removeErr := os.Remove(aw.tempPath); removeErr != nil && err == nil && !os.IsNotExist(removeErr) {
		err = removeErr
	}
	return err
}
