package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Workspace holds local copies of uploaded objects while they are scanned
// and analyzed. Nothing in it is authoritative; object storage is.
type Workspace interface {
	Save(uploadID string, data io.Reader) (int64, error)
	GetPath(uploadID string) (string, error)
	Delete(uploadID string) error
	EnsureDir() error
	PurgeOlderThan(age time.Duration) (int, error)
}

// ScratchDir stores working copies on the local filesystem.
type ScratchDir struct {
	basePath string
}

// NewScratchDir creates a scratch workspace rooted at basePath.
func NewScratchDir(basePath string) *ScratchDir {
	return &ScratchDir{basePath: basePath}
}

// EnsureDir creates the scratch directory if it doesn't exist.
func (fs *ScratchDir) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0700); err != nil {
		return fmt.Errorf("failed to create scratch directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Save writes data from a reader to the working copy for uploadID,
// replacing any previous copy. Returns the number of bytes written.
func (fs *ScratchDir) Save(uploadID string, data io.Reader) (int64, error) {
	filePath := fs.filePath(uploadID)

	// Write under a temporary name so a reader never sees a partial copy.
	tmp, err := os.CreateTemp(fs.basePath, uploadID+".*.part")
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch file: %w", err)
	}

	n, err := io.Copy(tmp, data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write scratch file: %w", err)
	}

	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to finalize scratch file %s: %w", filePath, err)
	}

	return n, nil
}

// GetPath returns the path of the working copy for uploadID.
// Returns an error wrapping os.ErrNotExist if there is none.
func (fs *ScratchDir) GetPath(uploadID string) (string, error) {
	filePath := fs.filePath(uploadID)

	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no working copy for upload %s: %w", uploadID, os.ErrNotExist)
		}
		return "", fmt.Errorf("failed to stat scratch file: %w", err)
	}

	return filePath, nil
}

// Delete removes the working copy for an upload.
func (fs *ScratchDir) Delete(uploadID string) error {
	filePath := fs.filePath(uploadID)
	if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete scratch file %s: %w", filePath, err)
	}
	return nil
}

// PurgeOlderThan removes working copies and abandoned partial writes
// last modified more than age ago. Returns how many files were removed.
func (fs *ScratchDir) PurgeOlderThan(age time.Duration) (int, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to list scratch directory: %w", err)
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(fs.basePath, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to purge %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

func (fs *ScratchDir) filePath(uploadID string) string {
	return filepath.Join(fs.basePath, uploadID+".bin")
}
