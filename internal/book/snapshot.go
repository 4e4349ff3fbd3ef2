package book

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SnapshotPath returns the snapshot location for a source archive: the
// archive's own name with a .json extension, beside the archive.
func SnapshotPath(sourcePath string) string {
	base := filepath.Base(sourcePath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(sourcePath), name+".json")
}

// Save persists the whole book graph to path. The write goes through a
// temporary file in the same directory followed by a rename, so an
// interrupted run never leaves a half-written snapshot behind.
func (b *Book) Save(path string) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal book: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}

// Load reads a snapshot back into a book graph.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var b Book
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	return &b, nil
}
