package training

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/example/poultry-check/internal/classifier"
)

// ErrWrite is returned when an artifact or history file cannot be written.
var ErrWrite = errors.New("write failed")

// Save writes the fitted network to path, replacing any existing file.
func Save(artifact *Artifact, path string) error {
	if artifact == nil || artifact.Network == nil {
		return fmt.Errorf("%w: nothing to save", ErrWrite)
	}
	return writeFile(path, func(w *bufio.Writer) error {
		return classifier.WriteArtifact(w, artifact.Network)
	})
}

// SaveHistory writes the per-epoch metrics as indented JSON.
func SaveHistory(history History, path string) error {
	return writeFile(path, func(w *bufio.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	})
}

// writeFile stages content in a sibling temp file and renames it over path so
// readers never observe a partial file.
func writeFile(path string, write func(*bufio.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	if err := write(w); err != nil {
		cleanup()
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrWrite, path, err)
	}
	return nil
}
