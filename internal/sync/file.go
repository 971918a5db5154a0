package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileDestination writes JSONL snapshots to a local file. The file is
// replaced atomically so a reader never sees a partial snapshot.
type FileDestination struct {
	Path string
}

// Write stores data at d.Path via a temp file and rename.
func (d *FileDestination) Write(_ context.Context, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(d.Path), 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	tmp := d.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	if err := os.Rename(tmp, d.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace backup: %w", err)
	}
	return nil
}
