package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// snapshotFile is the on-disk JSON image of a MemoryStore. Writes go to a
// temp file that is renamed over the target, so a crash leaves either the
// old or the new image.
type snapshotFile struct {
	path string
	mu   sync.Mutex
}

func openSnapshotFile(dir string) (*snapshotFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &snapshotFile{path: filepath.Join(dir, "data.json")}, nil
}

// read decodes the snapshot into v. It reports false when no file exists.
func (f *snapshotFile) read(v interface{}) (bool, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}
	return true, nil
}

func (f *snapshotFile) write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
