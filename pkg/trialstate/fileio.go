package trialstate

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// writeFileAtomic writes data to path through a temp file in the same
// directory followed by a rename, so readers see either the old or the new
// content.
func writeFileAtomic(fs afero.Fs, path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = fs.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(fs afero.Fs, path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	b = append(b, '\n')
	return writeFileAtomic(fs, path, b)
}

// readJSON decodes path into v. A missing file is returned as-is so callers
// can test it with os.IsNotExist; anything unreadable is ErrCorruptState.
func readJSON(fs afero.Fs, path string, v any) error {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return fmt.Errorf("%w: %s is empty", ErrCorruptState, path)
	}
	if err := json.Unmarshal([]byte(trimmed), v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrCorruptState, path, err)
	}
	return nil
}
