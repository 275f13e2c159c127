package atc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// quarantineDirName holds state files that failed to decode.
const quarantineDirName = "corrupt"

const quarantineStamp = "20060102T150405.000000000Z"

// readJSONFile decodes path into v. It reports found=false when the file does
// not exist. A decode error is returned as-is so callers can quarantine.
func readJSONFile(path string, v any) (found bool, err error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return true, fmt.Errorf("%s: empty file", filepath.Base(path))
	}
	if err := json.Unmarshal(b, v); err != nil {
		return true, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// writeJSONFile replaces path atomically: readers see either the old or the new
// content, never a partial write.
func writeJSONFile(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, werr := tmp.Write(append(b, '\n'))
	serr := tmp.Sync()
	cerr := tmp.Close()
	if err := errors.Join(werr, serr, cerr); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// QuarantineFile moves a corrupt state file to corrupt/<name>-<UTC stamp><ext>
// next to it and returns the new path. The stamp keeps every quarantined copy.
func QuarantineFile(path string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), quarantineDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	dst := filepath.Join(dir, strings.TrimSuffix(base, ext)+"-"+time.Now().UTC().Format(quarantineStamp)+ext)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", base, err)
	}
	return dst, nil
}
