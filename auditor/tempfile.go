package auditor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SaveUpload writes incoming bytes to a transient path namespaced by session
// id. The record owns this path until the upload completes or fails. When a
// same-named file is already present the new path gets a nanosecond suffix
// so an in-flight upload never loses its backing bytes.
func SaveUpload(tempDir, sessionID, filename string, r io.Reader) (string, error) {
	if strings.TrimSpace(tempDir) == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", err
	}
	base := filepath.Base(filename)
	dstPath := filepath.Join(tempDir, sessionID+"_"+base)
	if _, err := os.Stat(dstPath); err == nil {
		ext := filepath.Ext(base)
		name := strings.TrimSuffix(base, ext)
		dstPath = filepath.Join(tempDir, fmt.Sprintf("%s_%s-%d%s", sessionID, name, time.Now().UnixNano(), ext))
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return "", err
	}
	_, copyErr := io.Copy(out, r)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dstPath)
		return "", copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dstPath)
		return "", closeErr
	}
	return dstPath, nil
}

// DisplayBase strips the session prefix a transient path carries, returning
// the name shown to the caller.
func DisplayBase(path, sessionID string) string {
	base := filepath.Base(path)
	return strings.TrimPrefix(base, sessionID+"_")
}
