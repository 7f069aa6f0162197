package fileutil

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// CopyVerified copies src to dst through a temporary file in dst's
// directory, re-reads the written data, and renames it into place only when
// size and SHA-256 match the source. dst is never left half-written.
func CopyVerified(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat source: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	srcHash := sha256.New()
	written, err := io.Copy(tmp, io.TeeReader(in, srcHash))
	if err != nil {
		return 0, err
	}
	if written != info.Size() {
		return 0, fmt.Errorf("copy size mismatch: source %d bytes, copied %d bytes", info.Size(), written)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync copy: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	dstHash := sha256.New()
	if _, err := io.Copy(dstHash, tmp); err != nil {
		return 0, fmt.Errorf("re-read copy: %w", err)
	}
	if !bytes.Equal(srcHash.Sum(nil), dstHash.Sum(nil)) {
		return 0, fmt.Errorf("copy hash mismatch for %s", filepath.Base(src))
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return 0, err
	}
	committed = true
	return written, nil
}
