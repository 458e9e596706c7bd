// Package image manages disk image templates: importing them, pulling
// them from OCI registries and cloning them into instance disks.
package image

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrInsufficientSpace is returned when the target filesystem cannot
// hold the copy.
var ErrInsufficientSpace = errors.New("insufficient disk space")

// Clone copies src to dst through a staging file renamed into place, so
// dst is either absent or complete. needMB, when positive, is checked
// against free space on dst's filesystem first.
func Clone(src, dst string, needMB int) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return fmt.Errorf("create disk directory: %w", err)
	}
	if needMB > 0 {
		free, err := FreeMB(filepath.Dir(dst))
		if err != nil {
			return err
		}
		if free < uint64(needMB) {
			return fmt.Errorf("%w: need %d MB, %d MB free", ErrInsufficientSpace, needMB, free)
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	return writeStaged(dst, in)
}

// writeStaged streams r into path via path.tmp.
func writeStaged(path string, r io.Reader) error {
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy to %s: %w", tmp, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// FreeMB returns the space available to unprivileged users under dir.
func FreeMB(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize) / (1 << 20), nil
}
