package image

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ImportResult describes an image file placed in the images directory.
type ImportResult struct {
	Filename  string
	SizeBytes int64
}

// Import copies a local image file into imagesDir, decompressing .gz and
// .zst sources on the way. The stored name drops the compression suffix.
func Import(src, imagesDir string) (*ImportResult, error) {
	in, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	name := filepath.Base(src)
	var r io.Reader = in
	switch {
	case strings.HasSuffix(name, ".gz"):
		gz, err := gzip.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("gzip %s: %w", src, err)
		}
		defer gz.Close()
		r = gz
		name = strings.TrimSuffix(name, ".gz")
	case strings.HasSuffix(name, ".zst"):
		zr, err := zstd.NewReader(in)
		if err != nil {
			return nil, fmt.Errorf("zstd %s: %w", src, err)
		}
		defer zr.Close()
		r = zr
		name = strings.TrimSuffix(name, ".zst")
	}
	if strings.ContainsAny(name, " \t\n") {
		return nil, fmt.Errorf("image filename %q must not contain whitespace", name)
	}

	if err := os.MkdirAll(imagesDir, 0700); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	dst := filepath.Join(imagesDir, name)
	if err := writeStaged(dst, r); err != nil {
		return nil, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, err
	}
	return &ImportResult{Filename: name, SizeBytes: info.Size()}, nil
}

// SizeMB rounds a byte count up to whole megabytes.
func SizeMB(n int64) int {
	return int((n + (1<<20 - 1)) >> 20)
}
