package image

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// buildLayer creates a v1.Layer holding the given regular files.
func buildLayer(t *testing.T, files map[string]string) v1.Layer {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header for %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write tar content for %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	layer, err := tarball.LayerFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("tarball.LayerFromReader: %v", err)
	}
	return layer
}

func buildImage(t *testing.T, layers ...v1.Layer) v1.Image {
	t.Helper()
	adds := make([]mutate.Addendum, len(layers))
	for i, l := range layers {
		adds[i] = mutate.Addendum{Layer: l}
	}
	img, err := mutate.Append(empty.Image, adds...)
	if err != nil {
		t.Fatalf("mutate.Append: %v", err)
	}
	return img
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestClone(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "images", "base.img")
	os.MkdirAll(filepath.Dir(src), 0755)
	if err := os.WriteFile(src, []byte("bootsector"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dir, "disks", "vm1.dsk")
	if err := Clone(src, dst, 0); err != nil {
		t.Fatalf("clone: %v", err)
	}
	if got := readFile(t, dst); got != "bootsector" {
		t.Errorf("disk = %q", got)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Error("staging file left behind")
	}
}

func TestCloneMissingSource(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "vm1.dsk")
	if err := Clone(filepath.Join(dir, "missing.img"), dst, 0); err == nil {
		t.Fatal("expected error for missing image")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("no disk should be created")
	}
}

func TestCloneInsufficientSpace(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "base.img")
	os.WriteFile(src, []byte("x"), 0644)

	err := Clone(src, filepath.Join(dir, "vm1.dsk"), 1<<30)
	if !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("err = %v, want ErrInsufficientSpace", err)
	}
}

func TestImportPlain(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "debian.qcow2")
	os.WriteFile(src, []byte("qcow"), 0644)

	res, err := Import(src, filepath.Join(dir, "images"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Filename != "debian.qcow2" || res.SizeBytes != 4 {
		t.Errorf("result = %+v", res)
	}
}

func TestImportGzip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "ubuntu.img.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("ubuntu disk"))
	gz.Close()
	os.WriteFile(src, buf.Bytes(), 0644)

	images := filepath.Join(dir, "images")
	res, err := Import(src, images)
	if err != nil {
		t.Fatal(err)
	}
	if res.Filename != "ubuntu.img" {
		t.Errorf("filename = %q", res.Filename)
	}
	if got := readFile(t, filepath.Join(images, "ubuntu.img")); got != "ubuntu disk" {
		t.Errorf("content = %q", got)
	}
}

func TestImportZstd(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "alpine.img.zst")

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	zw.Write([]byte("alpine disk"))
	zw.Close()
	os.WriteFile(src, buf.Bytes(), 0644)

	images := filepath.Join(dir, "images")
	res, err := Import(src, images)
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, filepath.Join(images, res.Filename)); got != "alpine disk" {
		t.Errorf("content = %q", got)
	}
}

func TestExtractDiskLatestLayerWins(t *testing.T) {
	img := buildImage(t,
		buildLayer(t, map[string]string{"disk/old.img": "old"}),
		buildLayer(t, map[string]string{"etc/hostname": "vm", "disk/new.qcow2": "new"}),
	)

	images := t.TempDir()
	res, err := ExtractDisk(img, images, "pulled.img")
	if err != nil {
		t.Fatal(err)
	}
	if res.Filename != "pulled.img" {
		t.Errorf("filename = %q", res.Filename)
	}
	if got := readFile(t, filepath.Join(images, "pulled.img")); got != "new" {
		t.Errorf("disk = %q, want new", got)
	}
}

func TestExtractDiskMissing(t *testing.T) {
	img := buildImage(t, buildLayer(t, map[string]string{"etc/hostname": "vm"}))

	_, err := ExtractDisk(img, t.TempDir(), "pulled.img")
	if !errors.Is(err, ErrNoDisk) {
		t.Fatalf("err = %v, want ErrNoDisk", err)
	}
}

func TestSizeMB(t *testing.T) {
	cases := map[int64]int{0: 0, 1: 1, 1 << 20: 1, 1<<20 + 1: 2}
	for in, want := range cases {
		if got := SizeMB(in); got != want {
			t.Errorf("SizeMB(%d) = %d, want %d", in, got, want)
		}
	}
}
