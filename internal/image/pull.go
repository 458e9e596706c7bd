package image

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// diskDir is where container-disk images keep their VM disk.
const diskDir = "disk/"

// ErrNoDisk means no layer carries a file under disk/.
var ErrNoDisk = errors.New("no disk file in image")

// PullResult contains the pulled image and its digest.
type PullResult struct {
	Image  v1.Image
	Digest string // e.g. "sha256:abc123..."
}

// Pull resolves an image reference and returns the linux/amd64 variant.
func Pull(ctx context.Context, imageRef string) (*PullResult, error) {
	ref, err := name.ParseReference(imageRef)
	if err != nil {
		return nil, fmt.Errorf("parse image ref %q: %w", imageRef, err)
	}

	platform := v1.Platform{OS: "linux", Architecture: "amd64"}
	desc, err := remote.Get(ref, remote.WithContext(ctx), remote.WithPlatform(platform))
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", imageRef, err)
	}

	var img v1.Image
	switch desc.MediaType {
	case types.OCIImageIndex, types.DockerManifestList:
		idx, err := desc.ImageIndex()
		if err != nil {
			return nil, fmt.Errorf("get image index: %w", err)
		}
		manifest, err := idx.IndexManifest()
		if err != nil {
			return nil, fmt.Errorf("get index manifest: %w", err)
		}
		for _, m := range manifest.Manifests {
			if m.Platform != nil && m.Platform.OS == platform.OS && m.Platform.Architecture == platform.Architecture {
				img, err = idx.Image(m.Digest)
				if err != nil {
					return nil, fmt.Errorf("get %s image: %w", platform.Architecture, err)
				}
				break
			}
		}
		if img == nil {
			return nil, fmt.Errorf("no linux/amd64 variant found in %s", imageRef)
		}
	default:
		img, err = desc.Image()
		if err != nil {
			return nil, fmt.Errorf("get image: %w", err)
		}
	}

	digest, err := img.Digest()
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}
	return &PullResult{Image: img, Digest: digest.String()}, nil
}

// ExtractDisk writes the disk file of a container-disk image into
// imagesDir as filename. Layers are searched newest first, so a disk in a
// later layer wins.
func ExtractDisk(img v1.Image, imagesDir, filename string) (*ImportResult, error) {
	layers, err := img.Layers()
	if err != nil {
		return nil, fmt.Errorf("get layers: %w", err)
	}
	if err := os.MkdirAll(imagesDir, 0700); err != nil {
		return nil, fmt.Errorf("create images directory: %w", err)
	}
	dst := filepath.Join(imagesDir, filename)

	for i := len(layers) - 1; i >= 0; i-- {
		found, err := extractFromLayer(layers[i], dst)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if found {
			info, err := os.Stat(dst)
			if err != nil {
				return nil, err
			}
			return &ImportResult{Filename: filename, SizeBytes: info.Size()}, nil
		}
	}
	return nil, ErrNoDisk
}

func extractFromLayer(layer v1.Layer, dst string) (bool, error) {
	rc, err := layer.Compressed()
	if err != nil {
		return false, fmt.Errorf("get compressed layer: %w", err)
	}
	defer rc.Close()

	r, closeFn, err := decompress(layer, rc)
	if err != nil {
		return false, err
	}
	defer closeFn()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := strings.TrimPrefix(path.Clean("/"+hdr.Name), "/")
		if !strings.HasPrefix(clean, diskDir) {
			continue
		}
		if err := writeStaged(dst, tr); err != nil {
			return false, err
		}
		return true, nil
	}
}

// decompress picks the layer codec from its media type. Gzip is the
// default for docker and OCI layers.
func decompress(layer v1.Layer, rc io.Reader) (io.Reader, func(), error) {
	mt, err := layer.MediaType()
	if err == nil && mt == types.OCILayerZStd {
		zr, err := zstd.NewReader(rc)
		if err != nil {
			return nil, nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr, zr.Close, nil
	}
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("create gzip reader: %w", err)
	}
	return gz, func() { gz.Close() }, nil
}
