package substituter

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// Exporter is what WriteFileCache reads from a store.
type Exporter interface {
	Dir() storepath.Dir
	QueryPathInfo(ctx context.Context, p storepath.StorePath) (*store.PathInfo, error)
	NarFromPath(ctx context.Context, p storepath.StorePath, w io.Writer) error
}

// WriteFileCache publishes paths from src into a file:// binary cache at
// root. Existing entries are overwritten. Every file is written to a
// temporary name and renamed into place, so readers never see a partial
// narinfo or archive.
func WriteFileCache(ctx context.Context, src Exporter, root string, paths []storepath.StorePath, compression string) error {
	if compression == "" {
		compression = CompressionNone
	}
	ext := ".nar"
	switch compression {
	case CompressionNone:
	case CompressionGzip:
		ext = ".nar.gz"
	default:
		return fmt.Errorf("%w: compression '%s'", store.ErrUnsupported, compression)
	}
	if err := os.MkdirAll(filepath.Join(root, "nar"), 0o755); err != nil {
		return err
	}
	ci := CacheInfo{StoreDir: src.Dir(), WantMassQuery: true, Priority: 50}
	if err := writeFileAtomic(filepath.Join(root, "nix-cache-info"), []byte(ci.Format()), 0o644); err != nil {
		return err
	}

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		info, err := src.QueryPathInfo(ctx, p)
		if err != nil {
			return err
		}
		var file bytes.Buffer
		if compression == CompressionGzip {
			gz := gzip.NewWriter(&file)
			if err := src.NarFromPath(ctx, p, gz); err != nil {
				return err
			}
			if err := gz.Close(); err != nil {
				return err
			}
		} else if err := src.NarFromPath(ctx, p, &file); err != nil {
			return err
		}

		url := "nar/" + p.HashPart() + ext
		ni := FromPathInfo(info, url)
		ni.Compression = compression
		ni.FileHash = storepath.HashBytes(storepath.SHA256, file.Bytes())
		ni.FileSize = uint64(file.Len())

		if err := writeFileAtomic(filepath.Join(root, filepath.FromSlash(url)), file.Bytes(), 0o644); err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(root, p.HashPart()+".narinfo"), []byte(ni.Format(src.Dir())), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	_ = tmp.Sync()
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
