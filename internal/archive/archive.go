// Package archive serialises store objects into a deterministic tar stream.
//
// A dump depends only on file types, names, contents, symlink targets and the
// executable bit. Ownership, timestamps and the rest of the mode are fixed, so
// equal trees always produce equal bytes and therefore equal hashes.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrBadArchive marks malformed or unsafe dumps.
var ErrBadArchive = errors.New("bad archive")

const rootName = "."

var epoch = time.Unix(0, 0)

// Dump writes the file tree rooted at p to w.
func Dump(w io.Writer, p string) error {
	tw := tar.NewWriter(w)
	if err := dumpEntry(tw, p, rootName); err != nil {
		return err
	}
	return tw.Close()
}

func dumpEntry(tw *tar.Writer, p, name string) error {
	fi, err := os.Lstat(p)
	if err != nil {
		return fmt.Errorf("dumping '%s': %w", p, err)
	}
	hdr := &tar.Header{
		Name:    name,
		ModTime: epoch,
		Format:  tar.FormatPAX,
	}

	switch mode := fi.Mode(); {
	case mode.IsRegular():
		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0o444
		if mode&0o111 != 0 {
			hdr.Mode = 0o555
		}
		hdr.Size = fi.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("dumping '%s': %w", p, err)
		}
		return nil

	case mode&os.ModeSymlink != 0:
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		hdr.Typeflag = tar.TypeSymlink
		hdr.Mode = 0o777
		hdr.Linkname = target
		return tw.WriteHeader(hdr)

	case mode.IsDir():
		hdr.Typeflag = tar.TypeDir
		hdr.Mode = 0o555
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		// ReadDir returns entries sorted by name.
		entries, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := dumpEntry(tw, filepath.Join(p, e.Name()), name+"/"+e.Name()); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("file '%s' has an unsupported type", p)
}

// Restore materialises a dump at dst, which must not exist. Directories
// stay owner-writable so the tree can later be deleted or repaired.
func Restore(r io.Reader, dst string) error {
	tr := tar.NewReader(r)
	seenRoot := false
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadArchive, err)
		}

		target, err := entryTarget(dst, hdr.Name)
		if err != nil {
			return err
		}
		if target == dst {
			if seenRoot {
				return fmt.Errorf("%w: duplicate root entry", ErrBadArchive)
			}
			seenRoot = true
		} else if !seenRoot {
			return fmt.Errorf("%w: entry '%s' precedes the root", ErrBadArchive, hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.Mkdir(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			mode := os.FileMode(0o444)
			if hdr.Mode&0o111 != 0 {
				mode = 0o555
			}
			if err := writeFile(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: entry '%s' has unsupported type %q", ErrBadArchive, hdr.Name, hdr.Typeflag)
		}
	}
	if !seenRoot {
		return fmt.Errorf("%w: empty archive", ErrBadArchive)
	}
	return nil
}

func entryTarget(dst, name string) (string, error) {
	if name == rootName {
		return dst, nil
	}
	rel, ok := strings.CutPrefix(name, rootName+"/")
	if !ok || rel == "" {
		return "", fmt.Errorf("%w: entry name '%s' is not below the root", ErrBadArchive, name)
	}
	clean := path.Clean(rel)
	if clean != rel || clean == ".." || strings.HasPrefix(clean, "../") || path.IsAbs(clean) {
		return "", fmt.Errorf("%w: entry name '%s' is not canonical", ErrBadArchive, name)
	}
	return filepath.Join(dst, filepath.FromSlash(clean)), nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

// Canonicalize normalises the metadata of a freshly built tree: files become
// read-only (keeping the executable bit) and every timestamp is set to one
// second past the epoch.
func Canonicalize(p string) error {
	return filepath.WalkDir(p, func(q string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			mode := os.FileMode(0o444)
			if fi.Mode()&0o111 != 0 {
				mode = 0o555
			}
			if err := os.Chmod(q, mode); err != nil {
				return err
			}
		} else if !fi.IsDir() {
			return fmt.Errorf("file '%s' has an unsupported type", q)
		}
		t := time.Unix(1, 0)
		return os.Chtimes(q, t, t)
	})
}

// DumpBytes writes the dump of a single regular file with the given contents.
func DumpBytes(w io.Writer, contents []byte, executable bool) error {
	tw := tar.NewWriter(w)
	hdr := &tar.Header{
		Name:     rootName,
		Typeflag: tar.TypeReg,
		Mode:     0o444,
		Size:     int64(len(contents)),
		ModTime:  epoch,
		Format:   tar.FormatPAX,
	}
	if executable {
		hdr.Mode = 0o555
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(contents); err != nil {
		return err
	}
	return tw.Close()
}

// ReadSingleFile returns the contents of a dump holding one regular file.
func ReadSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	hdr, err := tr.Next()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadArchive, err)
	}
	if hdr.Name != rootName || hdr.Typeflag != tar.TypeReg {
		return nil, fmt.Errorf("%w: not a single regular file", ErrBadArchive)
	}
	return io.ReadAll(tr)
}
