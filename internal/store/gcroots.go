package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"storeweaver/internal/storepath"
)

const gcRootsDir = "gcroots"

// Roots maps each rooted store path to the links that keep it alive.
type Roots map[storepath.StorePath][]string

// Add records that link keeps p alive.
func (r Roots) Add(p storepath.StorePath, link string) {
	r[p] = append(r[p], link)
}

// GCRootsDir is the directory scanned for garbage collector roots.
func (s *LocalStore) GCRootsDir() string {
	return filepath.Join(s.stateDir, gcRootsDir)
}

// AddRoot makes p a root through the link <state>/gcroots/<name>.
func (s *LocalStore) AddRoot(ctx context.Context, name string, p storepath.StorePath) (string, error) {
	if err := s.writable(); err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || name == "auto" {
		return "", fmt.Errorf("invalid root name '%s'", name)
	}
	if err := s.requireValid(ctx, p); err != nil {
		return "", err
	}
	link := filepath.Join(s.GCRootsDir(), name)
	return link, replaceSymlink(s.dir.PrintPath(p), link)
}

// AddPermRoot points the symlink gcRoot at p and registers it as an
// indirect root, so p stays alive for as long as gcRoot does.
func (s *LocalStore) AddPermRoot(ctx context.Context, p storepath.StorePath, gcRoot string) (string, error) {
	if err := s.writable(); err != nil {
		return "", err
	}
	gcRoot, err := filepath.Abs(gcRoot)
	if err != nil {
		return "", err
	}
	if s.dir.IsInStore(gcRoot) || isInDir(gcRoot, s.realDir) {
		return "", fmt.Errorf("creating a garbage collector root (%s) in the store is forbidden", gcRoot)
	}
	if err := s.requireValid(ctx, p); err != nil {
		return "", err
	}
	if fi, err := os.Lstat(gcRoot); err == nil {
		if fi.Mode()&fs.ModeSymlink == 0 {
			return "", fmt.Errorf("cannot create symlink '%s'; already exists", gcRoot)
		}
		if target, err := os.Readlink(gcRoot); err != nil || !s.dir.IsInStore(target) {
			return "", fmt.Errorf("cannot create symlink '%s'; already exists", gcRoot)
		}
	}
	if err := replaceSymlink(s.dir.PrintPath(p), gcRoot); err != nil {
		return "", err
	}
	h := storepath.HashString(storepath.SHA1, gcRoot)
	auto := filepath.Join(s.GCRootsDir(), "auto", h.Base32())
	if err := replaceSymlink(gcRoot, auto); err != nil {
		return "", err
	}
	return gcRoot, nil
}

// FindRoots scans the roots directory. A symlink into the store is a
// direct root. A symlink to a symlink into the store is an indirect root;
// indirect roots under gcroots/auto whose target is gone are removed.
// Roots pointing at invalid paths are skipped.
func (s *LocalStore) FindRoots(ctx context.Context) (Roots, error) {
	roots := Roots{}
	err := s.findRoots(ctx, s.GCRootsDir(), roots)
	return roots, err
}

func (s *LocalStore) findRoots(ctx context.Context, path string, roots Roots) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			s.log.V(1).Info("cannot read potential root", "path", path)
			return nil
		}
		return err
	}

	switch {
	case fi.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := s.findRoots(ctx, filepath.Join(path, e.Name()), roots); err != nil {
				return err
			}
		}

	case fi.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		if s.dir.IsInStore(target) {
			return s.foundRoot(ctx, path, target, roots)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		tfi, err := os.Lstat(target)
		if errors.Is(err, fs.ErrNotExist) {
			if isInDir(path, filepath.Join(s.GCRootsDir(), "auto")) {
				s.log.Info(fmt.Sprintf("removing stale link from '%s' to '%s'", path, target))
				return os.Remove(path)
			}
			return nil
		}
		if err != nil || tfi.Mode()&fs.ModeSymlink == 0 {
			return nil
		}
		target2, err := os.Readlink(target)
		if err != nil {
			return nil
		}
		if s.dir.IsInStore(target2) {
			return s.foundRoot(ctx, target, target2, roots)
		}

	case fi.Mode().IsRegular():
		p, err := storepath.Parse(filepath.Base(path))
		if err != nil {
			return nil
		}
		valid, err := s.IsValidPath(ctx, p)
		if err != nil {
			return err
		}
		if valid {
			roots.Add(p, path)
		}
	}
	return nil
}

func (s *LocalStore) foundRoot(ctx context.Context, link, target string, roots Roots) error {
	p, _, err := s.dir.ToStorePath(target)
	if err != nil {
		return nil
	}
	valid, err := s.IsValidPath(ctx, p)
	if err != nil {
		return err
	}
	if !valid {
		s.log.Info(fmt.Sprintf("skipping invalid root from '%s' to '%s'", link, target))
		return nil
	}
	roots.Add(p, link)
	return nil
}

// ValidPaths returns every valid path in the registry.
func (s *LocalStore) ValidPaths(ctx context.Context) (storepath.Set, error) {
	return s.queryPaths(ctx, `SELECT path FROM ValidPaths`)
}

// SortedLinks returns the root links of r as "link -> path" lines, ordered
// by link.
func (r Roots) SortedLinks(dir storepath.Dir) []string {
	var lines []string
	for p, links := range r {
		for _, l := range links {
			lines = append(lines, l+" -> "+dir.PrintPath(p))
		}
	}
	sort.Strings(lines)
	return lines
}

func (s *LocalStore) requireValid(ctx context.Context, p storepath.StorePath) error {
	valid, err := s.IsValidPath(ctx, p)
	if err != nil {
		return err
	}
	if !valid {
		return InvalidPathf("path '%s' is not valid", s.dir.PrintPath(p))
	}
	return nil
}

// replaceSymlink atomically points link at target.
func replaceSymlink(target, link string) error {
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d", link, os.Getpid())
	_ = os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, link); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func isInDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}
