// Package substituter implements binary caches: narinfo records, an HTTP
// and file:// client usable as a store.Substituter, lookup caches for it,
// and a server exposing a store as a binary cache.
package substituter

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// ErrBadNarInfo is returned for narinfo or nix-cache-info files that cannot
// be parsed.
var ErrBadNarInfo = errors.New("bad narinfo")

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// NarInfo describes one object in a binary cache.
type NarInfo struct {
	StorePath   storepath.StorePath
	URL         string
	Compression string
	FileHash    storepath.Hash
	FileSize    uint64
	NarHash     storepath.Hash
	NarSize     uint64
	References  storepath.Set
	Deriver     storepath.StorePath
	CA          *storepath.ContentAddress
}

// ParseNarInfo parses the `Key: value` form. Unknown keys (signatures among
// them) are ignored.
func ParseNarInfo(dir storepath.Dir, text string) (*NarInfo, error) {
	n := &NarInfo{Compression: CompressionNone, References: sets.New[storepath.StorePath]()}
	sc := bufio.NewScanner(strings.NewReader(text))
	line := 0
	for sc.Scan() {
		line++
		if strings.TrimSpace(sc.Text()) == "" {
			continue
		}
		key, value, ok := strings.Cut(sc.Text(), ": ")
		if !ok {
			return nil, fmt.Errorf("%w: line %d: expected 'Key: value'", ErrBadNarInfo, line)
		}
		if err := n.set(dir, key, value); err != nil {
			return nil, fmt.Errorf("%w: line %d: %s: %v", ErrBadNarInfo, line, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	switch {
	case n.StorePath.IsZero():
		return nil, fmt.Errorf("%w: missing StorePath", ErrBadNarInfo)
	case n.URL == "":
		return nil, fmt.Errorf("%w: missing URL", ErrBadNarInfo)
	case n.NarHash.IsZero():
		return nil, fmt.Errorf("%w: missing NarHash", ErrBadNarInfo)
	}
	return n, nil
}

func (n *NarInfo) set(dir storepath.Dir, key, value string) error {
	var err error
	switch key {
	case "StorePath":
		n.StorePath, err = dir.ParsePath(value)
	case "URL":
		n.URL = value
	case "Compression":
		n.Compression = value
	case "FileHash":
		n.FileHash, err = storepath.ParseHash(value, "")
	case "FileSize":
		n.FileSize, err = strconv.ParseUint(value, 10, 64)
	case "NarHash":
		n.NarHash, err = storepath.ParseHash(value, "")
	case "NarSize":
		n.NarSize, err = strconv.ParseUint(value, 10, 64)
	case "References":
		for _, base := range strings.Fields(value) {
			p, perr := storepath.Parse(base)
			if perr != nil {
				return perr
			}
			n.References.Insert(p)
		}
	case "Deriver":
		if value != "unknown-deriver" {
			n.Deriver, err = storepath.Parse(value)
		}
	case "CA":
		var ca storepath.ContentAddress
		if ca, err = storepath.ParseContentAddress(value); err == nil {
			n.CA = &ca
		}
	}
	return err
}

// Format renders n in the form ParseNarInfo reads.
func (n *NarInfo) Format(dir storepath.Dir) string {
	var b strings.Builder
	fmt.Fprintf(&b, "StorePath: %s\n", dir.PrintPath(n.StorePath))
	fmt.Fprintf(&b, "URL: %s\n", n.URL)
	compression := n.Compression
	if compression == "" {
		compression = CompressionNone
	}
	fmt.Fprintf(&b, "Compression: %s\n", compression)
	if !n.FileHash.IsZero() {
		fmt.Fprintf(&b, "FileHash: %s\n", n.FileHash)
		fmt.Fprintf(&b, "FileSize: %d\n", n.FileSize)
	}
	fmt.Fprintf(&b, "NarHash: %s\n", n.NarHash)
	fmt.Fprintf(&b, "NarSize: %d\n", n.NarSize)
	refs := make([]string, 0, len(n.References))
	for _, r := range storepath.SortedList(n.References) {
		refs = append(refs, r.String())
	}
	fmt.Fprintf(&b, "References: %s\n", strings.Join(refs, " "))
	if !n.Deriver.IsZero() {
		fmt.Fprintf(&b, "Deriver: %s\n", n.Deriver)
	}
	if n.CA != nil {
		fmt.Fprintf(&b, "CA: %s\n", n.CA)
	}
	return b.String()
}

// PathInfo converts n to a registry record.
func (n *NarInfo) PathInfo() *store.PathInfo {
	refs := n.References.Clone()
	return &store.PathInfo{
		Path:       n.StorePath,
		Deriver:    n.Deriver,
		NarHash:    n.NarHash,
		NarSize:    n.NarSize,
		References: refs,
		CA:         n.CA,
		FileSize:   n.FileSize,
	}
}

// FromPathInfo builds the narinfo a server publishes for info, with the
// archive served uncompressed at url.
func FromPathInfo(info *store.PathInfo, url string) *NarInfo {
	refs := info.References.Clone()
	return &NarInfo{
		StorePath:   info.Path,
		URL:         url,
		Compression: CompressionNone,
		FileHash:    info.NarHash,
		FileSize:    info.NarSize,
		NarHash:     info.NarHash,
		NarSize:     info.NarSize,
		References:  refs,
		Deriver:     info.Deriver,
		CA:          info.CA,
	}
}

// CacheInfo is the content of `nix-cache-info`.
type CacheInfo struct {
	StoreDir      storepath.Dir
	WantMassQuery bool
	Priority      int
}

// ParseCacheInfo parses `nix-cache-info`. Missing fields keep the values in
// defaults.
func ParseCacheInfo(text string, defaults CacheInfo) (CacheInfo, error) {
	ci := defaults
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		key, value, ok := strings.Cut(l, ": ")
		if !ok {
			return CacheInfo{}, fmt.Errorf("%w: nix-cache-info line '%s'", ErrBadNarInfo, l)
		}
		switch key {
		case "StoreDir":
			ci.StoreDir = storepath.Dir(value)
		case "WantMassQuery":
			ci.WantMassQuery = value == "1"
		case "Priority":
			p, err := strconv.Atoi(value)
			if err != nil {
				return CacheInfo{}, fmt.Errorf("%w: Priority: %v", ErrBadNarInfo, err)
			}
			ci.Priority = p
		}
	}
	return ci, nil
}

// Format renders ci as `nix-cache-info`.
func (ci CacheInfo) Format() string {
	mass := 0
	if ci.WantMassQuery {
		mass = 1
	}
	return fmt.Sprintf("StoreDir: %s\nWantMassQuery: %d\nPriority: %d\n", ci.StoreDir, mass, ci.Priority)
}
