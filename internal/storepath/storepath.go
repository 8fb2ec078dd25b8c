package storepath

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	// HashLen is the number of raw bytes in a store path hash part.
	HashLen = 20
	// HashPartLen is the printed length of the hash part.
	HashPartLen = 32
	// MaxPathLen bounds the printed base name (`hash-name`).
	MaxPathLen = 211
	// DrvExtension marks derivation store paths.
	DrvExtension = ".drv"
)

// ErrBadStorePath is the kind of every store path validation failure.
var ErrBadStorePath = errors.New("bad store path")

func badPathf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadStorePath, fmt.Sprintf(format, args...))
}

// StorePath identifies a store object by hash part and name. It does not
// include the store directory. The zero value is not a valid path.
type StorePath struct {
	base string
}

// Parse parses a base name of the form `<hash>-<name>`.
func Parse(baseName string) (StorePath, error) {
	if len(baseName) < HashPartLen+1 {
		return StorePath{}, badPathf("path '%s' is too short to be a valid store path", baseName)
	}
	if len(baseName) > MaxPathLen {
		return StorePath{}, badPathf("path '%s' is too long to be a valid store path", baseName)
	}
	hashPart := baseName[:HashPartLen]
	if !IsBase32(hashPart) {
		return StorePath{}, badPathf("store path '%s' contains illegal base-32 character", baseName)
	}
	if baseName[HashPartLen] != '-' {
		return StorePath{}, badPathf("store path '%s' lacks a '-' after the hash part", baseName)
	}
	if err := CheckName(baseName, baseName[HashPartLen+1:]); err != nil {
		return StorePath{}, err
	}
	return StorePath{base: baseName}, nil
}

// MustParse is Parse for literals in tests and tables.
func MustParse(baseName string) StorePath {
	p, err := Parse(baseName)
	if err != nil {
		panic(err)
	}
	return p
}

// New builds a path from a printed hash part and a name.
func New(hashPart, name string) (StorePath, error) {
	return Parse(hashPart + "-" + name)
}

// FromDigest builds a path from a 20-byte digest and a name.
func FromDigest(digest []byte, name string) (StorePath, error) {
	if len(digest) != HashLen {
		return StorePath{}, badPathf("store path hash must be %d bytes, got %d", HashLen, len(digest))
	}
	return New(Base32Encode(digest), name)
}

// CheckName validates the name component of a store path.
func CheckName(path, name string) error {
	if name == "" {
		return badPathf("store path '%s' has an empty name", path)
	}
	if name == "." || name == ".." ||
		strings.HasPrefix(name, ".-") || strings.HasPrefix(name, "..-") {
		return badPathf("store path '%s' has an ambiguous name '%s'", path, name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
			strings.IndexByte("+-._?=", c) >= 0) {
			return badPathf("store path '%s' contains illegal character '%c'", path, c)
		}
	}
	return nil
}

// IsZero reports whether p is the zero value.
func (p StorePath) IsZero() bool { return p.base == "" }

// String returns the base name `hash-name`.
func (p StorePath) String() string { return p.base }

// HashPart returns the printed 32-character hash part.
func (p StorePath) HashPart() string { return p.base[:HashPartLen] }

// Name returns the name component.
func (p StorePath) Name() string { return p.base[HashPartLen+1:] }

// IsDerivation reports whether the path names a derivation file.
func (p StorePath) IsDerivation() bool { return strings.HasSuffix(p.Name(), DrvExtension) }

// DerivationName strips the `.drv` extension.
func (p StorePath) DerivationName() string {
	return strings.TrimSuffix(p.Name(), DrvExtension)
}

// Less orders paths by base name.
func (p StorePath) Less(o StorePath) bool { return p.base < o.base }

// MarshalText implements encoding.TextMarshaler.
func (p StorePath) MarshalText() ([]byte, error) { return []byte(p.base), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *StorePath) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Set is an unordered set of store paths.
type Set = sets.Set[StorePath]

// SortedList returns the members of s ordered by base name.
func SortedList(s Set) []StorePath {
	out := s.UnsortedList()
	Sort(out)
	return out
}

// Sort orders paths in place by base name.
func Sort(paths []StorePath) {
	sort.Slice(paths, func(i, j int) bool { return paths[i].base < paths[j].base })
}
