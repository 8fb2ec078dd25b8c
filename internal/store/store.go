package store

import (
	"context"
	"io"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/derivation"
	"storeweaver/internal/storepath"
)

// PathInfo is the registry record of a valid store object.
type PathInfo struct {
	Path             storepath.StorePath
	Deriver          storepath.StorePath
	NarHash          storepath.Hash
	NarSize          uint64
	References       storepath.Set
	RegistrationTime time.Time
	// CA is set for content-addressed objects.
	CA *storepath.ContentAddress
	// Ultimate is set for objects built locally rather than substituted.
	Ultimate bool
	// FileSize is the size of the compressed transfer, when a substituter
	// knows it.
	FileSize uint64
}

// ReferencesWithoutSelf returns the references minus the path itself.
func (i *PathInfo) ReferencesWithoutSelf() storepath.Set {
	out := sets.New[storepath.StorePath]()
	for r := range i.References {
		if r != i.Path {
			out.Insert(r)
		}
	}
	return out
}

// SubstitutablePathInfo is what a substituter advertises about a path.
type SubstitutablePathInfo struct {
	Deriver      storepath.StorePath
	References   storepath.Set
	DownloadSize uint64
	NarSize      uint64
}

// Substituter is a remote source of store objects.
type Substituter interface {
	URI() string
	// Dir is the store directory the substituter's paths live in.
	Dir() storepath.Dir
	// Priority orders substituters; lower is tried first.
	Priority() int
	// Trusted reports whether objects from this substituter may be imported
	// without signatures.
	Trusted() bool
	// QueryPathInfo fails with ErrInvalidPath when the path is unknown.
	QueryPathInfo(ctx context.Context, p storepath.StorePath) (*PathInfo, error)
	// NarFromPath streams the dump of p.
	NarFromPath(ctx context.Context, p storepath.StorePath, w io.Writer) error
}

// Store is the capability set the build engine, closure engine and planner
// depend on.
type Store interface {
	Dir() storepath.Dir

	// QueryPathInfo fails with ErrInvalidPath when p is not valid.
	QueryPathInfo(ctx context.Context, p storepath.StorePath) (*PathInfo, error)
	IsValidPath(ctx context.Context, p storepath.StorePath) (bool, error)
	QueryReferrers(ctx context.Context, p storepath.StorePath) (storepath.Set, error)
	QueryValidDerivers(ctx context.Context, p storepath.StorePath) (storepath.Set, error)
	// QueryDerivationOutputMap maps each output of a derivation to its path.
	QueryDerivationOutputMap(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.StorePath, error)

	ReadDerivation(ctx context.Context, drvPath storepath.StorePath) (*derivation.Derivation, error)
	WriteDerivation(ctx context.Context, d *derivation.Derivation) (storepath.StorePath, error)

	// AddToStore imports the file tree at src as a content-addressed object.
	AddToStore(ctx context.Context, name, src string, method storepath.Method, algo storepath.HashAlgo, refs storepath.Set) (*PathInfo, error)
	// AddToStoreFromDump imports a dump whose metadata is already known,
	// verifying the dump against info.NarHash.
	AddToStoreFromDump(ctx context.Context, info PathInfo, dump io.Reader) error
	// RegisterValidPaths marks objects already present as valid, atomically.
	RegisterValidPaths(ctx context.Context, infos []PathInfo) error
	// VerifyPath reports whether the contents of a valid object still match
	// its recorded hash.
	VerifyPath(ctx context.Context, p storepath.StorePath) (bool, error)

	// QuerySubstitutablePathInfos asks the substituters about paths. A
	// content address, when known, lets substituters with a different
	// store directory answer for the equivalent path.
	QuerySubstitutablePathInfos(ctx context.Context, paths map[storepath.StorePath]*storepath.ContentAddress) (map[storepath.StorePath]SubstitutablePathInfo, error)
	Substituters() []Substituter
}

// LocalFSStore is a Store whose objects live in a real directory.
type LocalFSStore interface {
	Store
	// RealDir is the directory objects are materialised in, which may
	// differ from Dir when the store is relocated.
	RealDir() string
	RealPath(p storepath.StorePath) string
	LockPaths(ctx context.Context, paths []storepath.StorePath) (*PathLocks, bool, error)
	DeletePath(ctx context.Context, p storepath.StorePath) error
	// NarFromPath streams the dump of a valid object.
	NarFromPath(ctx context.Context, p storepath.StorePath, w io.Writer) error
}
