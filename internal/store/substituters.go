package store

import (
	"context"
	"errors"
	"sort"

	"github.com/go-logr/logr"

	"storeweaver/internal/storepath"
)

// SubstituterSet is the ordered list of substituters a store consults.
type SubstituterSet struct {
	subs []Substituter
	// TryFallback turns substituter errors into "not substitutable" instead
	// of failing the query.
	TryFallback bool
	Log         logr.Logger
}

// NewSubstituterSet orders subs by priority, keeping the given order for
// ties.
func NewSubstituterSet(subs []Substituter, tryFallback bool, log logr.Logger) *SubstituterSet {
	sorted := append([]Substituter{}, subs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })
	return &SubstituterSet{subs: sorted, TryFallback: tryFallback, Log: log}
}

// List returns the substituters in the order they are tried.
func (s *SubstituterSet) List() []Substituter {
	if s == nil {
		return nil
	}
	return s.subs
}

// PathIn maps p to the equivalent path in the substituter's store
// directory. Without a content address that is only possible when the
// directories are equal.
func PathIn(dir storepath.Dir, sub Substituter, p storepath.StorePath, ca *storepath.ContentAddress) (storepath.StorePath, bool) {
	if ca != nil {
		q, err := sub.Dir().MakePathFromCA(p.Name(), *ca, nil, false)
		if err != nil {
			return storepath.StorePath{}, false
		}
		return q, true
	}
	if sub.Dir() != dir {
		return storepath.StorePath{}, false
	}
	return p, true
}

// Query returns what the first substituter that knows each path advertises.
func (s *SubstituterSet) Query(ctx context.Context, dir storepath.Dir, paths map[storepath.StorePath]*storepath.ContentAddress) (map[storepath.StorePath]SubstitutablePathInfo, error) {
	out := make(map[storepath.StorePath]SubstitutablePathInfo)
	if s == nil {
		return out, nil
	}
	for p, ca := range paths {
		for _, sub := range s.subs {
			subPath, ok := PathIn(dir, sub, p, ca)
			if !ok {
				continue
			}
			info, err := sub.QueryPathInfo(ctx, subPath)
			if err != nil {
				if errors.Is(err, ErrInvalidPath) {
					continue
				}
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if s.TryFallback {
					s.Log.Info("substituter query failed", "substituter", sub.URI(), "path", subPath.String(), "error", err.Error())
					continue
				}
				return nil, err
			}
			out[p] = SubstitutablePathInfo{
				Deriver:      info.Deriver,
				References:   info.References,
				DownloadSize: downloadSize(info),
				NarSize:      info.NarSize,
			}
			break
		}
	}
	return out, nil
}

func downloadSize(info *PathInfo) uint64 {
	if info.FileSize != 0 {
		return info.FileSize
	}
	return info.NarSize
}
