// Package closure computes reference closures over a store and orders store
// paths so that references come before their referrers.
package closure

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// Querier is the part of a store the closure engine reads.
type Querier interface {
	Dir() storepath.Dir
	QueryPathInfo(ctx context.Context, p storepath.StorePath) (*store.PathInfo, error)
	IsValidPath(ctx context.Context, p storepath.StorePath) (bool, error)
	QueryReferrers(ctx context.Context, p storepath.StorePath) (storepath.Set, error)
	QueryValidDerivers(ctx context.Context, p storepath.StorePath) (storepath.Set, error)
	QueryDerivationOutputMap(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.StorePath, error)
}

// Options selects the edges ComputeFSClosure follows.
type Options struct {
	// Flip walks referrers instead of references.
	Flip bool
	// IncludeOutputs adds the valid outputs of derivations (or, flipped, the
	// derivations producing a path).
	IncludeOutputs bool
	// IncludeDerivers adds the deriver of each path (or, flipped, the valid
	// outputs of derivations).
	IncludeDerivers bool
	// Parallelism bounds concurrent queries per level; <= 0 means 16.
	Parallelism int
}

// ComputeFSClosure returns start plus every path reachable from it.
//
// The walk is breadth-first. All queries of one level run concurrently and
// every path is expanded once.
func ComputeFSClosure(ctx context.Context, q Querier, start []storepath.StorePath, opts Options) (storepath.Set, error) {
	limit := opts.Parallelism
	if limit <= 0 {
		limit = 16
	}

	visited := sets.New[storepath.StorePath]()
	var frontier []storepath.StorePath
	for _, p := range start {
		if opts.Flip {
			valid, err := q.IsValidPath(ctx, p)
			if err != nil {
				return nil, err
			}
			if !valid {
				return nil, store.InvalidPathf("path '%s' is not valid", q.Dir().PrintPath(p))
			}
		}
		if !visited.Has(p) {
			visited.Insert(p)
			frontier = append(frontier, p)
		}
	}

	for len(frontier) > 0 {
		edges := make([]storepath.Set, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, p := range frontier {
			g.Go(func() error {
				var err error
				if opts.Flip {
					edges[i], err = referrerEdges(gctx, q, p, opts)
				} else {
					edges[i], err = referenceEdges(gctx, q, p, opts)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		var next []storepath.StorePath
		for _, es := range edges {
			for _, p := range storepath.SortedList(es) {
				if !visited.Has(p) {
					visited.Insert(p)
					next = append(next, p)
				}
			}
		}
		frontier = next
	}
	return visited, nil
}

func referenceEdges(ctx context.Context, q Querier, p storepath.StorePath, opts Options) (storepath.Set, error) {
	info, err := q.QueryPathInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	out := info.ReferencesWithoutSelf()

	if opts.IncludeOutputs && p.IsDerivation() {
		if err := addValidOutputs(ctx, q, p, out); err != nil {
			return nil, err
		}
	}
	if opts.IncludeDerivers && !info.Deriver.IsZero() {
		valid, err := q.IsValidPath(ctx, info.Deriver)
		if err != nil {
			return nil, err
		}
		if valid {
			out.Insert(info.Deriver)
		}
	}
	return out, nil
}

func referrerEdges(ctx context.Context, q Querier, p storepath.StorePath, opts Options) (storepath.Set, error) {
	referrers, err := q.QueryReferrers(ctx, p)
	if err != nil {
		return nil, err
	}
	out := sets.New[storepath.StorePath]()
	for r := range referrers {
		if r != p {
			out.Insert(r)
		}
	}

	if opts.IncludeOutputs {
		derivers, err := q.QueryValidDerivers(ctx, p)
		if err != nil {
			return nil, err
		}
		out = out.Union(derivers)
	}
	if opts.IncludeDerivers && p.IsDerivation() {
		if err := addValidOutputs(ctx, q, p, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func addValidOutputs(ctx context.Context, q Querier, drvPath storepath.StorePath, out storepath.Set) error {
	outputs, err := q.QueryDerivationOutputMap(ctx, drvPath)
	if err != nil {
		return err
	}
	for _, o := range outputs {
		valid, err := q.IsValidPath(ctx, o)
		if err != nil {
			return err
		}
		if valid {
			out.Insert(o)
		}
	}
	return nil
}

// TopoSortPaths orders paths so that every path comes after the paths it
// references. References outside paths are ignored, and a path that is not
// valid counts as having no references. The order among independent paths
// is by printed path.
func TopoSortPaths(ctx context.Context, q Querier, paths storepath.Set) ([]storepath.StorePath, error) {
	deps := func(p storepath.StorePath) ([]storepath.StorePath, error) {
		info, err := q.QueryPathInfo(ctx, p)
		if errors.Is(err, store.ErrInvalidPath) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return storepath.SortedList(info.ReferencesWithoutSelf()), nil
	}
	less := func(a, b storepath.StorePath) bool { return a.Less(b) }

	sorted, err := TopoSort(storepath.SortedList(paths), less, deps)
	var cycle *CycleError[storepath.StorePath]
	if errors.As(err, &cycle) {
		dir := q.Dir()
		return nil, store.BuildErrorf("cycle detected in the references of '%s' from '%s'",
			dir.PrintPath(cycle.To), dir.PrintPath(cycle.From))
	}
	return sorted, err
}
