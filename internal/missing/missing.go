// Package missing works out what realising a set of targets would involve:
// which derivations must be built, which paths can be substituted and which
// paths nothing is known about.
package missing

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// Result is the plan for a set of targets.
type Result struct {
	WillBuild      storepath.Set
	WillSubstitute storepath.Set
	Unknown        storepath.Set
	// DownloadSize and NarSize add up what the substitutions would transfer
	// and unpack.
	DownloadSize uint64
	NarSize      uint64
}

// Options tunes Query.
type Options struct {
	// UseSubstitutes lets missing outputs be planned as substitutions.
	UseSubstitutes bool
	// Parallelism bounds concurrent store queries; <= 0 means 16.
	Parallelism int
	Log         logr.Logger
}

type planner struct {
	store store.Store
	opts  Options

	mu   sync.Mutex
	done map[string]struct{}
	res  *Result
}

// Query plans targets against s. Nothing is built or fetched.
//
// Targets are expanded breadth-first: every path reachable through inputs
// of derivations that must be built, or through references of paths to be
// substituted, is visited once.
func Query(ctx context.Context, s store.Store, targets []derivation.DerivedPath, opts Options) (*Result, error) {
	limit := opts.Parallelism
	if limit <= 0 {
		limit = 16
	}
	p := &planner{
		store: s,
		opts:  opts,
		done:  make(map[string]struct{}),
		res: &Result{
			WillBuild:      sets.New[storepath.StorePath](),
			WillSubstitute: sets.New[storepath.StorePath](),
			Unknown:        sets.New[storepath.StorePath](),
		},
	}
	p.opts.Log.V(1).Info("querying info about missing paths", "targets", len(targets))

	frontier := p.fresh(targets)
	for len(frontier) > 0 {
		next := make([][]derivation.DerivedPath, len(frontier))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, t := range frontier {
			g.Go(func() error {
				var err error
				if t.Built {
					next[i], err = p.built(gctx, t)
				} else {
					next[i], err = p.opaque(gctx, t.Path)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, n := range next {
			frontier = append(frontier, p.fresh(n)...)
		}
	}
	return p.res, nil
}

// fresh drops the targets that were already visited and marks the rest.
func (p *planner) fresh(targets []derivation.DerivedPath) []derivation.DerivedPath {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []derivation.DerivedPath
	for _, t := range targets {
		key := t.String()
		if _, ok := p.done[key]; ok {
			continue
		}
		p.done[key] = struct{}{}
		out = append(out, t)
	}
	return out
}

func (p *planner) built(ctx context.Context, t derivation.DerivedPath) ([]derivation.DerivedPath, error) {
	drvPath := t.Path
	if !drvPath.IsDerivation() {
		return nil, store.Errorf(store.ErrUnsupported, "cannot plan outputs of '%s', which is not a derivation",
			p.store.Dir().PrintPath(drvPath))
	}
	valid, err := p.store.IsValidPath(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	if !valid {
		p.mu.Lock()
		p.res.Unknown.Insert(drvPath)
		p.mu.Unlock()
		return nil, nil
	}

	outputs, err := p.store.QueryDerivationOutputMap(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	invalid := sets.New[storepath.StorePath]()
	for name, out := range outputs {
		if !t.Outputs.Contains(name) {
			continue
		}
		valid, err := p.store.IsValidPath(ctx, out)
		if err != nil {
			return nil, err
		}
		if !valid {
			invalid.Insert(out)
		}
	}
	if len(invalid) == 0 {
		return nil, nil
	}

	drv, err := p.store.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	if !p.opts.UseSubstitutes || !drv.SubstitutesAllowed() {
		return p.mustBuild(drvPath, drv), nil
	}

	var ca *storepath.ContentAddress
	if fixed, ok := drv.FixedCA(); ok {
		ca = &fixed
	}
	query := make(map[storepath.StorePath]*storepath.ContentAddress, len(invalid))
	for out := range invalid {
		query[out] = ca
	}
	infos, err := p.store.QuerySubstitutablePathInfos(ctx, query)
	if err != nil {
		return nil, err
	}
	for out := range invalid {
		if _, ok := infos[out]; !ok {
			return p.mustBuild(drvPath, drv), nil
		}
	}

	next := make([]derivation.DerivedPath, 0, len(invalid))
	for _, out := range storepath.SortedList(invalid) {
		next = append(next, derivation.Opaque(out))
	}
	return next, nil
}

// mustBuild records drvPath as a build and returns its input derivations.
func (p *planner) mustBuild(drvPath storepath.StorePath, drv *derivation.Derivation) []derivation.DerivedPath {
	p.mu.Lock()
	p.res.WillBuild.Insert(drvPath)
	p.mu.Unlock()

	next := make([]derivation.DerivedPath, 0, len(drv.InputDrvs))
	for in, names := range drv.InputDrvs {
		if names.Len() == 0 {
			continue
		}
		next = append(next, derivation.Built(in, derivation.OutputNames(sets.List(names)...)))
	}
	return next
}

func (p *planner) opaque(ctx context.Context, path storepath.StorePath) ([]derivation.DerivedPath, error) {
	valid, err := p.store.IsValidPath(ctx, path)
	if err != nil || valid {
		return nil, err
	}

	infos, err := p.store.QuerySubstitutablePathInfos(ctx, map[storepath.StorePath]*storepath.ContentAddress{path: nil})
	if err != nil {
		return nil, err
	}
	info, ok := infos[path]
	if !ok {
		p.mu.Lock()
		p.res.Unknown.Insert(path)
		p.mu.Unlock()
		return nil, nil
	}

	p.mu.Lock()
	p.res.WillSubstitute.Insert(path)
	p.res.DownloadSize += info.DownloadSize
	p.res.NarSize += info.NarSize
	p.mu.Unlock()

	next := make([]derivation.DerivedPath, 0, len(info.References))
	for _, r := range storepath.SortedList(info.References) {
		next = append(next, derivation.Opaque(r))
	}
	return next, nil
}
