// Package gc deletes store paths that no garbage collector root keeps
// alive.
//
// A path is alive when a root reaches it through references (and, when
// configured, through derivation outputs and derivers). Deletion always
// works on whole referrer closures: a path is deleted only together with
// every path that refers to it, and only when none of them is alive.
package gc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/closure"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// Action selects what Collect does with the paths it classifies.
type Action int

const (
	// ReturnLive reports the live paths and deletes nothing.
	ReturnLive Action = iota
	// ReturnDead reports the dead paths and deletes nothing.
	ReturnDead
	// DeleteDead deletes every dead path.
	DeleteDead
	// DeleteSpecific deletes the given paths and their dead referrers, and
	// fails if any of them is alive.
	DeleteSpecific
)

// ErrAlive is returned by DeleteSpecific when some paths are still alive.
var ErrAlive = errors.New("paths are still alive")

// Store is what the collector needs from a local store.
type Store interface {
	store.LocalFSStore
	StateDir() string
	FindRoots(ctx context.Context) (store.Roots, error)
	ValidPaths(ctx context.Context) (storepath.Set, error)
}

// Options configures one collection.
type Options struct {
	Action Action
	// PathsToDelete is used by DeleteSpecific.
	PathsToDelete []storepath.StorePath
	// IgnoreLiveness deletes specific paths even when roots reach them.
	IgnoreLiveness bool
	// KeepOutputs keeps the outputs of live derivations alive.
	KeepOutputs bool
	// KeepDerivations keeps the derivers of live paths alive.
	KeepDerivations bool
	// MaxFreed stops DeleteDead once this many bytes were freed; 0 means
	// no limit.
	MaxFreed uint64
	Log      logr.Logger
}

// Results reports the paths deleted (or, for the Return actions, the paths
// found live or dead) and the NAR bytes freed.
type Results struct {
	Paths      storepath.Set
	BytesFreed uint64
}

var errLimitReached = errors.New("gc limit reached")

type collector struct {
	s     Store
	opts  Options
	log   logr.Logger
	roots storepath.Set
	alive storepath.Set
	dead  storepath.Set
	res   *Results
}

// Collect classifies store paths against the roots and acts on them.
// Only one collection runs per state directory at a time.
func Collect(ctx context.Context, s Store, opts Options) (*Results, error) {
	lock, ok, err := store.TryLockPaths([]string{filepath.Join(s.StateDir(), "gc")})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("another garbage collection is in progress")
	}
	defer lock.Unlock()

	specific := opts.Action == DeleteSpecific
	if specific {
		opts.MaxFreed = 0
	}
	if specific && opts.IgnoreLiveness {
		// Following outputs or derivers would widen the deletion.
		opts.KeepOutputs, opts.KeepDerivations = false, false
	}

	c := &collector{
		s:     s,
		opts:  opts,
		log:   opts.Log,
		roots: sets.New[storepath.StorePath](),
		alive: sets.New[storepath.StorePath](),
		dead:  sets.New[storepath.StorePath](),
		res:   &Results{Paths: sets.New[storepath.StorePath]()},
	}
	if !opts.IgnoreLiveness {
		c.log.Info("finding garbage collector roots...")
		roots, err := s.FindRoots(ctx)
		if err != nil {
			return nil, err
		}
		for p := range roots {
			c.roots.Insert(p)
		}
	}

	if specific {
		var kept []string
		for _, p := range opts.PathsToDelete {
			if err := c.deleteReferrersClosure(ctx, p); err != nil {
				return c.res, err
			}
			if !c.dead.Has(p) {
				kept = append(kept, s.Dir().PrintPath(p))
			}
		}
		if len(kept) > 0 {
			return c.res, fmt.Errorf("%w: cannot delete some of the given paths because they are still alive. Paths not deleted:\n  %s",
				ErrAlive, strings.Join(kept, "\n  "))
		}
		return c.res, nil
	}

	if opts.Action == DeleteDead {
		c.log.Info("deleting garbage...")
	} else {
		c.log.Info("determining live/dead paths...")
	}
	valid, err := s.ValidPaths(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range storepath.SortedList(valid) {
		if err := ctx.Err(); err != nil {
			return c.res, err
		}
		err := c.deleteReferrersClosure(ctx, p)
		if errors.Is(err, errLimitReached) {
			c.log.Info(fmt.Sprintf("deleted more than %d bytes; stopping", opts.MaxFreed))
			break
		}
		if err != nil {
			return c.res, err
		}
	}

	switch opts.Action {
	case ReturnLive:
		c.res.Paths = c.alive
	case ReturnDead:
		c.res.Paths = c.dead
	}
	return c.res, nil
}

func (c *collector) shouldDelete() bool {
	return c.opts.Action == DeleteDead || c.opts.Action == DeleteSpecific
}

// deleteReferrersClosure visits every path reaching start through referrer
// edges. If none of them is alive they are all garbage and are deleted,
// referrers first; otherwise start is marked alive.
func (c *collector) deleteReferrersClosure(ctx context.Context, start storepath.StorePath) error {
	if c.alive.Has(start) || c.dead.Has(start) {
		return nil
	}
	valid, err := c.s.IsValidPath(ctx, start)
	if err != nil {
		return err
	}
	if !valid {
		if c.roots.Has(start) {
			c.alive.Insert(start)
			return nil
		}
		c.dead.Insert(start)
		return nil
	}

	visited, err := closure.ComputeFSClosure(ctx, c.s, []storepath.StorePath{start}, closure.Options{
		Flip:            true,
		IncludeOutputs:  c.opts.KeepOutputs,
		IncludeDerivers: c.opts.KeepDerivations,
	})
	if err != nil {
		return err
	}

	live := false
	for _, p := range storepath.SortedList(visited) {
		switch {
		case c.alive.Has(p):
			live = true
		case c.roots.Has(p):
			c.log.V(1).Info("cannot delete path because it is a root", "path", c.s.Dir().PrintPath(p))
			if err := c.markAlive(ctx, p); err != nil {
				return err
			}
			live = true
		}
	}
	if live {
		c.alive.Insert(start)
		return nil
	}

	order, err := closure.TopoSortPaths(ctx, c.s, visited)
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		p := order[i]
		if c.dead.Has(p) {
			continue
		}
		if !c.shouldDelete() {
			c.dead.Insert(p)
			continue
		}
		deleted, err := c.deleteFromStore(ctx, p)
		if err != nil {
			return err
		}
		if !deleted {
			// Everything below p is still referenced by it.
			c.alive.Insert(start)
			return nil
		}
		c.dead.Insert(p)
		if c.opts.MaxFreed > 0 && c.res.BytesFreed > c.opts.MaxFreed {
			return errLimitReached
		}
	}
	return nil
}

// markAlive adds p and its forward closure to the live set.
func (c *collector) markAlive(ctx context.Context, p storepath.StorePath) error {
	live, err := closure.ComputeFSClosure(ctx, c.s, []storepath.StorePath{p}, closure.Options{
		IncludeOutputs:  c.opts.KeepOutputs,
		IncludeDerivers: c.opts.KeepDerivations,
	})
	if errors.Is(err, store.ErrInvalidPath) {
		c.alive.Insert(p)
		return nil
	}
	if err != nil {
		return err
	}
	c.alive = c.alive.Union(live)
	return nil
}

// deleteFromStore deletes p unless a build holds its lock.
func (c *collector) deleteFromStore(ctx context.Context, p storepath.StorePath) (bool, error) {
	printed := c.s.Dir().PrintPath(p)
	lock, ok, err := c.s.LockPaths(ctx, []storepath.StorePath{p})
	if err != nil {
		return false, err
	}
	if !ok {
		c.log.Info(fmt.Sprintf("skipping deletion of path '%s' because it is in use", printed))
		return false, nil
	}
	defer lock.Unlock()

	var size uint64
	if info, err := c.s.QueryPathInfo(ctx, p); err == nil {
		size = info.NarSize
	}
	c.log.Info(fmt.Sprintf("deleting '%s'", printed))
	if err := c.s.DeletePath(ctx, p); err != nil {
		return false, err
	}
	lock.SetDeletion(true)
	c.res.Paths.Insert(p)
	c.res.BytesFreed += size
	return true, nil
}
