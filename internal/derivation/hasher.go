package derivation

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

// Reader loads derivations by store path.
type Reader interface {
	ReadDerivation(ctx context.Context, drvPath storepath.StorePath) (*Derivation, error)
}

// Hasher computes derivation modulo hashes and memoizes them per derivation
// path.
//
// Memoization is sound only because a derivation file never changes once it
// is valid. Callers that rewrite derivations in place must Invalidate them.
type Hasher struct {
	dir    storepath.Dir
	reader Reader

	mu    sync.RWMutex
	cache map[storepath.StorePath]map[string]storepath.Hash

	group singleflight.Group
}

// NewHasher returns an empty cache reading input derivations through r.
func NewHasher(dir storepath.Dir, r Reader) *Hasher {
	return &Hasher{
		dir:    dir,
		reader: r,
		cache:  make(map[storepath.StorePath]map[string]storepath.Hash),
	}
}

// Dir returns the store directory hashes are computed for.
func (h *Hasher) Dir() storepath.Dir { return h.dir }

// Invalidate drops the cached hash of one derivation.
func (h *Hasher) Invalidate(drvPath storepath.StorePath) {
	h.mu.Lock()
	delete(h.cache, drvPath)
	h.mu.Unlock()
}

// Reset drops every cached hash.
func (h *Hasher) Reset() {
	h.mu.Lock()
	h.cache = make(map[storepath.StorePath]map[string]storepath.Hash)
	h.mu.Unlock()
}

// Cached reports whether drvPath has a memoized hash.
func (h *Hasher) Cached(drvPath storepath.StorePath) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.cache[drvPath]
	return ok
}

// HashModulo returns the per-output modulo hash of d.
//
// Fixed-output derivations hash their declared content address and output
// path, so their identity does not depend on how they are fetched. Other
// derivations hash their ATerm with every input derivation replaced by that
// input's own modulo hash; the same hash is returned for every output.
func (h *Hasher) HashModulo(ctx context.Context, d *Derivation, maskOutputs bool) (map[string]storepath.Hash, error) {
	typ, err := d.Type()
	if err != nil {
		return nil, err
	}

	if typ == TypeFixed {
		out := make(map[string]storepath.Hash, 1)
		for name, o := range d.Outputs {
			p, err := o.PathIn(h.dir, d.Name, name)
			if err != nil {
				return nil, err
			}
			out[name] = storepath.HashString(storepath.SHA256,
				"fixed:out:"+o.CA.MethodAlgo()+":"+o.CA.Hash.Hex()+":"+h.dir.PrintPath(p))
		}
		return out, nil
	}

	inputs := make(map[string]sets.Set[string], len(d.InputDrvs))
	for drvPath, wanted := range d.InputDrvs {
		hashes, err := h.PathHashModulo(ctx, drvPath)
		if err != nil {
			return nil, err
		}
		for outName := range wanted {
			oh, ok := hashes[outName]
			if !ok {
				return nil, invalidf("derivation '%s' does not have output '%s'", h.dir.PrintPath(drvPath), outName)
			}
			key := oh.Hex()
			if inputs[key] == nil {
				inputs[key] = sets.New[string]()
			}
			inputs[key].Insert(outName)
		}
	}

	text, err := Unparse(h.dir, d, maskOutputs, inputs)
	if err != nil {
		return nil, err
	}
	sum := storepath.HashString(storepath.SHA256, text)
	out := make(map[string]storepath.Hash, len(d.Outputs))
	for name := range d.Outputs {
		out[name] = sum
	}
	return out, nil
}

// PathHashModulo reads drvPath and returns its memoized unmasked modulo hash.
func (h *Hasher) PathHashModulo(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.Hash, error) {
	h.mu.RLock()
	cached, ok := h.cache[drvPath]
	h.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := h.group.Do(drvPath.String(), func() (any, error) {
		h.mu.RLock()
		cached, ok := h.cache[drvPath]
		h.mu.RUnlock()
		if ok {
			return cached, nil
		}
		d, err := h.reader.ReadDerivation(ctx, drvPath)
		if err != nil {
			return nil, fmt.Errorf("reading input derivation '%s': %w", h.dir.PrintPath(drvPath), err)
		}
		hashes, err := h.HashModulo(ctx, d, false)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.cache[drvPath] = hashes
		h.mu.Unlock()
		return hashes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]storepath.Hash), nil
}

// StaticOutputHashes returns the masked modulo hash of each output, the key
// under which output realisations are recorded.
func (h *Hasher) StaticOutputHashes(ctx context.Context, d *Derivation) (map[string]storepath.Hash, error) {
	return h.HashModulo(ctx, d, true)
}

// FillOutputPaths assigns the output paths of a freshly constructed
// derivation and mirrors them into the environment.
func (h *Hasher) FillOutputPaths(ctx context.Context, d *Derivation) error {
	typ, err := d.Type()
	if err != nil {
		return err
	}
	if typ == TypeFixed {
		for name, o := range d.Outputs {
			p, err := o.PathIn(h.dir, d.Name, name)
			if err != nil {
				return err
			}
			d.Env[name] = h.dir.PrintPath(p)
		}
		return nil
	}

	for name := range d.Outputs {
		d.Outputs[name] = Output{Kind: InputAddressed}
		d.Env[name] = ""
	}
	hashes, err := h.HashModulo(ctx, d, true)
	if err != nil {
		return err
	}
	for name := range d.Outputs {
		p, err := h.dir.MakeOutputPath(name, hashes[name], d.Name)
		if err != nil {
			return err
		}
		d.Outputs[name] = InputAddressedOutput(p)
		d.Env[name] = h.dir.PrintPath(p)
	}
	return nil
}
