package derivation

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

// OutputsSpec selects either all outputs of a derivation or a named subset.
type OutputsSpec struct {
	All   bool
	Names sets.Set[string]
}

// AllOutputs selects every output.
func AllOutputs() OutputsSpec { return OutputsSpec{All: true} }

// OutputNames selects the given outputs.
func OutputNames(names ...string) OutputsSpec {
	return OutputsSpec{Names: sets.New(names...)}
}

// Contains reports whether name is selected.
func (s OutputsSpec) Contains(name string) bool {
	return s.All || s.Names.Has(name)
}

// Union returns the outputs selected by either spec.
func (s OutputsSpec) Union(o OutputsSpec) OutputsSpec {
	if s.All || o.All {
		return AllOutputs()
	}
	return OutputsSpec{Names: s.Names.Union(o.Names)}
}

// IsSubsetOf reports whether every output selected by s is selected by o.
func (s OutputsSpec) IsSubsetOf(o OutputsSpec) bool {
	if o.All {
		return true
	}
	if s.All {
		return false
	}
	return o.Names.IsSuperset(s.Names)
}

// String renders `*` or a sorted comma-separated list.
func (s OutputsSpec) String() string {
	if s.All {
		return "*"
	}
	return strings.Join(sets.List(s.Names), ",")
}

// ParseOutputsSpec is the inverse of String.
func ParseOutputsSpec(s string) (OutputsSpec, error) {
	if s == "*" {
		return AllOutputs(), nil
	}
	names := strings.Split(s, ",")
	for _, n := range names {
		if err := storepath.CheckName(s, n); err != nil {
			return OutputsSpec{}, fmt.Errorf("invalid output name '%s': %w", n, err)
		}
	}
	return OutputNames(names...), nil
}

// DerivedPath is something a client asks to realise: an existing store
// object (opaque) or outputs of a derivation (built).
type DerivedPath struct {
	Path    storepath.StorePath
	Built   bool
	Outputs OutputsSpec
}

// Opaque requests a store object as is.
func Opaque(p storepath.StorePath) DerivedPath {
	return DerivedPath{Path: p}
}

// Built requests outputs of the derivation at drvPath.
func Built(drvPath storepath.StorePath, outputs OutputsSpec) DerivedPath {
	return DerivedPath{Path: drvPath, Built: true, Outputs: outputs}
}

// String renders the canonical form without the store directory.
func (p DerivedPath) String() string {
	if !p.Built {
		return p.Path.String()
	}
	return p.Path.String() + "^" + p.Outputs.String()
}

// Render renders the form accepted on the command line.
func (p DerivedPath) Render(dir storepath.Dir) string {
	if !p.Built {
		return dir.PrintPath(p.Path)
	}
	return dir.PrintPath(p.Path) + "^" + p.Outputs.String()
}

// ParseDerivedPath parses `path` or `drvpath^outputs`. A bare derivation
// path is opaque.
func ParseDerivedPath(dir storepath.Dir, s string) (DerivedPath, error) {
	pathS, outputs, built := strings.Cut(s, "^")
	p, err := dir.ParsePath(pathS)
	if err != nil {
		return DerivedPath{}, err
	}
	if !built {
		return Opaque(p), nil
	}
	if !p.IsDerivation() {
		return DerivedPath{}, fmt.Errorf("path '%s' is not a derivation", pathS)
	}
	if strings.Contains(outputs, "^") {
		return DerivedPath{}, unsupportedf("dynamic derivation target '%s' is not supported", s)
	}
	spec, err := ParseOutputsSpec(outputs)
	if err != nil {
		return DerivedPath{}, err
	}
	return Built(p, spec), nil
}

// DrvOutput identifies one output of a derivation by the derivation's
// static output hash.
type DrvOutput struct {
	DrvHash    storepath.Hash
	OutputName string
}

// String renders `sha256:<hex>!out`.
func (o DrvOutput) String() string {
	return string(o.DrvHash.Algo) + ":" + o.DrvHash.Hex() + "!" + o.OutputName
}

// Realisation binds a derivation output to the store path that holds it.
type Realisation struct {
	ID      DrvOutput
	OutPath storepath.StorePath
}
