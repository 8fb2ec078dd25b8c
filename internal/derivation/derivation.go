package derivation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

var (
	// ErrFormat marks malformed derivation text or JSON.
	ErrFormat = errors.New("derivation format error")
	// ErrUnsupported marks derivation features this engine does not implement.
	ErrUnsupported = errors.New("unsupported")
	// ErrInvalid marks derivations whose structure breaks an invariant.
	ErrInvalid = errors.New("invalid derivation")
)

func formatErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))
}

func unsupportedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, fmt.Sprintf(format, args...))
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// OutputKind tags the variants of Output.
type OutputKind int

const (
	// InputAddressed outputs have a path derived from the derivation hash.
	InputAddressed OutputKind = iota
	// CAFixed outputs have a path derived from a content hash known up front.
	CAFixed
)

// Output is one declared output of a derivation.
type Output struct {
	Kind OutputKind
	// Path is set for InputAddressed outputs.
	Path storepath.StorePath
	// CA is set for CAFixed outputs.
	CA storepath.ContentAddress
}

// InputAddressedOutput builds an input-addressed output.
func InputAddressedOutput(p storepath.StorePath) Output {
	return Output{Kind: InputAddressed, Path: p}
}

// FixedOutput builds a fixed content-addressed output.
func FixedOutput(method storepath.Method, h storepath.Hash) Output {
	return Output{Kind: CAFixed, CA: storepath.ContentAddress{Method: method, Hash: h}}
}

// PathIn returns the store path of the output.
func (o Output) PathIn(dir storepath.Dir, drvName, outputName string) (storepath.StorePath, error) {
	if o.Kind == InputAddressed {
		return o.Path, nil
	}
	return dir.MakeFixedOutputPath(storepath.OutputPathName(drvName, outputName), o.CA.Method, o.CA.Hash, nil, false)
}

// Derivation is a build plan.
type Derivation struct {
	Name      string
	Outputs   map[string]Output
	InputSrcs storepath.Set
	InputDrvs map[storepath.StorePath]sets.Set[string]
	Platform  string
	Builder   string
	Args      []string
	Env       map[string]string
}

// New returns an empty derivation with initialised maps.
func New(name string) *Derivation {
	return &Derivation{
		Name:      name,
		Outputs:   make(map[string]Output),
		InputSrcs: sets.New[storepath.StorePath](),
		InputDrvs: make(map[storepath.StorePath]sets.Set[string]),
		Env:       make(map[string]string),
	}
}

// Type classifies how the outputs are addressed.
type Type int

const (
	TypeInputAddressed Type = iota
	TypeFixed
)

// Type validates the output variants and classifies the derivation.
func (d *Derivation) Type() (Type, error) {
	if len(d.Outputs) == 0 {
		return 0, invalidf("must have at least one output")
	}
	var ia, fixed int
	for name, o := range d.Outputs {
		switch o.Kind {
		case InputAddressed:
			ia++
		case CAFixed:
			fixed++
			if name != "out" {
				return 0, invalidf("single fixed output must be named \"out\"")
			}
		}
	}
	switch {
	case ia > 0 && fixed > 0:
		return 0, invalidf("can't mix derivation output types")
	case fixed > 1:
		return 0, invalidf("only one fixed output is allowed for now")
	case fixed == 1:
		return TypeFixed, nil
	}
	return TypeInputAddressed, nil
}

// IsFixedOutput reports whether the derivation has a single fixed output.
func (d *Derivation) IsFixedOutput() bool {
	t, err := d.Type()
	return err == nil && t == TypeFixed
}

// FixedCA returns the content address of the fixed "out" output, if any.
func (d *Derivation) FixedCA() (storepath.ContentAddress, bool) {
	o, ok := d.Outputs["out"]
	if !ok || o.Kind != CAFixed || !d.IsFixedOutput() {
		return storepath.ContentAddress{}, false
	}
	return o.CA, true
}

// OutputNames returns the declared output names, sorted.
func (d *Derivation) OutputNames() []string {
	names := make([]string, 0, len(d.Outputs))
	for n := range d.Outputs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OutputsAndPaths computes the store path of every output.
func (d *Derivation) OutputsAndPaths(dir storepath.Dir) (map[string]storepath.StorePath, error) {
	out := make(map[string]storepath.StorePath, len(d.Outputs))
	for name, o := range d.Outputs {
		p, err := o.PathIn(dir, d.Name, name)
		if err != nil {
			return nil, err
		}
		if p.IsZero() {
			return nil, unsupportedf("output '%s' of derivation '%s' has no known path", name, d.Name)
		}
		out[name] = p
	}
	return out, nil
}

// References returns the input sources plus the input derivation paths, the
// reference set recorded for the derivation file itself.
func (d *Derivation) References() storepath.Set {
	refs := d.InputSrcs.Clone()
	for p := range d.InputDrvs {
		refs.Insert(p)
	}
	return refs
}

// Path computes the store path the derivation file is written to.
func Path(dir storepath.Dir, d *Derivation) (storepath.StorePath, error) {
	text, err := Unparse(dir, d, false, nil)
	if err != nil {
		return storepath.StorePath{}, err
	}
	return dir.MakeTextPath(d.Name+storepath.DrvExtension, storepath.HashString(storepath.SHA256, text), d.References())
}

// SubstitutesAllowed reads the allowSubstitutes attribute (default true).
func (d *Derivation) SubstitutesAllowed() bool {
	v, ok := d.Env["allowSubstitutes"]
	if !ok {
		return true
	}
	return v == "1" || v == "true"
}

// PreferLocalBuild reads the preferLocalBuild attribute.
func (d *Derivation) PreferLocalBuild() bool {
	v := d.Env["preferLocalBuild"]
	return v == "1" || v == "true"
}

// RequiredSystemFeatures reads the space-separated requiredSystemFeatures attribute.
func (d *Derivation) RequiredSystemFeatures() []string {
	return strings.Fields(d.Env["requiredSystemFeatures"])
}

// IsBuiltin reports whether the builder is an in-process builtin.
func (d *Derivation) IsBuiltin() bool {
	return strings.HasPrefix(d.Builder, "builtin:")
}

// HashPlaceholder returns the placeholder string substituted for an output
// path whose final location is not yet known.
func HashPlaceholder(outputName string) string {
	return "/" + storepath.HashString(storepath.SHA256, "nix-output:"+outputName).Base32()
}
