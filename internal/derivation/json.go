package derivation

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

// OutputJSON is the JSON form of one output. Input-addressed outputs carry
// only a path; fixed outputs carry hashAlgo (method-prefixed) and a hex hash.
// Method is informational on output and ignored on input.
type OutputJSON struct {
	Path     string `json:"path,omitempty"`
	Method   string `json:"method,omitempty"`
	HashAlgo string `json:"hashAlgo,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// InputDrvJSON lists the outputs wanted from one input derivation.
type InputDrvJSON struct {
	Outputs []string `json:"outputs"`
}

// JSON is the JSON form of a derivation used by `derivation show` and
// `derivation add`.
type JSON struct {
	Name      string                  `json:"name"`
	Outputs   map[string]OutputJSON   `json:"outputs"`
	InputSrcs []string                `json:"inputSrcs"`
	InputDrvs map[string]InputDrvJSON `json:"inputDrvs"`
	System    string                  `json:"system"`
	Builder   string                  `json:"builder"`
	Args      []string                `json:"args"`
	Env       map[string]string       `json:"env"`
}

// ToJSON renders d with absolute paths under dir.
func ToJSON(dir storepath.Dir, d *Derivation) (JSON, error) {
	j := JSON{
		Name:      d.Name,
		Outputs:   make(map[string]OutputJSON, len(d.Outputs)),
		InputSrcs: dir.PrintPaths(d.InputSrcs),
		InputDrvs: make(map[string]InputDrvJSON, len(d.InputDrvs)),
		System:    d.Platform,
		Builder:   d.Builder,
		Args:      append([]string{}, d.Args...),
		Env:       make(map[string]string, len(d.Env)),
	}
	for name, o := range d.Outputs {
		var oj OutputJSON
		p, err := o.PathIn(dir, d.Name, name)
		if err != nil {
			return JSON{}, err
		}
		if !p.IsZero() {
			oj.Path = dir.PrintPath(p)
		}
		if o.Kind == CAFixed {
			oj.Method = o.CA.Method.String()
			oj.HashAlgo = o.CA.MethodAlgo()
			oj.Hash = o.CA.Hash.Hex()
		}
		j.Outputs[name] = oj
	}
	for p, outs := range d.InputDrvs {
		j.InputDrvs[dir.PrintPath(p)] = InputDrvJSON{Outputs: sets.List(outs)}
	}
	for k, v := range d.Env {
		j.Env[k] = v
	}
	return j, nil
}

// FromJSON builds a derivation from its JSON form. Input-addressed outputs
// may omit their path; FillOutputPaths computes it afterwards.
func FromJSON(dir storepath.Dir, j JSON) (*Derivation, error) {
	if j.Name == "" {
		return nil, formatErrorf("derivation JSON lacks a name")
	}
	if err := storepath.CheckName(j.Name, j.Name); err != nil {
		return nil, err
	}
	d := New(j.Name)
	d.Platform = j.System
	d.Builder = j.Builder
	d.Args = append([]string{}, j.Args...)
	for k, v := range j.Env {
		d.Env[k] = v
	}

	for name, oj := range j.Outputs {
		if oj.HashAlgo == "" {
			if oj.Hash != "" {
				return nil, formatErrorf("output '%s' has a hash but no hashAlgo", name)
			}
			var p storepath.StorePath
			if oj.Path != "" {
				var err error
				if p, err = dir.ParsePath(oj.Path); err != nil {
					return nil, err
				}
			}
			d.Outputs[name] = InputAddressedOutput(p)
			continue
		}
		method, algo, err := storepath.ParseMethodAlgo(oj.HashAlgo)
		if err != nil {
			return nil, formatErrorf("output '%s': %v", name, err)
		}
		if method == storepath.Text {
			return nil, unsupportedf("output '%s' uses the text method, which requires dynamic derivations", name)
		}
		if oj.Hash == "" {
			return nil, unsupportedf("floating content-addressed output '%s' is not supported", name)
		}
		h, err := storepath.ParseHash(oj.Hash, algo)
		if err != nil {
			return nil, formatErrorf("output '%s': %v", name, err)
		}
		d.Outputs[name] = FixedOutput(method, h)
	}

	for _, s := range j.InputSrcs {
		p, err := dir.ParsePath(s)
		if err != nil {
			return nil, err
		}
		d.InputSrcs.Insert(p)
	}
	for s, in := range j.InputDrvs {
		p, err := dir.ParsePath(s)
		if err != nil {
			return nil, err
		}
		if !p.IsDerivation() {
			return nil, formatErrorf("input derivation '%s' is not a derivation path", s)
		}
		d.InputDrvs[p] = sets.New(in.Outputs...)
	}
	return d, nil
}
