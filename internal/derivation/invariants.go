package derivation

import (
	"context"

	"go.uber.org/multierr"

	"storeweaver/internal/storepath"
)

// CheckInvariants verifies that d, stored at drvPath, is internally
// consistent: its name matches the path, input-addressed outputs sit at the
// paths their modulo hash dictates, and every output path is exported in
// the environment. All violations are reported together.
func (h *Hasher) CheckInvariants(ctx context.Context, drvPath storepath.StorePath, d *Derivation) error {
	if !drvPath.IsDerivation() {
		return invalidf("path '%s' is not a derivation", h.dir.PrintPath(drvPath))
	}
	drvName := drvPath.DerivationName()
	printed := h.dir.PrintPath(drvPath)

	var errs error
	if drvName != d.Name {
		errs = multierr.Append(errs, invalidf("derivation '%s' has incorrect 'name' attribute", printed))
	}

	envHasRightPath := func(outputName string, actual storepath.StorePath) {
		want := h.dir.PrintPath(actual)
		if got, ok := d.Env[outputName]; !ok || got != want {
			errs = multierr.Append(errs, invalidf(
				"derivation '%s' has incorrect environment variable '%s', should be '%s'",
				printed, outputName, want))
		}
	}

	var modulo map[string]storepath.Hash
	for _, name := range d.OutputNames() {
		o := d.Outputs[name]
		switch o.Kind {
		case CAFixed:
			p, err := o.PathIn(h.dir, drvName, name)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			envHasRightPath(name, p)
		case InputAddressed:
			if modulo == nil {
				var err error
				if modulo, err = h.HashModulo(ctx, d, true); err != nil {
					return multierr.Append(errs, err)
				}
			}
			want, err := h.dir.MakeOutputPath(name, modulo[name], drvName)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			if o.Path != want {
				errs = multierr.Append(errs, invalidf(
					"derivation '%s' has incorrect output '%s', should be '%s'",
					printed, h.dir.PrintPath(o.Path), h.dir.PrintPath(want)))
			}
			envHasRightPath(name, o.Path)
		}
	}
	return errs
}
