package derivation

import (
	"sort"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

// Unparse renders d in ATerm form.
//
// With maskOutputs, output paths and the environment variables named after
// outputs are blanked. actualInputs, when non-nil, replaces the input
// derivation section: keys are modulo hashes in hex, values output names.
func Unparse(dir storepath.Dir, d *Derivation, maskOutputs bool, actualInputs map[string]sets.Set[string]) (string, error) {
	var b strings.Builder
	b.WriteString("Derive([")

	for i, name := range d.OutputNames() {
		if i > 0 {
			b.WriteByte(',')
		}
		o := d.Outputs[name]
		b.WriteByte('(')
		writeUnquoted(&b, name)
		b.WriteByte(',')
		path := ""
		if !maskOutputs {
			p, err := o.PathIn(dir, d.Name, name)
			if err != nil {
				return "", err
			}
			if !p.IsZero() {
				path = dir.PrintPath(p)
			}
		}
		writeUnquoted(&b, path)
		b.WriteByte(',')
		if o.Kind == CAFixed {
			writeUnquoted(&b, o.CA.MethodAlgo())
			b.WriteByte(',')
			writeUnquoted(&b, o.CA.Hash.Hex())
		} else {
			writeUnquoted(&b, "")
			b.WriteByte(',')
			writeUnquoted(&b, "")
		}
		b.WriteByte(')')
	}

	b.WriteString("],[")
	if actualInputs != nil {
		keys := make([]string, 0, len(actualInputs))
		for k := range actualInputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('(')
			writeString(&b, k)
			b.WriteByte(',')
			writeUnquotedList(&b, sets.List(actualInputs[k]))
			b.WriteByte(')')
		}
	} else {
		drvs := make([]storepath.StorePath, 0, len(d.InputDrvs))
		for p := range d.InputDrvs {
			drvs = append(drvs, p)
		}
		storepath.Sort(drvs)
		for i, p := range drvs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteByte('(')
			writeUnquoted(&b, dir.PrintPath(p))
			b.WriteByte(',')
			writeUnquotedList(&b, sets.List(d.InputDrvs[p]))
			b.WriteByte(')')
		}
	}

	b.WriteString("],")
	writeUnquotedList(&b, dir.PrintPaths(d.InputSrcs))

	b.WriteByte(',')
	writeString(&b, d.Platform)
	b.WriteByte(',')
	writeString(&b, d.Builder)
	b.WriteByte(',')
	writeStringList(&b, d.Args)

	b.WriteString(",[")
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		writeString(&b, k)
		b.WriteByte(',')
		v := d.Env[k]
		if maskOutputs {
			if _, isOutput := d.Outputs[k]; isOutput {
				v = ""
			}
		}
		writeString(&b, v)
		b.WriteByte(')')
	}
	b.WriteString("])")
	return b.String(), nil
}

func writeUnquoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	b.WriteString(s)
	b.WriteByte('"')
}

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

func writeUnquotedList(b *strings.Builder, items []string) {
	b.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		writeUnquoted(b, s)
	}
	b.WriteByte(']')
}

func writeStringList(b *strings.Builder, items []string) {
	b.WriteByte('[')
	for i, s := range items {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(b, s)
	}
	b.WriteByte(']')
}

type parser struct {
	s   string
	pos int
}

func (p *parser) expect(lit string) error {
	if !strings.HasPrefix(p.s[p.pos:], lit) {
		return formatErrorf("expected string '%s' at offset %d", lit, p.pos)
	}
	p.pos += len(lit)
	return nil
}

func (p *parser) peek(c byte) bool {
	return p.pos < len(p.s) && p.s[p.pos] == c
}

// endOfList consumes a ']' or a ',' and reports whether the list ended.
func (p *parser) endOfList() (bool, error) {
	if p.peek(',') {
		p.pos++
		return false, nil
	}
	if p.peek(']') {
		p.pos++
		return true, nil
	}
	return false, formatErrorf("expected ',' or ']' at offset %d", p.pos)
}

func (p *parser) str() (string, error) {
	if err := p.expect(`"`); err != nil {
		return "", err
	}
	var b strings.Builder
	for {
		if p.pos >= len(p.s) {
			return "", formatErrorf("unterminated string")
		}
		c := p.s[p.pos]
		p.pos++
		switch c {
		case '"':
			return b.String(), nil
		case '\\':
			if p.pos >= len(p.s) {
				return "", formatErrorf("unterminated escape")
			}
			e := p.s[p.pos]
			p.pos++
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			default:
				b.WriteByte(e)
			}
		default:
			b.WriteByte(c)
		}
	}
}

func (p *parser) path(dir storepath.Dir) (storepath.StorePath, error) {
	s, err := p.str()
	if err != nil {
		return storepath.StorePath{}, err
	}
	if s == "" || s[0] != '/' {
		return storepath.StorePath{}, formatErrorf("bad path '%s' in derivation", s)
	}
	return dir.ParsePath(s)
}

func (p *parser) strList() ([]string, error) {
	if err := p.expect("["); err != nil {
		return nil, err
	}
	out := []string{}
	if p.peek(']') {
		p.pos++
		return out, nil
	}
	for {
		s, err := p.str()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		end, err := p.endOfList()
		if err != nil {
			return nil, err
		}
		if end {
			return out, nil
		}
	}
}

// list parses `[item,item,...]` calling item for each element.
func (p *parser) list(item func() error) error {
	if err := p.expect("["); err != nil {
		return err
	}
	if p.peek(']') {
		p.pos++
		return nil
	}
	for {
		if err := item(); err != nil {
			return err
		}
		end, err := p.endOfList()
		if err != nil {
			return err
		}
		if end {
			return nil
		}
	}
}

func parseOutput(dir storepath.Dir, pathS, methodAlgo, hashS string) (Output, error) {
	if methodAlgo != "" {
		method, algo, err := storepath.ParseMethodAlgo(methodAlgo)
		if err != nil {
			return Output{}, formatErrorf("%v", err)
		}
		if method == storepath.Text {
			return Output{}, unsupportedf("dynamic derivations are not supported")
		}
		if hashS == "" {
			return Output{}, unsupportedf("floating content-addressed derivations are not supported")
		}
		h, err := storepath.ParseHash(hashS, algo)
		if err != nil {
			return Output{}, formatErrorf("%v", err)
		}
		if pathS != "" {
			if _, err := dir.ParsePath(pathS); err != nil {
				return Output{}, err
			}
		}
		return FixedOutput(method, h), nil
	}
	if hashS != "" {
		return Output{}, formatErrorf("output hash '%s' without a hash algorithm", hashS)
	}
	if pathS == "" {
		return Output{}, unsupportedf("deferred input-addressed outputs are not supported")
	}
	p, err := dir.ParsePath(pathS)
	if err != nil {
		return Output{}, err
	}
	return InputAddressedOutput(p), nil
}

// Parse reads the ATerm form produced by Unparse. name is the derivation
// name, usually the drv path name without ".drv".
func Parse(dir storepath.Dir, name, text string) (*Derivation, error) {
	p := &parser{s: text}
	d := New(name)

	if err := p.expect("Derive("); err != nil {
		return nil, err
	}

	err := p.list(func() error {
		if err := p.expect("("); err != nil {
			return err
		}
		fields := make([]string, 4)
		for i := range fields {
			if i > 0 {
				if err := p.expect(","); err != nil {
					return err
				}
			}
			s, err := p.str()
			if err != nil {
				return err
			}
			fields[i] = s
		}
		if err := p.expect(")"); err != nil {
			return err
		}
		out, err := parseOutput(dir, fields[1], fields[2], fields[3])
		if err != nil {
			return err
		}
		if _, dup := d.Outputs[fields[0]]; dup {
			return formatErrorf("duplicate output '%s'", fields[0])
		}
		d.Outputs[fields[0]] = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}
	err = p.list(func() error {
		if err := p.expect("("); err != nil {
			return err
		}
		drvPath, err := p.path(dir)
		if err != nil {
			return err
		}
		if err := p.expect(","); err != nil {
			return err
		}
		outs, err := p.strList()
		if err != nil {
			return err
		}
		if err := p.expect(")"); err != nil {
			return err
		}
		d.InputDrvs[drvPath] = sets.New(outs...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}
	srcs, err := p.strList()
	if err != nil {
		return nil, err
	}
	for _, s := range srcs {
		sp, err := dir.ParsePath(s)
		if err != nil {
			return nil, err
		}
		d.InputSrcs.Insert(sp)
	}

	for _, dst := range []*string{&d.Platform, &d.Builder} {
		if err := p.expect(","); err != nil {
			return nil, err
		}
		s, err := p.str()
		if err != nil {
			return nil, err
		}
		*dst = s
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}
	if d.Args, err = p.strList(); err != nil {
		return nil, err
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}
	err = p.list(func() error {
		if err := p.expect("("); err != nil {
			return err
		}
		k, err := p.str()
		if err != nil {
			return err
		}
		if err := p.expect(","); err != nil {
			return err
		}
		v, err := p.str()
		if err != nil {
			return err
		}
		d.Env[k] = v
		return p.expect(")")
	})
	if err != nil {
		return nil, err
	}

	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if p.pos != len(p.s) {
		return nil, formatErrorf("trailing data after derivation at offset %d", p.pos)
	}
	return d, nil
}
