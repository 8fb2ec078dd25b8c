package storepath

import (
	"path"
	"sort"
	"strings"
)

// DefaultDir is the conventional store directory.
const DefaultDir Dir = "/nix/store"

// Dir is a store directory. It is part of every path hash, so two stores can
// only exchange objects when their directories are equal.
type Dir string

// ParsePath parses an absolute path that must lie directly inside d.
func (d Dir) ParsePath(p string) (StorePath, error) {
	if p == "" || p[0] != '/' {
		return StorePath{}, badPathf("path '%s' is not absolute", p)
	}
	clean := path.Clean(p)
	if path.Dir(clean) != string(d) {
		return StorePath{}, badPathf("path '%s' is not in the Nix store", p)
	}
	return Parse(path.Base(clean))
}

// ToStorePath maps any path below d to the store path containing it and the
// remainder inside that object.
func (d Dir) ToStorePath(p string) (StorePath, string, error) {
	clean := path.Clean(p)
	prefix := string(d) + "/"
	if !strings.HasPrefix(clean, prefix) {
		return StorePath{}, "", badPathf("path '%s' is not in the Nix store", p)
	}
	rest := clean[len(prefix):]
	base, sub, _ := strings.Cut(rest, "/")
	sp, err := Parse(base)
	if err != nil {
		return StorePath{}, "", err
	}
	if sub != "" {
		sub = "/" + sub
	}
	return sp, sub, nil
}

// IsInStore reports whether p lies below d.
func (d Dir) IsInStore(p string) bool {
	return strings.HasPrefix(path.Clean(p), string(d)+"/")
}

// PrintPath returns the absolute path of p.
func (d Dir) PrintPath(p StorePath) string {
	return string(d) + "/" + p.String()
}

// PrintPaths prints every path of paths, sorted.
func (d Dir) PrintPaths(paths Set) []string {
	out := make([]string, 0, len(paths))
	for _, p := range SortedList(paths) {
		out = append(out, d.PrintPath(p))
	}
	return out
}

// MakeStorePath computes the path for a fingerprint type, an inner sha256
// hash and a name.
func (d Dir) MakeStorePath(typ string, h Hash, name string) (StorePath, error) {
	fingerprint := typ + ":" + string(h.Algo) + ":" + h.Hex() + ":" + string(d) + ":" + name
	digest := HashString(SHA256, fingerprint).Digest
	return FromDigest(Compress(digest, HashLen), name)
}

// OutputPathName is the name of a derivation output path.
func OutputPathName(drvName, outputName string) string {
	if outputName == "out" {
		return drvName
	}
	return drvName + "-" + outputName
}

// MakeOutputPath computes the path of an input-addressed derivation output.
func (d Dir) MakeOutputPath(id string, h Hash, drvName string) (StorePath, error) {
	return d.MakeStorePath("output:"+id, h, OutputPathName(drvName, id))
}

func (d Dir) makeType(typ string, refs Set, hasSelf bool) string {
	names := make([]string, 0, len(refs))
	for p := range refs {
		names = append(names, d.PrintPath(p))
	}
	sort.Strings(names)
	for _, n := range names {
		typ += ":" + n
	}
	if hasSelf {
		typ += ":self"
	}
	return typ
}

// MakeFixedOutputPath computes the path of a fixed-output object.
func (d Dir) MakeFixedOutputPath(name string, method Method, h Hash, refs Set, hasSelf bool) (StorePath, error) {
	if h.Algo == SHA256 && method == Recursive {
		return d.MakeStorePath(d.makeType("source", refs, hasSelf), h, name)
	}
	if len(refs) > 0 || hasSelf {
		return StorePath{}, badPathf("fixed output derivation '%s' is not allowed to refer to other store paths", name)
	}
	inner := HashString(SHA256, "fixed:out:"+method.prefix()+string(h.Algo)+":"+h.Hex()+":")
	return d.MakeStorePath("output:out", inner, name)
}

// MakeTextPath computes the path of a text object such as a derivation file.
func (d Dir) MakeTextPath(name string, h Hash, refs Set) (StorePath, error) {
	if h.Algo != SHA256 {
		return StorePath{}, badPathf("text path '%s' must use sha256", name)
	}
	return d.MakeStorePath(d.makeType("text", refs, false), h, name)
}

// MakePathFromCA dispatches on the content address method.
func (d Dir) MakePathFromCA(name string, ca ContentAddress, refs Set, hasSelf bool) (StorePath, error) {
	if ca.Method == Text {
		return d.MakeTextPath(name, ca.Hash, refs)
	}
	return d.MakeFixedOutputPath(name, ca.Method, ca.Hash, refs, hasSelf)
}
