package storepath

import (
	"fmt"
	"strings"
)

// Method describes how the bytes behind a content hash were produced.
type Method int

const (
	// Flat hashes the contents of a single regular file.
	Flat Method = iota
	// Recursive hashes the deterministic archive of a file tree.
	Recursive
	// Text hashes a flat text file whose references are recorded in the path.
	Text
)

func (m Method) prefix() string {
	switch m {
	case Recursive:
		return "r:"
	case Text:
		return "text:"
	}
	return ""
}

func (m Method) String() string {
	switch m {
	case Recursive:
		return "nar"
	case Text:
		return "text"
	}
	return "flat"
}

// ParseMethod accepts the names printed by String.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "flat":
		return Flat, nil
	case "nar", "recursive":
		return Recursive, nil
	case "text":
		return Text, nil
	}
	return 0, fmt.Errorf("unknown content address method '%s'", s)
}

// ContentAddress is the method and hash an object's path was derived from.
type ContentAddress struct {
	Method Method
	Hash   Hash
}

// MethodAlgo prints the method-prefixed algorithm, e.g. `r:sha256`.
func (ca ContentAddress) MethodAlgo() string {
	return ca.Method.prefix() + string(ca.Hash.Algo)
}

// String renders `text:sha256:<b32>` or `fixed:[r:]sha256:<b32>`.
func (ca ContentAddress) String() string {
	if ca.Method == Text {
		return "text:" + ca.Hash.String()
	}
	return "fixed:" + ca.Method.prefix() + ca.Hash.String()
}

// ParseContentAddress is the inverse of String.
func ParseContentAddress(s string) (ContentAddress, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		return ContentAddress{}, fmt.Errorf("content address '%s' lacks a prefix", s)
	}
	switch prefix {
	case "text":
		h, err := ParseHash(rest, "")
		if err != nil {
			return ContentAddress{}, err
		}
		if h.Algo != SHA256 {
			return ContentAddress{}, fmt.Errorf("text content address '%s' must use sha256", s)
		}
		return ContentAddress{Method: Text, Hash: h}, nil
	case "fixed":
		method := Flat
		if r, ok := strings.CutPrefix(rest, "r:"); ok {
			method, rest = Recursive, r
		}
		h, err := ParseHash(rest, "")
		if err != nil {
			return ContentAddress{}, err
		}
		return ContentAddress{Method: method, Hash: h}, nil
	}
	return ContentAddress{}, fmt.Errorf("content address '%s' has unknown prefix '%s'", s, prefix)
}

// ParseMethodAlgo splits `r:sha256`, `text:sha256` or `sha256`.
func ParseMethodAlgo(s string) (Method, HashAlgo, error) {
	method := Flat
	if r, ok := strings.CutPrefix(s, "r:"); ok {
		method, s = Recursive, r
	} else if r, ok := strings.CutPrefix(s, "text:"); ok {
		method, s = Text, r
	}
	algo, err := ParseHashAlgo(s)
	if err != nil {
		return 0, "", err
	}
	return method, algo, nil
}
