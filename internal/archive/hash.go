package archive

import (
	"fmt"
	"io"
	"os"

	"storeweaver/internal/storepath"
)

// CountingWriter counts the bytes written through it.
type CountingWriter struct {
	N uint64
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	c.N += uint64(len(p))
	return len(p), nil
}

// HashDump returns the hash and size of the dump of p.
func HashDump(algo storepath.HashAlgo, p string) (storepath.Hash, uint64, error) {
	h, err := algo.New()
	if err != nil {
		return storepath.Hash{}, 0, err
	}
	var n CountingWriter
	if err := Dump(io.MultiWriter(h, &n), p); err != nil {
		return storepath.Hash{}, 0, err
	}
	return storepath.Hash{Algo: algo, Digest: h.Sum(nil)}, n.N, nil
}

// HashPath hashes p the way a content address with the given method does:
// the raw bytes of a regular file for Flat, the dump for Recursive.
func HashPath(method storepath.Method, algo storepath.HashAlgo, p string) (storepath.Hash, error) {
	switch method {
	case storepath.Recursive:
		h, _, err := HashDump(algo, p)
		return h, err
	case storepath.Flat, storepath.Text:
		fi, err := os.Lstat(p)
		if err != nil {
			return storepath.Hash{}, err
		}
		if !fi.Mode().IsRegular() {
			return storepath.Hash{}, fmt.Errorf("flat hashing requires '%s' to be a regular file", p)
		}
		f, err := os.Open(p)
		if err != nil {
			return storepath.Hash{}, err
		}
		defer f.Close()
		h, err := algo.New()
		if err != nil {
			return storepath.Hash{}, err
		}
		if _, err := io.Copy(h, f); err != nil {
			return storepath.Hash{}, err
		}
		return storepath.Hash{Algo: algo, Digest: h.Sum(nil)}, nil
	}
	return storepath.Hash{}, fmt.Errorf("unknown hashing method %d", method)
}
