package storepath

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// HashAlgo names a supported digest algorithm.
type HashAlgo string

const (
	MD5    HashAlgo = "md5"
	SHA1   HashAlgo = "sha1"
	SHA256 HashAlgo = "sha256"
	SHA512 HashAlgo = "sha512"
)

// ErrBadHash is returned for hashes that cannot be parsed.
var ErrBadHash = errors.New("bad hash")

// Size returns the digest size in bytes, or 0 for unknown algorithms.
func (a HashAlgo) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	}
	return 0
}

// New returns a streaming hasher for the algorithm.
func (a HashAlgo) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("%w: unknown hash algorithm '%s'", ErrBadHash, a)
}

// ParseHashAlgo validates an algorithm name.
func ParseHashAlgo(s string) (HashAlgo, error) {
	a := HashAlgo(s)
	if a.Size() == 0 {
		return "", fmt.Errorf("%w: unknown hash algorithm '%s'", ErrBadHash, s)
	}
	return a, nil
}

// Hash is a digest tagged with its algorithm.
type Hash struct {
	Algo   HashAlgo
	Digest []byte
}

// HashBytes hashes b with algo.
func HashBytes(algo HashAlgo, b []byte) Hash {
	h, err := algo.New()
	if err != nil {
		panic(err)
	}
	h.Write(b)
	return Hash{Algo: algo, Digest: h.Sum(nil)}
}

// HashString hashes s with algo.
func HashString(algo HashAlgo, s string) Hash {
	return HashBytes(algo, []byte(s))
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return len(h.Digest) == 0 }

// Equal compares algorithm and digest.
func (h Hash) Equal(o Hash) bool {
	return h.Algo == o.Algo && string(h.Digest) == string(o.Digest)
}

// Hex returns the base16 digest without an algorithm prefix.
func (h Hash) Hex() string { return hex.EncodeToString(h.Digest) }

// Base32 returns the nix-base32 digest without an algorithm prefix.
func (h Hash) Base32() string { return Base32Encode(h.Digest) }

// SRI returns the `algo-base64` form.
func (h Hash) SRI() string {
	return string(h.Algo) + "-" + base64.StdEncoding.EncodeToString(h.Digest)
}

// String returns `algo:base32`, the form used in narinfo files and content addresses.
func (h Hash) String() string {
	return string(h.Algo) + ":" + h.Base32()
}

// Compress XOR-folds the digest into size bytes.
func Compress(digest []byte, size int) []byte {
	out := make([]byte, size)
	for i, b := range digest {
		out[i%size] ^= b
	}
	return out
}

// ParseHash parses `algo:digest`, `algo-base64` (SRI), or a bare digest when
// algo is given. The digest may be base16, nix-base32 or base64.
func ParseHash(s string, algo HashAlgo) (Hash, error) {
	rest := s
	if i := strings.IndexByte(s, ':'); i >= 0 {
		a, err := ParseHashAlgo(s[:i])
		if err != nil {
			return Hash{}, err
		}
		if algo != "" && a != algo {
			return Hash{}, fmt.Errorf("%w: hash '%s' should have type '%s'", ErrBadHash, s, algo)
		}
		algo, rest = a, s[i+1:]
	} else if i := strings.IndexByte(s, '-'); i >= 0 {
		a, err := ParseHashAlgo(s[:i])
		if err != nil {
			return Hash{}, err
		}
		digest, err := base64.StdEncoding.DecodeString(s[i+1:])
		if err != nil || len(digest) != a.Size() {
			return Hash{}, fmt.Errorf("%w: invalid SRI hash '%s'", ErrBadHash, s)
		}
		return Hash{Algo: a, Digest: digest}, nil
	}
	if algo == "" {
		return Hash{}, fmt.Errorf("%w: hash '%s' does not include a type", ErrBadHash, s)
	}
	size := algo.Size()
	switch len(rest) {
	case size * 2:
		digest, err := hex.DecodeString(rest)
		if err != nil {
			return Hash{}, fmt.Errorf("%w: invalid base-16 hash '%s'", ErrBadHash, s)
		}
		return Hash{Algo: algo, Digest: digest}, nil
	case Base32Len(size):
		digest, err := Base32Decode(rest, size)
		if err != nil {
			return Hash{}, fmt.Errorf("%w: %v", ErrBadHash, err)
		}
		return Hash{Algo: algo, Digest: digest}, nil
	case base64.StdEncoding.EncodedLen(size):
		digest, err := base64.StdEncoding.DecodeString(rest)
		if err != nil || len(digest) != size {
			return Hash{}, fmt.Errorf("%w: invalid base-64 hash '%s'", ErrBadHash, s)
		}
		return Hash{Algo: algo, Digest: digest}, nil
	}
	return Hash{}, fmt.Errorf("%w: hash '%s' has wrong length for hash type '%s'", ErrBadHash, s, algo)
}
