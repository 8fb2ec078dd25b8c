package storepath

import "fmt"

// Base32Alphabet is the nix-base32 alphabet. It omits e, o, u and t.
const Base32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var base32Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(Base32Alphabet); i++ {
		idx[Base32Alphabet[i]] = int8(i)
	}
	return idx
}()

// Base32Len returns the encoded length of n raw bytes.
func Base32Len(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8-1)/5 + 1
}

// Base32Encode encodes b in nix-base32.
//
// The most significant 5-bit group is emitted first, so the bit order differs
// from RFC 4648 base32.
func Base32Encode(b []byte) string {
	n := Base32Len(len(b))
	out := make([]byte, 0, n)
	for i := n - 1; i >= 0; i-- {
		bit := i * 5
		j := bit / 8
		k := uint(bit % 8)
		c := b[j] >> k
		if j+1 < len(b) {
			c |= b[j+1] << (8 - k)
		}
		out = append(out, Base32Alphabet[c&0x1f])
	}
	return string(out)
}

// Base32Decode decodes a nix-base32 string into size bytes.
func Base32Decode(s string, size int) ([]byte, error) {
	if len(s) != Base32Len(size) {
		return nil, fmt.Errorf("invalid base-32 length %d for %d bytes", len(s), size)
	}
	out := make([]byte, size)
	for n := 0; n < len(s); n++ {
		c := s[len(s)-n-1]
		digit := base32Index[c]
		if digit < 0 {
			return nil, fmt.Errorf("invalid base-32 character %q", c)
		}
		bit := n * 5
		i := bit / 8
		j := uint(bit % 8)
		out[i] |= byte(digit) << j
		carry := byte(digit) >> (8 - j)
		if i+1 < size {
			out[i+1] |= carry
		} else if carry != 0 {
			return nil, fmt.Errorf("invalid base-32 string %q", s)
		}
	}
	return out, nil
}

// IsBase32 reports whether every character of s is in the nix-base32 alphabet.
func IsBase32(s string) bool {
	for i := 0; i < len(s); i++ {
		if base32Index[s[i]] < 0 {
			return false
		}
	}
	return true
}
