package archive

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

// RefScanner is an io.Writer that looks for the hash parts of candidate
// store paths in the bytes written to it. Matches may straddle writes.
type RefScanner struct {
	candidates map[string]storepath.StorePath
	found      storepath.Set
	tail       []byte
}

// NewRefScanner scans for the hash parts of candidates.
func NewRefScanner(candidates storepath.Set) *RefScanner {
	m := make(map[string]storepath.StorePath, len(candidates))
	for p := range candidates {
		m[p.HashPart()] = p
	}
	return &RefScanner{candidates: m, found: sets.New[storepath.StorePath]()}
}

func (s *RefScanner) Write(p []byte) (int, error) {
	buf := append(s.tail, p...)
	s.search(buf)

	keep := storepath.HashPartLen - 1
	if len(buf) < keep {
		keep = len(buf)
	}
	s.tail = append(s.tail[:0:0], buf[len(buf)-keep:]...)
	return len(p), nil
}

func (s *RefScanner) search(buf []byte) {
	const n = storepath.HashPartLen
	for i := 0; i+n <= len(buf); {
		j := n - 1
		for ; j >= 0; j-- {
			if !isBase32Char(buf[i+j]) {
				break
			}
		}
		if j >= 0 {
			i += j + 1
			continue
		}
		if p, ok := s.candidates[string(buf[i:i+n])]; ok {
			s.found.Insert(p)
		}
		i++
	}
}

// Found returns the candidates seen so far.
func (s *RefScanner) Found() storepath.Set { return s.found }

func isBase32Char(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' && c != 'e' && c != 'o' && c != 'u' && c != 't'
}
