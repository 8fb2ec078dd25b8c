package substituter

import (
	"context"
	"io"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// StoreSubstituter offers the objects of another store, typically a local
// store on a different directory or an in-memory store in tests.
type StoreSubstituter struct {
	src      Exporter
	uri      string
	priority int
	trusted  bool
}

func FromStore(src Exporter, uri string, priority int, trusted bool) *StoreSubstituter {
	return &StoreSubstituter{src: src, uri: uri, priority: priority, trusted: trusted}
}

func (s *StoreSubstituter) URI() string        { return s.uri }
func (s *StoreSubstituter) Dir() storepath.Dir { return s.src.Dir() }
func (s *StoreSubstituter) Priority() int      { return s.priority }
func (s *StoreSubstituter) Trusted() bool      { return s.trusted }

func (s *StoreSubstituter) QueryPathInfo(ctx context.Context, p storepath.StorePath) (*store.PathInfo, error) {
	return s.src.QueryPathInfo(ctx, p)
}

func (s *StoreSubstituter) NarFromPath(ctx context.Context, p storepath.StorePath, w io.Writer) error {
	err := s.src.NarFromPath(ctx, p, w)
	if store.IsInvalidPath(err) {
		return store.Errorf(store.ErrSubstituteGone, "path '%s' disappeared from '%s'", s.Dir().PrintPath(p), s.uri)
	}
	return err
}

var _ store.Substituter = (*StoreSubstituter)(nil)
