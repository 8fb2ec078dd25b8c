package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/archive"
	"storeweaver/internal/derivation"
	"storeweaver/internal/storepath"
)

// MemoryStore keeps objects and their registry records in memory. It cannot
// host local builds; it backs planning, closure queries and tests.
type MemoryStore struct {
	dir  storepath.Dir
	subs *SubstituterSet

	mu    sync.RWMutex
	infos map[storepath.StorePath]*PathInfo
	dumps map[storepath.StorePath][]byte
}

// NewMemoryStore returns an empty store for dir consulting subs.
func NewMemoryStore(dir storepath.Dir, subs *SubstituterSet) *MemoryStore {
	return &MemoryStore{
		dir:   dir,
		subs:  subs,
		infos: make(map[storepath.StorePath]*PathInfo),
		dumps: make(map[storepath.StorePath][]byte),
	}
}

func (s *MemoryStore) Dir() storepath.Dir { return s.dir }

func (s *MemoryStore) QueryPathInfo(_ context.Context, p storepath.StorePath) (*PathInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[p]
	if !ok {
		return nil, InvalidPathf("path '%s' is not valid", s.dir.PrintPath(p))
	}
	return clonePathInfo(info), nil
}

func (s *MemoryStore) IsValidPath(_ context.Context, p storepath.StorePath) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.infos[p]
	return ok, nil
}

func (s *MemoryStore) QueryReferrers(_ context.Context, p storepath.StorePath) (storepath.Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sets.New[storepath.StorePath]()
	for q, info := range s.infos {
		if info.References.Has(p) {
			out.Insert(q)
		}
	}
	return out, nil
}

// QueryPathFromHashPart finds the valid path with the given hash part.
func (s *MemoryStore) QueryPathFromHashPart(_ context.Context, hashPart string) (storepath.StorePath, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.infos {
		if p.HashPart() == hashPart {
			return p, nil
		}
	}
	return storepath.StorePath{}, InvalidPathf("no valid path has hash part '%s'", hashPart)
}

func (s *MemoryStore) QueryValidDerivers(ctx context.Context, p storepath.StorePath) (storepath.Set, error) {
	s.mu.RLock()
	var drvs []storepath.StorePath
	for q := range s.infos {
		if q.IsDerivation() {
			drvs = append(drvs, q)
		}
	}
	s.mu.RUnlock()

	out := sets.New[storepath.StorePath]()
	for _, drvPath := range drvs {
		outputs, err := s.QueryDerivationOutputMap(ctx, drvPath)
		if err != nil {
			return nil, err
		}
		for _, o := range outputs {
			if o == p {
				out.Insert(drvPath)
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) QueryDerivationOutputMap(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.StorePath, error) {
	d, err := s.ReadDerivation(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	return d.OutputsAndPaths(s.dir)
}

func (s *MemoryStore) ReadDerivation(_ context.Context, drvPath storepath.StorePath) (*derivation.Derivation, error) {
	s.mu.RLock()
	dump, ok := s.dumps[drvPath]
	s.mu.RUnlock()
	if !ok {
		return nil, InvalidPathf("derivation '%s' is not valid", s.dir.PrintPath(drvPath))
	}
	text, err := archive.ReadSingleFile(bytes.NewReader(dump))
	if err != nil {
		return nil, err
	}
	return derivation.Parse(s.dir, drvPath.DerivationName(), string(text))
}

func (s *MemoryStore) WriteDerivation(ctx context.Context, d *derivation.Derivation) (storepath.StorePath, error) {
	p, info, dump, err := derivationObject(s.dir, d)
	if err != nil {
		return storepath.StorePath{}, err
	}
	return p, s.AddToStoreFromDump(ctx, *info, bytes.NewReader(dump))
}

// derivationObject renders d as a text object ready to be imported.
func derivationObject(dir storepath.Dir, d *derivation.Derivation) (storepath.StorePath, *PathInfo, []byte, error) {
	text, err := derivation.Unparse(dir, d, false, nil)
	if err != nil {
		return storepath.StorePath{}, nil, nil, err
	}
	contentHash := storepath.HashString(storepath.SHA256, text)
	refs := d.References()
	p, err := dir.MakeTextPath(d.Name+storepath.DrvExtension, contentHash, refs)
	if err != nil {
		return storepath.StorePath{}, nil, nil, err
	}
	var buf bytes.Buffer
	if err := archive.DumpBytes(&buf, []byte(text), false); err != nil {
		return storepath.StorePath{}, nil, nil, err
	}
	info := &PathInfo{
		Path:       p,
		NarHash:    storepath.HashBytes(storepath.SHA256, buf.Bytes()),
		NarSize:    uint64(buf.Len()),
		References: refs,
		CA:         &storepath.ContentAddress{Method: storepath.Text, Hash: contentHash},
		Ultimate:   true,
	}
	return p, info, buf.Bytes(), nil
}

func (s *MemoryStore) AddToStore(_ context.Context, name, src string, method storepath.Method, algo storepath.HashAlgo, refs storepath.Set) (*PathInfo, error) {
	info, err := contentAddressedInfo(s.dir, name, src, method, algo, refs)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := archive.Dump(&buf, src); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.infos[info.Path]; ok {
		return clonePathInfo(existing), nil
	}
	s.infos[info.Path] = info
	s.dumps[info.Path] = buf.Bytes()
	return clonePathInfo(info), nil
}

// contentAddressedInfo hashes src and computes the path it is imported at.
func contentAddressedInfo(dir storepath.Dir, name, src string, method storepath.Method, algo storepath.HashAlgo, refs storepath.Set) (*PathInfo, error) {
	if method == storepath.Text {
		if _, err := os.Stat(src); err != nil {
			return nil, err
		}
		algo = storepath.SHA256
	}
	contentHash, err := archive.HashPath(method, algo, src)
	if err != nil {
		return nil, err
	}
	ca := storepath.ContentAddress{Method: method, Hash: contentHash}
	p, err := dir.MakePathFromCA(name, ca, refs, false)
	if err != nil {
		return nil, err
	}
	narHash, narSize, err := archive.HashDump(storepath.SHA256, src)
	if err != nil {
		return nil, err
	}
	if refs == nil {
		refs = sets.New[storepath.StorePath]()
	}
	return &PathInfo{
		Path:             p,
		NarHash:          narHash,
		NarSize:          narSize,
		References:       refs,
		RegistrationTime: time.Now(),
		CA:               &ca,
		Ultimate:         true,
	}, nil
}

func (s *MemoryStore) AddToStoreFromDump(_ context.Context, info PathInfo, dump io.Reader) error {
	data, err := io.ReadAll(dump)
	if err != nil {
		return err
	}
	if err := checkNarHash(s.dir, &info, data); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := clonePathInfo(&info)
	if stored.RegistrationTime.IsZero() {
		stored.RegistrationTime = time.Now()
	}
	s.infos[info.Path] = stored
	s.dumps[info.Path] = data
	return nil
}

func checkNarHash(dir storepath.Dir, info *PathInfo, data []byte) error {
	if info.NarHash.IsZero() {
		return nil
	}
	got := storepath.HashBytes(info.NarHash.Algo, data)
	if !got.Equal(info.NarHash) {
		return Errorf(ErrSubst, "hash mismatch importing path '%s';\n  specified: %s\n  got:       %s",
			dir.PrintPath(info.Path), info.NarHash, got)
	}
	if info.NarSize != 0 && info.NarSize != uint64(len(data)) {
		return Errorf(ErrSubst, "size mismatch importing path '%s': specified %d, got %d",
			dir.PrintPath(info.Path), info.NarSize, len(data))
	}
	return nil
}

func (s *MemoryStore) RegisterValidPaths(_ context.Context, infos []PathInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := sets.New[storepath.StorePath]()
	for _, info := range infos {
		batch.Insert(info.Path)
	}
	for _, info := range infos {
		for r := range info.References {
			if _, ok := s.infos[r]; !ok && !batch.Has(r) {
				return InvalidPathf("cannot register path '%s' because it references path '%s' which is not valid",
					s.dir.PrintPath(info.Path), s.dir.PrintPath(r))
			}
		}
	}
	for i := range infos {
		stored := clonePathInfo(&infos[i])
		if stored.RegistrationTime.IsZero() {
			stored.RegistrationTime = time.Now()
		}
		s.infos[stored.Path] = stored
	}
	return nil
}

func (s *MemoryStore) VerifyPath(_ context.Context, p storepath.StorePath) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.infos[p]
	if !ok {
		return false, InvalidPathf("path '%s' is not valid", s.dir.PrintPath(p))
	}
	dump, ok := s.dumps[p]
	if !ok || info.NarHash.IsZero() {
		return ok, nil
	}
	return storepath.HashBytes(info.NarHash.Algo, dump).Equal(info.NarHash), nil
}

// Corrupt replaces the stored contents of p, as disk damage would.
func (s *MemoryStore) Corrupt(p storepath.StorePath) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumps[p] = []byte("corrupt")
}

// NarFromPath streams the stored dump of p.
func (s *MemoryStore) NarFromPath(_ context.Context, p storepath.StorePath, w io.Writer) error {
	s.mu.RLock()
	dump, ok := s.dumps[p]
	s.mu.RUnlock()
	if !ok {
		return InvalidPathf("path '%s' is not valid", s.dir.PrintPath(p))
	}
	_, err := w.Write(dump)
	return err
}

// PutDump stores contents for p and registers info, with the NarHash and
// NarSize filled in from the dump.
func (s *MemoryStore) PutDump(ctx context.Context, info PathInfo, dump []byte) error {
	info.NarHash = storepath.HashBytes(storepath.SHA256, dump)
	info.NarSize = uint64(len(dump))
	return s.AddToStoreFromDump(ctx, info, bytes.NewReader(dump))
}

func (s *MemoryStore) QuerySubstitutablePathInfos(ctx context.Context, paths map[storepath.StorePath]*storepath.ContentAddress) (map[storepath.StorePath]SubstitutablePathInfo, error) {
	return s.subs.Query(ctx, s.dir, paths)
}

func (s *MemoryStore) Substituters() []Substituter { return s.subs.List() }

func clonePathInfo(info *PathInfo) *PathInfo {
	c := *info
	c.References = info.References.Clone()
	if info.CA != nil {
		ca := *info.CA
		c.CA = &ca
	}
	return &c
}

// NoSubstituters is an empty substituter set.
func NoSubstituters() *SubstituterSet {
	return NewSubstituterSet(nil, false, logr.Discard())
}

var _ Store = (*MemoryStore)(nil)
