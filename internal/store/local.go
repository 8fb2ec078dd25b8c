package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
	_ "modernc.org/sqlite"

	"storeweaver/internal/archive"
	"storeweaver/internal/derivation"
	"storeweaver/internal/storepath"
)

const schema = `
CREATE TABLE IF NOT EXISTS ValidPaths (
	id               INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	path             TEXT UNIQUE NOT NULL,
	hash             TEXT NOT NULL,
	registrationTime INTEGER NOT NULL,
	deriver          TEXT,
	narSize          INTEGER,
	ultimate         INTEGER,
	ca               TEXT
);
CREATE TABLE IF NOT EXISTS Refs (
	referrer  INTEGER NOT NULL,
	reference INTEGER NOT NULL,
	PRIMARY KEY (referrer, reference),
	FOREIGN KEY (referrer) REFERENCES ValidPaths(id) ON DELETE CASCADE,
	FOREIGN KEY (reference) REFERENCES ValidPaths(id) ON DELETE RESTRICT
);
CREATE INDEX IF NOT EXISTS IndexReferrer ON Refs(referrer);
CREATE INDEX IF NOT EXISTS IndexReference ON Refs(reference);
CREATE TABLE IF NOT EXISTS DerivationOutputs (
	drv  INTEGER NOT NULL,
	id   TEXT NOT NULL,
	path TEXT NOT NULL,
	PRIMARY KEY (drv, id),
	FOREIGN KEY (drv) REFERENCES ValidPaths(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS IndexDerivationOutputs ON DerivationOutputs(path);
`

// LocalOptions configures OpenLocal.
type LocalOptions struct {
	Dir storepath.Dir
	// RealDir defaults to Dir.
	RealDir string
	// StateDir holds the registry database under db/.
	StateDir     string
	ReadOnly     bool
	Substituters *SubstituterSet
	Log          logr.Logger
}

// LocalStore keeps objects in a directory and their registry records in
// SQLite. Registry writes are serialised by database transactions.
type LocalStore struct {
	dir      storepath.Dir
	realDir  string
	stateDir string
	readOnly bool
	subs     *SubstituterSet
	log      logr.Logger
	hasher   *derivation.Hasher

	db *sql.DB
}

// OpenLocal opens or creates the store described by opts.
func OpenLocal(ctx context.Context, opts LocalOptions) (*LocalStore, error) {
	if opts.Dir == "" {
		return nil, errors.New("store directory is required")
	}
	if opts.StateDir == "" {
		return nil, errors.New("state directory is required")
	}
	realDir := opts.RealDir
	if realDir == "" {
		realDir = string(opts.Dir)
	}
	if opts.Substituters == nil {
		opts.Substituters = NoSubstituters()
	}

	dbDir := filepath.Join(opts.StateDir, "db")
	if !opts.ReadOnly {
		for _, d := range []string{realDir, dbDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return nil, fmt.Errorf("creating '%s': %w", d, err)
			}
		}
	}

	dsn := "file:" + filepath.Join(dbDir, "db.sqlite") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_txlock=immediate"
	if opts.ReadOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store registry: %w", err)
	}
	db.SetMaxOpenConns(4)
	if !opts.ReadOnly {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating registry schema: %w", err)
		}
	}

	s := &LocalStore{
		dir:      opts.Dir,
		realDir:  realDir,
		stateDir: opts.StateDir,
		readOnly: opts.ReadOnly,
		subs:     opts.Substituters,
		log:      opts.Log,
		db:       db,
	}
	s.hasher = derivation.NewHasher(opts.Dir, s)
	return s, nil
}

// Close releases the registry.
func (s *LocalStore) Close() error { return s.db.Close() }

func (s *LocalStore) Dir() storepath.Dir { return s.dir }

func (s *LocalStore) RealDir() string { return s.realDir }

// StateDir holds the registry and the garbage collector roots.
func (s *LocalStore) StateDir() string { return s.stateDir }

func (s *LocalStore) RealPath(p storepath.StorePath) string {
	return filepath.Join(s.realDir, p.String())
}

// Hasher returns the derivation hash cache used when registering derivations.
func (s *LocalStore) Hasher() *derivation.Hasher { return s.hasher }

func (s *LocalStore) writable() error {
	if s.readOnly {
		return Errorf(ErrReadOnly, "store '%s' is read-only", s.dir)
	}
	return nil
}

func (s *LocalStore) QueryPathInfo(ctx context.Context, p storepath.StorePath) (*PathInfo, error) {
	var (
		id       int64
		hash     string
		regTime  int64
		deriver  sql.NullString
		narSize  sql.NullInt64
		ultimate sql.NullInt64
		ca       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, hash, registrationTime, deriver, narSize, ultimate, ca FROM ValidPaths WHERE path = ?`,
		s.dir.PrintPath(p)).Scan(&id, &hash, &regTime, &deriver, &narSize, &ultimate, &ca)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, InvalidPathf("path '%s' is not valid", s.dir.PrintPath(p))
	}
	if err != nil {
		return nil, fmt.Errorf("querying path info of '%s': %w", s.dir.PrintPath(p), err)
	}

	info := &PathInfo{
		Path:             p,
		RegistrationTime: time.Unix(regTime, 0),
		NarSize:          uint64(narSize.Int64),
		Ultimate:         ultimate.Int64 != 0,
	}
	if info.NarHash, err = storepath.ParseHash(hash, ""); err != nil {
		return nil, fmt.Errorf("registry entry of '%s' has a bad hash: %w", s.dir.PrintPath(p), err)
	}
	if deriver.Valid && deriver.String != "" {
		if info.Deriver, err = s.dir.ParsePath(deriver.String); err != nil {
			return nil, err
		}
	}
	if ca.Valid && ca.String != "" {
		parsed, err := storepath.ParseContentAddress(ca.String)
		if err != nil {
			return nil, err
		}
		info.CA = &parsed
	}

	info.References, err = s.queryPaths(ctx,
		`SELECT v.path FROM Refs r JOIN ValidPaths v ON r.reference = v.id WHERE r.referrer = ?`, id)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func (s *LocalStore) queryPaths(ctx context.Context, query string, args ...any) (storepath.Set, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := sets.New[storepath.StorePath]()
	for rows.Next() {
		var printed string
		if err := rows.Scan(&printed); err != nil {
			return nil, err
		}
		p, err := s.dir.ParsePath(printed)
		if err != nil {
			return nil, err
		}
		out.Insert(p)
	}
	return out, rows.Err()
}

func (s *LocalStore) IsValidPath(ctx context.Context, p storepath.StorePath) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM ValidPaths WHERE path = ?`, s.dir.PrintPath(p)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// QueryPathFromHashPart finds the valid path with the given hash part.
func (s *LocalStore) QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error) {
	prefix := string(s.dir) + "/" + hashPart
	var printed string
	err := s.db.QueryRowContext(ctx,
		`SELECT path FROM ValidPaths WHERE path >= ? ORDER BY path LIMIT 1`, prefix).Scan(&printed)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !strings.HasPrefix(printed, prefix+"-")) {
		return storepath.StorePath{}, InvalidPathf("no valid path has hash part '%s'", hashPart)
	}
	if err != nil {
		return storepath.StorePath{}, err
	}
	return s.dir.ParsePath(printed)
}

func (s *LocalStore) QueryReferrers(ctx context.Context, p storepath.StorePath) (storepath.Set, error) {
	return s.queryPaths(ctx,
		`SELECT v.path FROM Refs r JOIN ValidPaths v ON r.referrer = v.id
		 WHERE r.reference = (SELECT id FROM ValidPaths WHERE path = ?)`, s.dir.PrintPath(p))
}

func (s *LocalStore) QueryValidDerivers(ctx context.Context, p storepath.StorePath) (storepath.Set, error) {
	return s.queryPaths(ctx,
		`SELECT v.path FROM DerivationOutputs d JOIN ValidPaths v ON d.drv = v.id WHERE d.path = ?`,
		s.dir.PrintPath(p))
}

func (s *LocalStore) QueryDerivationOutputMap(ctx context.Context, drvPath storepath.StorePath) (map[string]storepath.StorePath, error) {
	valid, err := s.IsValidPath(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, InvalidPathf("path '%s' is not valid", s.dir.PrintPath(drvPath))
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.path FROM DerivationOutputs d JOIN ValidPaths v ON d.drv = v.id WHERE v.path = ?`,
		s.dir.PrintPath(drvPath))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]storepath.StorePath)
	for rows.Next() {
		var name, printed string
		if err := rows.Scan(&name, &printed); err != nil {
			return nil, err
		}
		p, err := s.dir.ParsePath(printed)
		if err != nil {
			return nil, err
		}
		out[name] = p
	}
	return out, rows.Err()
}

func (s *LocalStore) ReadDerivation(ctx context.Context, drvPath storepath.StorePath) (*derivation.Derivation, error) {
	valid, err := s.IsValidPath(ctx, drvPath)
	if err != nil {
		return nil, err
	}
	if !valid {
		return nil, InvalidPathf("derivation '%s' is not valid", s.dir.PrintPath(drvPath))
	}
	return s.readDerivationFile(drvPath)
}

func (s *LocalStore) readDerivationFile(drvPath storepath.StorePath) (*derivation.Derivation, error) {
	text, err := os.ReadFile(s.RealPath(drvPath))
	if err != nil {
		return nil, fmt.Errorf("reading derivation '%s': %w", s.dir.PrintPath(drvPath), err)
	}
	return derivation.Parse(s.dir, drvPath.DerivationName(), string(text))
}

func (s *LocalStore) WriteDerivation(ctx context.Context, d *derivation.Derivation) (storepath.StorePath, error) {
	p, info, dump, err := derivationObject(s.dir, d)
	if err != nil {
		return storepath.StorePath{}, err
	}
	valid, err := s.IsValidPath(ctx, p)
	if err != nil || valid {
		return p, err
	}
	return p, s.AddToStoreFromDump(ctx, *info, bytes.NewReader(dump))
}

func (s *LocalStore) AddToStore(ctx context.Context, name, src string, method storepath.Method, algo storepath.HashAlgo, refs storepath.Set) (*PathInfo, error) {
	if err := s.writable(); err != nil {
		return nil, err
	}
	info, err := contentAddressedInfo(s.dir, name, src, method, algo, refs)
	if err != nil {
		return nil, err
	}
	if valid, err := s.IsValidPath(ctx, info.Path); err != nil || valid {
		if err != nil {
			return nil, err
		}
		return s.QueryPathInfo(ctx, info.Path)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(archive.Dump(pw, src))
	}()
	if err := s.AddToStoreFromDump(ctx, *info, pr); err != nil {
		_ = pr.CloseWithError(err)
		return nil, err
	}
	return info, nil
}

// AddToStoreFromDump materialises dump in a temporary directory next to the
// final location, verifies its hash and renames it into place before
// registering it, so a crash never leaves a partial object at a store path.
func (s *LocalStore) AddToStoreFromDump(ctx context.Context, info PathInfo, dump io.Reader) error {
	if err := s.writable(); err != nil {
		return err
	}
	locks, ok, err := s.LockPaths(ctx, []storepath.StorePath{info.Path})
	if err != nil {
		return err
	}
	for !ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
		if locks, ok, err = s.LockPaths(ctx, []storepath.StorePath{info.Path}); err != nil {
			return err
		}
	}
	defer locks.Unlock()

	tmpDir, err := os.MkdirTemp(s.realDir, ".tmp-add-")
	if err != nil {
		return fmt.Errorf("creating temporary directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	tmp := filepath.Join(tmpDir, "object")

	algo := info.NarHash.Algo
	if algo == "" {
		algo = storepath.SHA256
	}
	h, err := algo.New()
	if err != nil {
		return err
	}
	var n archive.CountingWriter
	tee := io.TeeReader(dump, io.MultiWriter(h, &n))
	if err := archive.Restore(tee, tmp); err != nil {
		return fmt.Errorf("unpacking '%s': %w", s.dir.PrintPath(info.Path), err)
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return err
	}
	got := storepath.Hash{Algo: algo, Digest: h.Sum(nil)}
	if info.NarHash.IsZero() {
		info.NarHash, info.NarSize = got, n.N
	} else if !got.Equal(info.NarHash) {
		return Errorf(ErrSubst, "hash mismatch importing path '%s';\n  specified: %s\n  got:       %s",
			s.dir.PrintPath(info.Path), info.NarHash, got)
	}

	final := s.RealPath(info.Path)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("removing stale '%s': %w", final, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("moving '%s' into place: %w", final, err)
	}
	if info.References == nil {
		info.References = sets.New[storepath.StorePath]()
	}
	locks.SetDeletion(true)
	return s.RegisterValidPaths(ctx, []PathInfo{info})
}

// RegisterValidPaths records infos in one transaction. References must be
// valid already or registered in the same batch. Derivations get their
// output map recorded after their invariants are checked. Registering an
// already valid path updates its record.
func (s *LocalStore) RegisterValidPaths(ctx context.Context, infos []PathInfo) error {
	if err := s.writable(); err != nil {
		return err
	}

	drvOutputs := make(map[storepath.StorePath]map[string]storepath.StorePath)
	for _, info := range infos {
		if !info.Path.IsDerivation() {
			continue
		}
		d, err := s.readDerivationFile(info.Path)
		if err != nil {
			return err
		}
		if err := s.hasher.CheckInvariants(ctx, info.Path, d); err != nil {
			return err
		}
		outputs, err := d.OutputsAndPaths(s.dir)
		if err != nil {
			return err
		}
		drvOutputs[info.Path] = outputs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := make(map[storepath.StorePath]int64, len(infos))
	for _, info := range infos {
		var deriver, ca sql.NullString
		if !info.Deriver.IsZero() {
			deriver = sql.NullString{String: s.dir.PrintPath(info.Deriver), Valid: true}
		}
		if info.CA != nil {
			ca = sql.NullString{String: info.CA.String(), Valid: true}
		}
		regTime := info.RegistrationTime
		if regTime.IsZero() {
			regTime = time.Now()
		}
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO ValidPaths (path, hash, registrationTime, deriver, narSize, ultimate, ca)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, narSize = excluded.narSize,
			   deriver = COALESCE(excluded.deriver, deriver), ultimate = excluded.ultimate, ca = excluded.ca
			 RETURNING id`,
			s.dir.PrintPath(info.Path), string(info.NarHash.Algo)+":"+info.NarHash.Hex(), regTime.Unix(),
			deriver, int64(info.NarSize), boolInt(info.Ultimate), ca).Scan(&id)
		if err != nil {
			return fmt.Errorf("registering '%s': %w", s.dir.PrintPath(info.Path), err)
		}
		ids[info.Path] = id
	}

	for _, info := range infos {
		for r := range info.References {
			refID, ok := ids[r]
			if !ok {
				err := tx.QueryRowContext(ctx, `SELECT id FROM ValidPaths WHERE path = ?`, s.dir.PrintPath(r)).Scan(&refID)
				if errors.Is(err, sql.ErrNoRows) {
					return InvalidPathf("cannot register path '%s' because it references path '%s' which is not valid",
						s.dir.PrintPath(info.Path), s.dir.PrintPath(r))
				}
				if err != nil {
					return err
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO Refs (referrer, reference) VALUES (?, ?)`, ids[info.Path], refID); err != nil {
				return err
			}
		}
	}

	for drvPath, outputs := range drvOutputs {
		for name, out := range outputs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO DerivationOutputs (drv, id, path) VALUES (?, ?, ?)`,
				ids[drvPath], name, s.dir.PrintPath(out)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *LocalStore) VerifyPath(ctx context.Context, p storepath.StorePath) (bool, error) {
	info, err := s.QueryPathInfo(ctx, p)
	if err != nil {
		return false, err
	}
	got, _, err := archive.HashDump(info.NarHash.Algo, s.RealPath(p))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got.Equal(info.NarHash), nil
}

// LockPaths takes the build locks of paths without blocking.
func (s *LocalStore) LockPaths(_ context.Context, paths []storepath.StorePath) (*PathLocks, bool, error) {
	realPaths := make([]string, len(paths))
	for i, p := range paths {
		realPaths[i] = s.RealPath(p)
	}
	return TryLockPaths(realPaths)
}

// DeletePath removes p from disk and, if it is valid, from the registry.
// Valid paths that are still referenced by other valid paths are kept.
func (s *LocalStore) DeletePath(ctx context.Context, p storepath.StorePath) error {
	if err := s.writable(); err != nil {
		return err
	}
	referrers, err := s.QueryReferrers(ctx, p)
	if err != nil {
		return err
	}
	delete(referrers, p)
	if len(referrers) > 0 {
		return fmt.Errorf("cannot delete path '%s' since it is still referenced by '%s'",
			s.dir.PrintPath(p), s.dir.PrintPath(storepath.SortedList(referrers)[0]))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ValidPaths WHERE path = ?`, s.dir.PrintPath(p)); err != nil {
		return err
	}
	return RemoveTree(s.RealPath(p))
}

// RemoveTree deletes a tree whose directories may have been made read-only
// by a builder.
func RemoveTree(p string) error {
	_ = filepath.WalkDir(p, func(q string, d os.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(q, 0o755)
		}
		return nil
	})
	return os.RemoveAll(p)
}

func (s *LocalStore) NarFromPath(ctx context.Context, p storepath.StorePath, w io.Writer) error {
	valid, err := s.IsValidPath(ctx, p)
	if err != nil {
		return err
	}
	if !valid {
		return InvalidPathf("path '%s' is not valid", s.dir.PrintPath(p))
	}
	return archive.Dump(w, s.RealPath(p))
}

func (s *LocalStore) QuerySubstitutablePathInfos(ctx context.Context, paths map[storepath.StorePath]*storepath.ContentAddress) (map[storepath.StorePath]SubstitutablePathInfo, error) {
	return s.subs.Query(ctx, s.dir, paths)
}

func (s *LocalStore) Substituters() []Substituter { return s.subs.List() }

var _ LocalFSStore = (*LocalStore)(nil)
