package substituter

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

var errNotFound = errors.New("not found")

// fetcher reads files relative to the root of a cache.
type fetcher interface {
	get(ctx context.Context, name string) (io.ReadCloser, error)
}

type httpFetcher struct {
	base   *url.URL
	client *http.Client
}

func (f *httpFetcher) get(ctx context.Context, name string) (io.ReadCloser, error) {
	u := f.base.JoinPath(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, errNotFound
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", u, resp.Status)
	}
}

type fileFetcher struct {
	root string
}

func (f *fileFetcher) get(_ context.Context, name string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(f.root, filepath.FromSlash(name)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errNotFound
	}
	return file, err
}

// Options configures a BinaryCache.
type Options struct {
	// Dir is the store directory assumed when the cache does not publish
	// nix-cache-info.
	Dir      storepath.Dir
	Priority int
	Trusted  bool

	Client *http.Client
	// Info caches narinfo lookups; nil disables caching.
	Info        InfoCache
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	Log         logr.Logger
}

// BinaryCache is a store.Substituter reading an http(s):// or file://
// binary cache.
type BinaryCache struct {
	uri   string
	fetch fetcher
	ci    CacheInfo
	opts  Options

	lookups singleflight.Group
}

// Open connects to the cache at uri and reads its nix-cache-info, when
// present, for the store directory and priority.
func Open(ctx context.Context, uri string, opts Options) (*BinaryCache, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing substituter '%s': %w", uri, err)
	}
	var f fetcher
	switch u.Scheme {
	case "http", "https":
		client := opts.Client
		if client == nil {
			client = &http.Client{Timeout: 5 * time.Minute}
		}
		f = &httpFetcher{base: u, client: client}
	case "file":
		f = &fileFetcher{root: u.Path}
	default:
		return nil, fmt.Errorf("%w: substituter scheme '%s'", store.ErrUnsupported, u.Scheme)
	}
	if opts.Dir == "" {
		opts.Dir = storepath.DefaultDir
	}
	c := &BinaryCache{
		uri:   strings.TrimSuffix(uri, "/"),
		fetch: f,
		opts:  opts,
		ci:    CacheInfo{StoreDir: opts.Dir, Priority: opts.Priority},
	}

	text, err := c.read(ctx, "nix-cache-info")
	switch {
	case errors.Is(err, errNotFound):
	case err != nil:
		return nil, store.Errorf(store.ErrSubstituterDisabled, "substituter '%s' is unreachable: %v", c.uri, err)
	default:
		if c.ci, err = ParseCacheInfo(text, c.ci); err != nil {
			return nil, err
		}
		if opts.Priority != 0 {
			c.ci.Priority = opts.Priority
		}
	}
	return c, nil
}

func (c *BinaryCache) read(ctx context.Context, name string) (string, error) {
	rc, err := c.fetch.get(ctx, name)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	return string(b), err
}

func (c *BinaryCache) URI() string          { return c.uri }
func (c *BinaryCache) Dir() storepath.Dir   { return c.ci.StoreDir }
func (c *BinaryCache) Priority() int        { return c.ci.Priority }
func (c *BinaryCache) Trusted() bool        { return c.opts.Trusted }
func (c *BinaryCache) CacheInfo() CacheInfo { return c.ci }

// QueryNarInfo fetches the narinfo for p, consulting the lookup cache first.
// Concurrent lookups of one path share a request.
func (c *BinaryCache) QueryNarInfo(ctx context.Context, p storepath.StorePath) (*NarInfo, error) {
	key := c.uri + "/" + p.HashPart()
	v, err, _ := c.lookups.Do(key, func() (any, error) {
		if c.opts.Info != nil {
			text, hit, err := c.opts.Info.Get(ctx, key)
			if err != nil {
				c.opts.Log.V(1).Info("narinfo cache lookup failed", "key", key, "error", err.Error())
			} else if hit {
				return text, nil
			}
		}
		text, err := c.read(ctx, p.HashPart()+".narinfo")
		ttl := c.opts.PositiveTTL
		if errors.Is(err, errNotFound) {
			text, err, ttl = "", nil, c.opts.NegativeTTL
		}
		if err != nil {
			return nil, err
		}
		if c.opts.Info != nil {
			if perr := c.opts.Info.Put(ctx, key, text, ttl); perr != nil {
				c.opts.Log.V(1).Info("narinfo cache store failed", "key", key, "error", perr.Error())
			}
		}
		return text, nil
	})
	if err != nil {
		return nil, store.Errorf(store.ErrSubst, "querying '%s' on '%s': %v", c.ci.StoreDir.PrintPath(p), c.uri, err)
	}
	text := v.(string)
	if text == "" {
		return nil, store.InvalidPathf("path '%s' is not available from '%s'", c.ci.StoreDir.PrintPath(p), c.uri)
	}
	info, err := ParseNarInfo(c.ci.StoreDir, text)
	if err != nil {
		return nil, store.Errorf(store.ErrSubst, "narinfo for '%s' on '%s': %v", c.ci.StoreDir.PrintPath(p), c.uri, err)
	}
	if info.StorePath != p {
		return nil, store.Errorf(store.ErrSubst, "narinfo on '%s' describes '%s' instead of '%s'",
			c.uri, info.StorePath, p)
	}
	return info, nil
}

func (c *BinaryCache) QueryPathInfo(ctx context.Context, p storepath.StorePath) (*store.PathInfo, error) {
	info, err := c.QueryNarInfo(ctx, p)
	if err != nil {
		return nil, err
	}
	return info.PathInfo(), nil
}

// NarFromPath streams the uncompressed dump of p.
func (c *BinaryCache) NarFromPath(ctx context.Context, p storepath.StorePath, w io.Writer) error {
	info, err := c.QueryNarInfo(ctx, p)
	if err != nil {
		return err
	}
	rc, err := c.fetch.get(ctx, info.URL)
	if errors.Is(err, errNotFound) {
		return store.Errorf(store.ErrSubstituteGone, "archive '%s' of '%s' is gone from '%s'",
			info.URL, c.ci.StoreDir.PrintPath(p), c.uri)
	}
	if err != nil {
		return store.Errorf(store.ErrSubst, "downloading '%s' from '%s': %v", info.URL, c.uri, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	switch info.Compression {
	case CompressionNone, "":
	case CompressionGzip:
		gz, err := gzip.NewReader(rc)
		if err != nil {
			return store.Errorf(store.ErrSubst, "decompressing '%s': %v", info.URL, err)
		}
		defer gz.Close()
		r = gz
	default:
		return fmt.Errorf("%w: compression '%s' of '%s'", store.ErrUnsupported, info.Compression, info.URL)
	}
	if _, err := io.Copy(w, r); err != nil {
		return store.Errorf(store.ErrSubst, "downloading '%s' from '%s': %v", info.URL, c.uri, err)
	}
	return nil
}

var _ store.Substituter = (*BinaryCache)(nil)
