package substituter

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

// Source is a store a Server publishes.
type Source interface {
	Exporter
	QueryPathFromHashPart(ctx context.Context, hashPart string) (storepath.StorePath, error)
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr     string
	Priority int
	// Gatherer is served on /metrics when set.
	Gatherer prometheus.Gatherer
	// Registerer receives the server's request counter when set.
	Registerer prometheus.Registerer
	Log        logr.Logger
}

// Server exposes a store as an http binary cache.
type Server struct {
	cfg      ServerConfig
	src      Source
	r        *gin.Engine
	requests *prometheus.CounterVec
}

func NewServer(cfg ServerConfig, src Source) *Server {
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg: cfg,
		src: src,
		r:   r,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storeweaver_cache_requests_total",
			Help: "Binary cache requests by kind and status code",
		}, []string{"kind", "code"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(s.requests)
	}
	s.routes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.r }

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: s.r, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.cfg.Log.Info("serving binary cache", "addr", addr, "storeDir", string(s.src.Dir()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) routes() {
	s.r.Use(s.observe)

	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.r.GET("/nix-cache-info", func(c *gin.Context) {
		ci := CacheInfo{StoreDir: s.src.Dir(), WantMassQuery: true, Priority: s.cfg.Priority}
		c.Data(http.StatusOK, "text/x-nix-cache-info", []byte(ci.Format()))
	})
	s.r.GET("/nar/:file", s.handleNar)
	s.r.GET("/:file", s.handleNarInfo)
	if s.cfg.Gatherer != nil {
		s.r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
	}
}

func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()
	kind := "other"
	switch {
	case c.FullPath() == "/nar/:file":
		kind = "nar"
	case strings.HasSuffix(c.Request.URL.Path, ".narinfo"):
		kind = "narinfo"
	}
	s.requests.WithLabelValues(kind, strconv.Itoa(c.Writer.Status())).Inc()
	s.cfg.Log.V(1).Info("request", "path", c.Request.URL.Path, "status", c.Writer.Status(),
		"duration", time.Since(start).String())
}

// resolve maps `<hashPart><ext>` to a valid path.
func (s *Server) resolve(c *gin.Context, file, ext string) (storepath.StorePath, bool) {
	hashPart, ok := strings.CutSuffix(file, ext)
	if !ok || len(hashPart) != storepath.HashPartLen || !storepath.IsBase32(hashPart) {
		c.String(http.StatusNotFound, "not found\n")
		return storepath.StorePath{}, false
	}
	p, err := s.src.QueryPathFromHashPart(c.Request.Context(), hashPart)
	if err != nil {
		s.writeError(c, err)
		return storepath.StorePath{}, false
	}
	return p, true
}

func (s *Server) handleNarInfo(c *gin.Context) {
	p, ok := s.resolve(c, c.Param("file"), ".narinfo")
	if !ok {
		return
	}
	info, err := s.src.QueryPathInfo(c.Request.Context(), p)
	if err != nil {
		s.writeError(c, err)
		return
	}
	ni := FromPathInfo(info, "nar/"+p.HashPart()+".nar")
	c.Data(http.StatusOK, "text/x-nix-narinfo", []byte(ni.Format(s.src.Dir())))
}

func (s *Server) handleNar(c *gin.Context) {
	p, ok := s.resolve(c, c.Param("file"), ".nar")
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := s.src.NarFromPath(c.Request.Context(), p, &buf); err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/x-nix-nar", buf.Bytes())
}

func (s *Server) writeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrInvalidPath) {
		c.String(http.StatusNotFound, "not found\n")
		return
	}
	s.cfg.Log.Error(err, "serving request", "path", c.Request.URL.Path)
	c.String(http.StatusInternalServerError, "internal error\n")
}
