package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/go-logr/logr"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"storeweaver/internal/build"
	"storeweaver/internal/config"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
	"storeweaver/internal/substituter"
	"storeweaver/internal/trace"
)

// App is the state shared by every command of one invocation.
type App struct {
	Stdout io.Writer
	Stderr io.Writer

	configPath string
	storeDir   string
	stateDir   string
	logFormat  string
	traceFile  string
	debug      bool

	settings *config.Settings
	log      logr.Logger
	sink     trace.Sink
	registry *prometheus.Registry
	metrics  *build.Metrics
	closers  []func() error
}

func newApp(stdout, stderr io.Writer) *App {
	return &App{
		Stdout:   stdout,
		Stderr:   stderr,
		log:      logr.Discard(),
		sink:     trace.NopSink{},
		registry: prometheus.NewRegistry(),
	}
}

func (a *App) addFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML settings file")
	flags.StringVar(&a.storeDir, "store-dir", "", "Store directory, overriding the settings")
	flags.StringVar(&a.stateDir, "state-dir", "", "State directory holding the registry, overriding the settings")
	flags.StringVar(&a.logFormat, "log-format", "text", "Log format. One of: (text | json)")
	flags.BoolVar(&a.debug, "debug", false, "Log goal transitions and builder output")
	flags.StringVar(&a.traceFile, "trace-file", "", "Write the activity trace to this file as JSON lines")
}

// setup resolves settings, logging and the trace sink once flags are
// parsed.
func (a *App) setup() error {
	log, err := newLogger(a.Stderr, a.logFormat, a.debug)
	if err != nil {
		return err
	}
	a.log = log

	s, err := config.Load(a.configPath)
	if err != nil {
		return invalidInvocationf("%v", err)
	}
	if a.storeDir != "" {
		s.StoreDir = a.storeDir
	}
	if a.stateDir != "" {
		s.StateDir = a.stateDir
	}
	if err := s.Validate(); err != nil {
		return invalidInvocationf("invalid settings: %v", err)
	}
	a.settings = s

	if a.traceFile != "" {
		f, err := os.Create(a.traceFile)
		if err != nil {
			return fmt.Errorf("opening trace file: %w", err)
		}
		runID := trace.NewRunID()
		sink := trace.NewJSONLSink(f, runID)
		rec := trace.NewRecorder()
		a.sink = trace.Tee{sink, rec}
		a.closers = append(a.closers, func() error {
			tr := rec.Trace(runID)
			err := sink.Finish(tr)
			if err == nil {
				h, _ := tr.Hash()
				a.log.V(1).Info("trace written", "file", a.traceFile, "events", len(tr.Events), "hash", h)
			}
			return multierr.Combine(err, f.Close())
		})
		a.log.V(1).Info("recording trace", "file", a.traceFile, "runID", runID)
	}
	return nil
}

// close releases what the commands opened, newest first. It is safe to call
// more than once.
func (a *App) close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}

// newLogger returns a logr.Logger writing text through tint, or JSON.
// V(1) messages and below are shown with debug.
func newLogger(w io.Writer, format string, debug bool) (logr.Logger, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	var h slog.Handler
	switch format {
	case "", "text":
		h = tint.NewHandler(w, &tint.Options{
			Level:       level,
			TimeFormat:  time.DateTime,
			ReplaceAttr: rewriteLogLevel,
			NoColor:     color.NoColor,
		})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return logr.Discard(), invalidInvocationf("invalid --log-format '%s' (expected text|json)", format)
	}
	return logr.FromSlogHandler(h), nil
}

func rewriteLogLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return a
	}
	level, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	var text string
	switch {
	case level >= slog.LevelError:
		text = color.RedString("ERROR")
	case level >= slog.LevelWarn:
		text = color.YellowString("WARN")
	case level >= slog.LevelInfo:
		text = color.GreenString("INFO")
	default:
		text = "DEBUG"
	}
	a.Value = slog.StringValue(text)
	return a
}

// openStore opens the local store with the configured substituters.
func (a *App) openStore(ctx context.Context) (*store.LocalStore, error) {
	s := a.settings
	subs, err := a.openSubstituters(ctx)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenLocal(ctx, store.LocalOptions{
		Dir:          storepath.Dir(s.StoreDir),
		RealDir:      s.RealStoreDir,
		StateDir:     s.StateDir,
		ReadOnly:     s.ReadOnlyMode,
		Substituters: store.NewSubstituterSet(subs, s.TryFallback, a.log.WithName("substituters")),
		Log:          a.log.WithName("store"),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)
	return st, nil
}

func (a *App) openSubstituters(ctx context.Context) ([]store.Substituter, error) {
	s := a.settings
	if !s.UseSubstitutes || len(s.Substituters) == 0 {
		return nil, nil
	}

	var info substituter.InfoCache = substituter.NewMemoryInfoCache()
	if s.RedisAddr != "" {
		rc, err := substituter.NewRedisInfoCache(s.RedisAddr, "", 0)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rc.Close)
		info = rc
	}

	var subs []store.Substituter
	for _, uri := range s.Substituters {
		if s.RequireSigs && !s.IsTrusted(uri) {
			a.log.Info("ignoring untrusted substituter", "substituter", uri)
			continue
		}
		if strings.HasPrefix(uri, "local://") {
			sub, err := a.openLocalSubstituter(ctx, uri)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
			continue
		}
		c, err := substituter.Open(ctx, uri, substituter.Options{
			Dir:         storepath.Dir(s.StoreDir),
			Trusted:     s.IsTrusted(uri),
			Info:        info,
			PositiveTTL: s.NarinfoCacheTTL,
			NegativeTTL: s.NarinfoNegativeTTL,
			Log:         a.log.WithName("substituter").WithValues("uri", uri),
		})
		if errors.Is(err, store.ErrSubstituterDisabled) {
			a.log.Error(err, "disabling substituter", "substituter", uri)
			continue
		}
		if err != nil {
			return nil, err
		}
		subs = append(subs, c)
	}
	return subs, nil
}

// openLocalSubstituter opens local://REALDIR?state=STATEDIR: another local
// store for the same store directory, read through its own registry.
func (a *App) openLocalSubstituter(ctx context.Context, uri string) (store.Substituter, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, invalidInvocationf("parsing substituter '%s': %v", uri, err)
	}
	q := u.Query()
	stateDir := q.Get("state")
	if u.Path == "" || stateDir == "" {
		return nil, invalidInvocationf("substituter '%s' needs a directory and ?state=", uri)
	}
	priority := 40
	if v := q.Get("priority"); v != "" {
		if priority, err = strconv.Atoi(v); err != nil {
			return nil, invalidInvocationf("substituter '%s': bad priority '%s'", uri, v)
		}
	}
	src, err := store.OpenLocal(ctx, store.LocalOptions{
		Dir:      storepath.Dir(a.settings.StoreDir),
		RealDir:  u.Path,
		StateDir: stateDir,
		ReadOnly: true,
		Log:      a.log.WithName("store").WithValues("uri", uri),
	})
	if err != nil {
		return nil, fmt.Errorf("opening substituter '%s': %w", uri, err)
	}
	a.closers = append(a.closers, src.Close)
	return substituter.FromStore(src, uri, priority, a.settings.IsTrusted(uri)), nil
}

// newWorker returns a worker building with the local builder, when st
// supports one.
func (a *App) newWorker(st *store.LocalStore) *build.Worker {
	var builder build.Builder
	if lb, err := build.NewLocalBuilder(st, a.settings, a.log); err == nil {
		builder = lb
	} else {
		a.log.V(1).Info("local builds are disabled", "reason", err.Error())
	}
	if a.metrics == nil {
		a.metrics = build.NewMetrics(a.registry)
	}
	return build.NewWorker(st, build.Options{
		Settings: a.settings,
		Builder:  builder,
		Log:      a.log,
		Sink:     a.sink,
		Metrics:  a.metrics,
		Hasher:   st.Hasher(),
	})
}
