package build

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"storeweaver/internal/archive"
	"storeweaver/internal/closure"
	"storeweaver/internal/config"
	"storeweaver/internal/derivation"
	"storeweaver/internal/store"
	"storeweaver/internal/storepath"
)

var (
	// ErrHashMismatch marks a fixed output whose contents do not match the
	// declared hash.
	ErrHashMismatch = errors.New("hash mismatch")
	// ErrNotDeterministic marks a check build whose outputs differ from the
	// registered ones.
	ErrNotDeterministic = errors.New("not deterministic")
)

// buildError is a build failure of a specific kind. It matches both its
// kind and store.ErrBuild.
type buildError struct {
	kind error
	msg  string
}

func (e *buildError) Error() string { return e.msg }

func (e *buildError) Is(target error) bool {
	return target == e.kind || target == store.ErrBuild
}

// BuildRequest describes one build of a derivation.
type BuildRequest struct {
	DrvPath storepath.StorePath
	Drv     *derivation.Derivation
	// Outputs maps every output of Drv to its store path.
	Outputs map[string]storepath.StorePath
	// InputPaths is the closure of the inputs; outputs may only refer to
	// these and to each other.
	InputPaths storepath.Set
	Mode       BuildMode
	// Name is used in timeout messages.
	Name string
	// Log receives every line the builder prints. It may be called from
	// another goroutine.
	Log func(line string)
}

// BuildOutcome is how a builder process ended.
type BuildOutcome struct {
	ExitCode int
	// Signal is set when the builder died from a signal.
	Signal syscall.Signal
	// Killed is TimedOut or LogLimitExceeded when the builder was stopped
	// for exceeding a limit; Err then says which.
	Killed Status
	Err    error
	// LogTail holds the last lines of output.
	LogTail   []string
	StartTime time.Time
	StopTime  time.Time

	// locations maps outputs built somewhere other than their store path.
	locations map[string]storepath.StorePath
}

// Builder runs derivation builders.
type Builder interface {
	// Build runs the builder of req.Drv. A non-nil error means the build
	// could not run at all; a builder that ran and failed is reported in
	// the outcome.
	Build(ctx context.Context, req *BuildRequest) (*BuildOutcome, error)
	// RegisterOutputs makes the outputs of a successful build valid. In
	// check mode it compares them with the registered outputs instead.
	RegisterOutputs(ctx context.Context, req *BuildRequest, o *BuildOutcome) error
}

// LocalBuilder runs builders as child processes on this machine, writing
// straight into the store directory.
type LocalBuilder struct {
	store    store.LocalFSStore
	settings config.Settings
	log      logr.Logger
}

// NewLocalBuilder returns a builder for s. Builders see store paths as they
// are printed, so s must not be relocated.
func NewLocalBuilder(s store.LocalFSStore, settings *config.Settings, log logr.Logger) (*LocalBuilder, error) {
	if s.RealDir() != string(s.Dir()) {
		return nil, store.Errorf(store.ErrUnsupported, "building in a store at '%s' that is stored in '%s' is not supported",
			s.Dir(), s.RealDir())
	}
	if settings == nil {
		settings = config.Default()
	}
	return &LocalBuilder{store: s, settings: *settings, log: log.WithName("builder")}, nil
}

// checkLocation returns a sibling of out, with a name of the same length,
// for the check build of output name to write to.
func checkLocation(dir storepath.Dir, drvPath storepath.StorePath, name string, out storepath.StorePath) (storepath.StorePath, error) {
	h := storepath.HashString(storepath.SHA256, "rewrite:"+dir.PrintPath(drvPath)+":name:"+name)
	return dir.MakeStorePath("check", h, out.Name())
}

func (b *LocalBuilder) Build(ctx context.Context, req *BuildRequest) (*BuildOutcome, error) {
	dir := b.store.Dir()
	drvPrinted := dir.PrintPath(req.DrvPath)
	if req.Drv.IsBuiltin() {
		return nil, store.Errorf(store.ErrUnsupported, "builtin builder '%s' of '%s' is not supported", req.Drv.Builder, drvPrinted)
	}

	tmpDir, err := os.MkdirTemp("", "storeweaver-build-"+req.Drv.Name+"-")
	if err != nil {
		return nil, fmt.Errorf("creating build directory: %w", err)
	}
	defer store.RemoveTree(tmpDir)

	o := &BuildOutcome{}
	outputs := make(map[string]string, len(req.Outputs))
	for name, p := range req.Outputs {
		if req.Mode == ModeCheck {
			loc, err := checkLocation(dir, req.DrvPath, name, p)
			if err != nil {
				return nil, err
			}
			if err := store.RemoveTree(b.store.RealPath(loc)); err != nil {
				return nil, err
			}
			if o.locations == nil {
				o.locations = make(map[string]storepath.StorePath)
			}
			o.locations[name] = loc
			p = loc
		}
		outputs[name] = dir.PrintPath(p)
	}

	cmd := exec.Command(req.Drv.Builder, req.Drv.Args...)
	cmd.Dir = tmpDir
	cmd.Env = b.buildEnv(req, tmpDir, outputs)
	// Own process group, so the whole tree can be killed.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	logFile, err := b.openLogFile(req.DrvPath)
	if err != nil {
		pr.Close()
		pw.Close()
		return nil, err
	}

	o.StartTime = time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		closeLog(logFile)
		return nil, fmt.Errorf("while setting up the build environment: executing '%s': %w", req.Drv.Builder, err)
	}
	pw.Close()

	out := newOutputReader(pr, b.settings.LogLines, b.settings.MaxLogSize, logFile, req.Log)
	go out.run()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	kill := func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var timeout <-chan time.Time
	if b.settings.BuildTimeout > 0 {
		t := time.NewTimer(b.settings.BuildTimeout)
		defer t.Stop()
		timeout = t.C
	}
	var silence <-chan time.Time
	if b.settings.MaxSilentTime > 0 {
		tick := time.NewTicker(min(b.settings.MaxSilentTime/4+time.Millisecond, time.Second))
		defer tick.Stop()
		silence = tick.C
	}

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ctx.Done():
			kill()
			<-done
			<-out.finished
			pr.Close()
			closeLog(logFile)
			return nil, fmt.Errorf("build of '%s' cancelled: %w", drvPrinted, ctx.Err())
		case <-timeout:
			o.Killed = TimedOut
			o.Err = store.BuildErrorf("%s timed out after %d seconds", req.Name, int(b.settings.BuildTimeout/time.Second))
		case <-silence:
			if time.Since(out.lastActivity()) < b.settings.MaxSilentTime {
				continue
			}
			o.Killed = TimedOut
			o.Err = store.BuildErrorf("%s timed out after %d seconds of silence", req.Name, int(b.settings.MaxSilentTime/time.Second))
		case <-out.tooMuch:
			o.Killed = LogLimitExceeded
			o.Err = store.BuildErrorf("%s killed after writing more than %d bytes of log output", req.Name, b.settings.MaxLogSize)
		}
		kill()
		waitErr = <-done
		break
	}
	// Reap anything the builder left running in its group.
	kill()
	<-out.finished
	pr.Close()
	closeLog(logFile)

	o.StopTime = time.Now()
	o.LogTail = out.tail()
	if o.Killed != "" {
		return o, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting for builder of '%s': %w", drvPrinted, waitErr)
		}
		o.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			o.Signal = ws.Signal()
		}
	}
	return o, nil
}

// buildEnv assembles the builder environment. Nothing from the host is
// passed through except the impure variables of fixed-output derivations.
func (b *LocalBuilder) buildEnv(req *BuildRequest, tmpDir string, outputs map[string]string) []string {
	env := map[string]string{
		"PATH":            "/path-not-set",
		"HOME":            "/homeless-shelter",
		"NIX_STORE":       string(b.store.Dir()),
		"NIX_BUILD_CORES": strconv.Itoa(b.settings.Cores()),
	}
	for k, v := range req.Drv.Env {
		env[k] = v
	}
	for _, k := range []string{"NIX_BUILD_TOP", "TMPDIR", "TEMPDIR", "TMP", "TEMP", "PWD"} {
		env[k] = tmpDir
	}
	env["NIX_LOG_FD"] = "2"
	env["TERM"] = "xterm-256color"
	for name, p := range outputs {
		env[name] = p
	}
	if req.Drv.IsFixedOutput() {
		for _, k := range strings.Fields(req.Drv.Env["impureEnvVars"]) {
			if v, ok := os.LookupEnv(k); ok {
				env[k] = v
			}
		}
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// openLogFile opens <logDir>/drvs/<2 chars>/<rest> when logs are kept.
func (b *LocalBuilder) openLogFile(drvPath storepath.StorePath) (*os.File, error) {
	if !b.settings.KeepLog {
		return nil, nil
	}
	base := drvPath.String()
	dir := filepath.Join(b.settings.BuildLogDir(), "drvs", base[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.Create(filepath.Join(dir, base[2:]))
}

func closeLog(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

// outputReader consumes builder output line by line.
type outputReader struct {
	r        io.Reader
	maxLines int
	maxSize  int64
	logFile  io.Writer
	emit     func(string)

	last     atomic.Int64
	tooMuch  chan struct{}
	finished chan struct{}

	mu    sync.Mutex
	lines []string
}

func newOutputReader(r io.Reader, maxLines int, maxSize int64, logFile *os.File, emit func(string)) *outputReader {
	o := &outputReader{
		r:        r,
		maxLines: maxLines,
		maxSize:  maxSize,
		emit:     emit,
		tooMuch:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	if logFile != nil {
		o.logFile = logFile
	}
	o.last.Store(time.Now().UnixNano())
	return o
}

func (o *outputReader) run() {
	defer close(o.finished)
	defer io.Copy(io.Discard, o.r)

	sc := bufio.NewScanner(o.r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var written int64
	signalled := false
	for sc.Scan() {
		o.last.Store(time.Now().UnixNano())
		line := sc.Text()
		written += int64(len(line)) + 1
		if o.maxSize > 0 && written > o.maxSize {
			if !signalled {
				signalled = true
				close(o.tooMuch)
			}
			continue
		}
		if o.logFile != nil {
			_, _ = io.WriteString(o.logFile, line+"\n")
		}
		if o.emit != nil {
			o.emit(line)
		}
		o.mu.Lock()
		o.lines = append(o.lines, line)
		if o.maxLines >= 0 && len(o.lines) > o.maxLines {
			o.lines = o.lines[len(o.lines)-o.maxLines:]
		}
		o.mu.Unlock()
	}
}

func (o *outputReader) lastActivity() time.Time {
	return time.Unix(0, o.last.Load())
}

func (o *outputReader) tail() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lines...)
}

func (b *LocalBuilder) RegisterOutputs(ctx context.Context, req *BuildRequest, o *BuildOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := b.store.Dir()
	drvPrinted := dir.PrintPath(req.DrvPath)

	candidates := req.InputPaths.Clone()
	for _, p := range req.Outputs {
		candidates.Insert(p)
	}

	// Check builds write elsewhere; their dumps are rewritten to the real
	// output paths before hashing.
	var rewrites map[string]string
	for name, loc := range o.locations {
		if rewrites == nil {
			rewrites = make(map[string]string)
		}
		rewrites[loc.HashPart()] = req.Outputs[name].HashPart()
	}
	defer func() {
		for _, loc := range o.locations {
			_ = store.RemoveTree(b.store.RealPath(loc))
		}
	}()

	names := sortedKeys(req.Outputs)
	infos := make(map[string]store.PathInfo, len(names))
	for _, name := range names {
		p := req.Outputs[name]
		actual := p
		if loc, ok := o.locations[name]; ok {
			actual = loc
		}
		realPath := b.store.RealPath(actual)
		if _, err := os.Lstat(realPath); err != nil {
			return store.BuildErrorf("builder for '%s' failed to produce output path for output '%s' at '%s'",
				drvPrinted, name, realPath)
		}
		if err := archive.Canonicalize(realPath); err != nil {
			return fmt.Errorf("canonicalising output '%s' of '%s': %w", name, drvPrinted, err)
		}

		var ca *storepath.ContentAddress
		if out := req.Drv.Outputs[name]; out.Kind == derivation.CAFixed {
			want := out.CA
			got, err := archive.HashPath(want.Method, want.Hash.Algo, realPath)
			if err != nil {
				return err
			}
			if !got.Equal(want.Hash) {
				gotPath, err := dir.MakeFixedOutputPath(storepath.OutputPathName(req.Drv.Name, name), want.Method, got, nil, false)
				if err != nil {
					return err
				}
				_ = store.RemoveTree(realPath)
				return &buildError{kind: ErrHashMismatch, msg: fmt.Sprintf(
					"hash mismatch in fixed-output derivation '%s':\n    likely URL: %s\n     specified: %s\n           got: %s\n expected path: %s\n      got path: %s",
					drvPrinted, likelyURL(req.Drv), want.Hash.SRI(), got.SRI(), dir.PrintPath(p), dir.PrintPath(gotPath))}
			}
			ca = &want
		}

		h, err := storepath.SHA256.New()
		if err != nil {
			return err
		}
		var n archive.CountingWriter
		scanner := archive.NewRefScanner(candidates)
		var w io.Writer = io.MultiWriter(h, &n, scanner)
		var rw *hashRewriter
		if rewrites != nil {
			rw = newHashRewriter(w, rewrites)
			w = rw
		}
		if err := archive.Dump(w, realPath); err != nil {
			return err
		}
		if rw != nil {
			if err := rw.Flush(); err != nil {
				return err
			}
		}

		refs := scanner.Found()
		if ca != nil && len(refs) > 0 {
			return store.BuildErrorf("fixed-output derivations must not reference store paths: '%s' references %d distinct paths, e.g. '%s'",
				drvPrinted, len(refs), dir.PrintPath(storepath.SortedList(refs)[0]))
		}
		infos[name] = store.PathInfo{
			Path:       p,
			Deriver:    req.DrvPath,
			NarHash:    storepath.Hash{Algo: storepath.SHA256, Digest: h.Sum(nil)},
			NarSize:    n.N,
			References: refs,
			Ultimate:   true,
			CA:         ca,
		}
	}

	if req.Mode == ModeCheck {
		for _, name := range names {
			old, err := b.store.QueryPathInfo(ctx, req.Outputs[name])
			if err != nil {
				return err
			}
			if !old.NarHash.Equal(infos[name].NarHash) {
				return &buildError{kind: ErrNotDeterministic, msg: fmt.Sprintf(
					"derivation '%s' may not be deterministic: outputs differ", drvPrinted)}
			}
		}
		return nil
	}

	byPath := make(map[storepath.StorePath]string, len(names))
	for _, name := range names {
		byPath[req.Outputs[name]] = name
	}
	_, err := closure.TopoSort(names, func(a, b string) bool { return a < b }, func(name string) ([]string, error) {
		var deps []string
		for r := range infos[name].References {
			if dep, ok := byPath[r]; ok && dep != name {
				deps = append(deps, dep)
			}
		}
		sort.Strings(deps)
		return deps, nil
	})
	var cycle *closure.CycleError[string]
	if errors.As(err, &cycle) {
		return store.BuildErrorf("cycle detected in build of '%s' in the references of output '%s' from output '%s'",
			drvPrinted, cycle.To, cycle.From)
	}
	if err != nil {
		return err
	}

	list := make([]store.PathInfo, 0, len(infos))
	for _, name := range names {
		list = append(list, infos[name])
	}
	return b.store.RegisterValidPaths(ctx, list)
}

func likelyURL(d *derivation.Derivation) string {
	for _, k := range []string{"urls", "url"} {
		if f := strings.Fields(d.Env[k]); len(f) > 0 {
			return f[0]
		}
	}
	return "(unknown)"
}

// hashRewriter replaces hash parts in the stream written through it. From
// and to of every rewrite have the same length, so sizes never change.
type hashRewriter struct {
	w        io.Writer
	rewrites map[string]string
	buf      []byte
}

func newHashRewriter(w io.Writer, rewrites map[string]string) *hashRewriter {
	return &hashRewriter{w: w, rewrites: rewrites}
}

func (r *hashRewriter) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	for from, to := range r.rewrites {
		r.buf = bytes.ReplaceAll(r.buf, []byte(from), []byte(to))
	}
	keep := storepath.HashPartLen - 1
	if len(r.buf) > keep {
		n := len(r.buf) - keep
		if _, err := r.w.Write(r.buf[:n]); err != nil {
			return 0, err
		}
		r.buf = append(r.buf[:0], r.buf[n:]...)
	}
	return len(p), nil
}

func (r *hashRewriter) Flush() error {
	_, err := r.w.Write(r.buf)
	r.buf = r.buf[:0]
	return err
}
