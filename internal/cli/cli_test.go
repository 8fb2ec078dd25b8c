package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	icl "storeweaver/internal/cli"
	"storeweaver/internal/config"
	"storeweaver/internal/derivation"
)

type env struct {
	t        *testing.T
	storeDir string
	stateDir string
	config   string
}

func newEnv(t *testing.T) *env {
	root := t.TempDir()
	return &env{
		t:        t,
		storeDir: filepath.Join(root, "store"),
		stateDir: filepath.Join(root, "state"),
	}
}

// withState returns an env sharing the store directory but with its own
// registry, as a second machine would have.
func (e *env) withState(t *testing.T) *env {
	return &env{t: t, storeDir: e.storeDir, stateDir: filepath.Join(t.TempDir(), "state")}
}

func (e *env) run(args ...string) (int, string, string) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	global := []string{"--store-dir", e.storeDir, "--state-dir", e.stateDir}
	if e.config != "" {
		global = append(global, "--config", e.config)
	}
	res, _ := icl.Run(context.Background(), append(global, args...), &stdout, &stderr)
	return res.ExitCode, stdout.String(), stderr.String()
}

func (e *env) runErr(args ...string) (int, error) {
	e.t.Helper()
	global := []string{"--store-dir", e.storeDir, "--state-dir", e.stateDir}
	if e.config != "" {
		global = append(global, "--config", e.config)
	}
	res, err := icl.Run(context.Background(), append(global, args...), &bytes.Buffer{}, &bytes.Buffer{})
	return res.ExitCode, err
}

func (e *env) mustRun(args ...string) string {
	e.t.Helper()
	code, stdout, stderr := e.run(args...)
	if code != icl.ExitSuccess {
		e.t.Fatalf("%v: exit %d\nstderr:\n%s", args, code, stderr)
	}
	return stdout
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func (e *env) addScriptDrv(name, script string) string {
	e.t.Helper()
	j := derivation.JSON{
		Name:    name,
		Outputs: map[string]derivation.OutputJSON{"out": {}},
		System:  config.NativeSystem(),
		Builder: "/bin/sh",
		Args:    []string{"-c", script},
		Env:     map[string]string{},
	}
	b, err := json.Marshal(j)
	require.NoError(e.t, err)
	file := writeFile(e.t, filepath.Join(e.t.TempDir(), name+".json"), string(b))
	return strings.TrimSpace(e.mustRun("derivation", "add", file))
}

func TestVersion(t *testing.T) {
	var stdout bytes.Buffer
	res, err := icl.Run(context.Background(), []string{"version"}, &stdout, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, icl.ExitSuccess, res.ExitCode)
	assert.True(t, strings.HasPrefix(stdout.String(), "storeweaver "))
}

func TestInvalidInvocation(t *testing.T) {
	e := newEnv(t)
	for name, args := range map[string][]string{
		"unknown flag":        {"realise", "--no-such-flag"},
		"missing targets":     {"realise"},
		"bad log format":      {"--log-format", "xml", "query", "closure", "/x"},
		"path outside store":  {"query", "closure", "/tmp/not-in-store"},
		"check with repair":   {"realise", "--check", "--repair", e.storeDir + "/00000000000000000000000000000000-x"},
		"relative state dir":  {"--state-dir", "relative", "query", "missing", e.storeDir + "/00000000000000000000000000000000-x"},
		"derivation add junk": {"derivation", "add", writeFile(t, filepath.Join(t.TempDir(), "junk.json"), `{"name": 1}`)},
	} {
		t.Run(name, func(t *testing.T) {
			code, _, _ := e.run(args...)
			assert.Equal(t, icl.ExitInvalidInvocation, code)
		})
	}
}

func TestAddQueryAndVerify(t *testing.T) {
	e := newEnv(t)
	src := writeFile(t, filepath.Join(t.TempDir(), "hello.txt"), "hello\n")

	out := strings.TrimSpace(e.mustRun("add", "--flat", src))
	if !strings.HasPrefix(out, e.storeDir+"/") || !strings.HasSuffix(out, "-hello.txt") {
		t.Fatalf("unexpected store path %q", out)
	}
	again := strings.TrimSpace(e.mustRun("add", "--flat", src))
	assert.Equal(t, out, again, "adding the same contents twice yields the same path")

	assert.Equal(t, out+"\n", e.mustRun("query", "closure", out))
	e.mustRun("verify", out)

	require.NoError(t, os.Chmod(out, 0o644))
	writeFile(t, out, "tampered\n")
	code, _, stderr := e.run("verify", out)
	assert.Equal(t, icl.ExitFailure, code)
	assert.Contains(t, stderr, "was modified")
}

func TestRealiseDerivation(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	e := newEnv(t)
	drvPath := e.addScriptDrv("greeting", `echo hi > "$out"`)

	missing := e.mustRun("query", "missing", drvPath)
	assert.Equal(t, "this derivation will be built:\n  "+drvPath+"\n", missing)
	assert.Equal(t, missing, e.mustRun("realise", "--dry-run", drvPath))

	traceFile := filepath.Join(t.TempDir(), "trace.jsonl")
	out := strings.TrimSpace(e.mustRun("--trace-file", traceFile, "realise", drvPath))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))

	traced, err := os.ReadFile(traceFile)
	require.NoError(t, err)
	assert.Contains(t, string(traced), `"OutputsBuilt"`)

	assert.Equal(t, out+"\n", e.mustRun("realise", drvPath+"^out"))
	assert.Empty(t, e.mustRun("query", "missing", drvPath))
	e.mustRun("realise", "--check", drvPath)

	var shown map[string]derivation.JSON
	require.NoError(t, json.Unmarshal([]byte(e.mustRun("derivation", "show", drvPath)), &shown))
	assert.Equal(t, out, shown[drvPath].Outputs["out"].Path)

	closure := e.mustRun("query", "closure", "--include-outputs", drvPath)
	assert.Equal(t, drvPath+"\n"+out+"\n", sortLines(closure))
}

func TestRealiseFailureExitStatus(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	e := newEnv(t)
	drvPath := e.addScriptDrv("broken", `echo nope; exit 1`)

	code, stdout, _ := e.run("realise", drvPath)
	assert.Equal(t, 100, code)
	assert.Empty(t, stdout)
}

func TestCopyThenSubstitute(t *testing.T) {
	src := newEnv(t)
	file := writeFile(t, filepath.Join(t.TempDir(), "data.txt"), "payload\n")
	out := strings.TrimSpace(src.mustRun("add", "--flat", file))

	cache := filepath.Join(t.TempDir(), "cache")
	src.mustRun("copy", "--to", cache, "--compression", "gzip", out)
	if _, err := os.Stat(filepath.Join(cache, "nix-cache-info")); err != nil {
		t.Fatalf("cache not written: %v", err)
	}

	dst := src.withState(t)
	dst.config = writeFile(t, filepath.Join(t.TempDir(), "settings.yaml"),
		"substituters:\n  - file://"+cache+"\n")

	assert.Contains(t, dst.mustRun("query", "missing", out), "this path will be fetched")
	assert.Equal(t, out+"\n", dst.mustRun("realise", out))
	dst.mustRun("verify", out)
}

func sortLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := range lines {
		for j := i + 1; j < len(lines); j++ {
			if lines[j] < lines[i] {
				lines[i], lines[j] = lines[j], lines[i]
			}
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestStoreGarbageCollection(t *testing.T) {
	e := newEnv(t)
	kept := strings.TrimSpace(e.mustRun("add", "--flat", writeFile(t, filepath.Join(t.TempDir(), "kept.txt"), "kept\n")))
	rooted := strings.TrimSpace(e.mustRun("add", "--flat", writeFile(t, filepath.Join(t.TempDir(), "rooted.txt"), "rooted\n")))
	garbage := strings.TrimSpace(e.mustRun("add", "--flat", writeFile(t, filepath.Join(t.TempDir(), "garbage.txt"), "garbage\n")))

	link := strings.TrimSpace(e.mustRun("store", "add-root", "kept", kept))
	assert.Equal(t, filepath.Join(e.stateDir, "gcroots", "kept"), link)

	result := filepath.Join(t.TempDir(), "result")
	assert.Equal(t, result+"\n", e.mustRun("realise", "--add-root", result, rooted))
	target, err := os.Readlink(result)
	require.NoError(t, err)
	assert.Equal(t, rooted, target)

	roots := e.mustRun("store", "roots")
	assert.Contains(t, roots, link+" -> "+kept)
	assert.Contains(t, roots, result+" -> "+rooted)

	assert.Equal(t, sortLines(kept+"\n"+rooted), sortLines(e.mustRun("store", "gc", "--print-live")))
	assert.Equal(t, garbage+"\n", e.mustRun("store", "gc", "--print-dead"))

	code, err := e.runErr("store", "delete", kept)
	assert.Equal(t, icl.ExitFailure, code)
	assert.ErrorContains(t, err, "still alive")

	assert.Contains(t, e.mustRun("store", "gc"), "1 store paths deleted")
	_, err = os.Stat(garbage)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, e.mustRun("store", "gc", "--print-dead"))

	require.NoError(t, os.Remove(result))
	assert.Equal(t, rooted+"\n", e.mustRun("store", "gc", "--print-dead"))
	assert.Contains(t, e.mustRun("store", "delete", rooted), "1 store paths deleted")
	e.mustRun("verify", kept)

	code, _, _ = e.run("store", "gc", "--print-live", "--print-dead")
	assert.Equal(t, icl.ExitInvalidInvocation, code)
}

func TestDerivationAddBuild(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	e := newEnv(t)
	j := derivation.JSON{
		Name:    "direct",
		Outputs: map[string]derivation.OutputJSON{"out": {}},
		System:  config.NativeSystem(),
		Builder: "/bin/sh",
		Args:    []string{"-c", `echo direct > "$out"`},
		Env:     map[string]string{},
	}
	b, err := json.Marshal(j)
	require.NoError(t, err)
	file := writeFile(t, filepath.Join(t.TempDir(), "direct.json"), string(b))

	lines := strings.Split(strings.TrimSpace(e.mustRun("derivation", "add", "--build", file)), "\n")
	require.Len(t, lines, 2)
	drvPath, out := lines[0], lines[1]
	assert.True(t, strings.HasSuffix(drvPath, "-direct.drv"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "direct\n", string(data))
	assert.Equal(t, out+"\n", e.mustRun("realise", drvPath))
}

func TestRealiseJSONReportsEveryTarget(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	e := newEnv(t)
	good := e.addScriptDrv("good", `echo ok > "$out"`)
	bad := e.addScriptDrv("bad", `exit 3`)

	code, stdout, _ := e.run("realise", "--json", "--keep-going", good, bad)
	assert.Equal(t, icl.ExitFailure, code)

	var results []struct {
		Path       string            `json:"path"`
		Status     string            `json:"status"`
		ErrorMsg   string            `json:"errorMsg"`
		TimesBuilt int               `json:"timesBuilt"`
		Outputs    map[string]string `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 2)

	assert.Equal(t, good+"^*", results[0].Path)
	assert.Equal(t, "Built", results[0].Status)
	assert.Equal(t, 1, results[0].TimesBuilt)
	require.Contains(t, results[0].Outputs, "out")
	_, err := os.Stat(results[0].Outputs["out"])
	assert.NoError(t, err)

	assert.Equal(t, bad+"^*", results[1].Path)
	assert.Equal(t, "PermanentFailure", results[1].Status)
	assert.NotEmpty(t, results[1].ErrorMsg)
	assert.Empty(t, results[1].Outputs)
}

func TestTraceFileEndsWithRunHash(t *testing.T) {
	e := newEnv(t)
	out := strings.TrimSpace(e.mustRun("add", "--flat", writeFile(t, filepath.Join(t.TempDir(), "x.txt"), "x\n")))

	summary := func() (string, string, int) {
		traceFile := filepath.Join(t.TempDir(), "trace.jsonl")
		e.mustRun("--trace-file", traceFile, "realise", out)
		data, err := os.ReadFile(traceFile)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		var rec struct {
			RunID     string `json:"runId"`
			Events    int    `json:"events"`
			TraceHash string `json:"traceHash"`
		}
		require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &rec))
		assert.Equal(t, len(lines)-1, rec.Events)
		return rec.RunID, rec.TraceHash, rec.Events
	}
	run1, hash1, n1 := summary()
	run2, hash2, n2 := summary()
	assert.NotEqual(t, run1, run2)
	assert.Equal(t, n1, n2)
	assert.True(t, strings.HasPrefix(hash1, "sha256:"))
	assert.Equal(t, hash1, hash2, "runs that decide the same things hash equal")
}

func TestLocalStoreSubstituter(t *testing.T) {
	src := newEnv(t)
	out := strings.TrimSpace(src.mustRun("add", "--flat", writeFile(t, filepath.Join(t.TempDir(), "shared.txt"), "shared\n")))

	// Same logical store directory; dst materialises objects elsewhere.
	dst := src.withState(t)
	realDir := filepath.Join(t.TempDir(), "real")
	dst.config = writeFile(t, filepath.Join(t.TempDir(), "settings.yaml"),
		"realStoreDir: "+realDir+"\nsubstituters:\n  - local://"+src.storeDir+"?state="+src.stateDir+"\n")

	assert.Contains(t, dst.mustRun("query", "missing", out), "this path will be fetched")
	assert.Equal(t, out+"\n", dst.mustRun("realise", out))
	data, err := os.ReadFile(filepath.Join(realDir, filepath.Base(out)))
	require.NoError(t, err)
	assert.Equal(t, "shared\n", string(data))
}
