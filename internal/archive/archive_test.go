package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"storeweaver/internal/storepath"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "hello"), []byte("#!/bin/sh\necho hi\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("readme"), 0o644))
	require.NoError(t, os.Symlink("bin/hello", filepath.Join(root, "link")))
}

func TestDump_DeterministicAcrossMetadata(t *testing.T) {
	a := filepath.Join(t.TempDir(), "a")
	b := filepath.Join(t.TempDir(), "b")
	writeTree(t, a)
	writeTree(t, b)
	require.NoError(t, os.Chmod(filepath.Join(b, "README"), 0o600))

	ha, sa, err := HashDump(storepath.SHA256, a)
	require.NoError(t, err)
	hb, sb, err := HashDump(storepath.SHA256, b)
	require.NoError(t, err)
	assert.True(t, ha.Equal(hb))
	assert.Equal(t, sa, sb)

	require.NoError(t, os.Chmod(filepath.Join(b, "README"), 0o700))
	hc, _, err := HashDump(storepath.SHA256, b)
	require.NoError(t, err)
	assert.False(t, ha.Equal(hc), "executable bit is part of the dump")
}

func TestRestore_RoundTrip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "src")
	writeTree(t, src)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, src))
	dump := buf.Bytes()

	dst := filepath.Join(t.TempDir(), "dst")
	require.NoError(t, Restore(bytes.NewReader(dump), dst))

	got, err := os.ReadFile(filepath.Join(dst, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(got))
	target, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, "bin/hello", target)
	fi, err := os.Stat(filepath.Join(dst, "bin", "hello"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o555), fi.Mode().Perm())

	var again bytes.Buffer
	require.NoError(t, Dump(&again, dst))
	assert.Equal(t, dump, again.Bytes())
}

func TestRestore_SingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(src, []byte("contents"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, src))
	dst := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Restore(&buf, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "contents", string(got))
}

func TestRestore_RejectsGarbage(t *testing.T) {
	err := Restore(bytes.NewReader(nil), filepath.Join(t.TempDir(), "x"))
	assert.ErrorIs(t, err, ErrBadArchive)
}

func TestHashPath_FlatMatchesContents(t *testing.T) {
	src := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(src, []byte("abc"), 0o644))

	h, err := HashPath(storepath.Flat, storepath.SHA256, src)
	require.NoError(t, err)
	assert.True(t, h.Equal(storepath.HashString(storepath.SHA256, "abc")))

	_, err = HashPath(storepath.Flat, storepath.SHA256, t.TempDir())
	assert.Error(t, err)
}

func TestRefScanner_FindsHashesAcrossWrites(t *testing.T) {
	a := storepath.MustParse("g1w7hy3qg1w7hy3qg1w7hy3qg1w7hy3q-a")
	b := storepath.MustParse("00000000000000000000000000000000-b")
	c := storepath.MustParse("11111111111111111111111111111111-c")
	s := NewRefScanner(sets.New(a, b, c))

	text := "prefix /nix/store/" + a.String() + " and /nix/store/" + b.HashPart() + "-whatever"
	mid := len("prefix /nix/store/") + 10
	_, _ = s.Write([]byte(text[:mid]))
	_, _ = s.Write([]byte(text[mid:]))

	assert.True(t, s.Found().Has(a))
	assert.True(t, s.Found().Has(b))
	assert.False(t, s.Found().Has(c))
}
