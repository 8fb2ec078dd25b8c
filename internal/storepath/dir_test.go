package storepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

func TestMakeStorePath_DependsOnDirAndName(t *testing.T) {
	h := HashString(SHA256, "contents")
	p1, err := Dir("/nix/store").MakeStorePath("source", h, "foo")
	require.NoError(t, err)
	p2, err := Dir("/other/store").MakeStorePath("source", h, "foo")
	require.NoError(t, err)
	p3, err := Dir("/nix/store").MakeStorePath("source", h, "bar")
	require.NoError(t, err)

	assert.NotEqual(t, p1.HashPart(), p2.HashPart())
	assert.NotEqual(t, p1.HashPart(), p3.HashPart())
	assert.Equal(t, "foo", p1.Name())

	again, err := Dir("/nix/store").MakeStorePath("source", h, "foo")
	require.NoError(t, err)
	assert.Equal(t, p1, again)
}

func TestMakeOutputPath_NamesNonDefaultOutputs(t *testing.T) {
	d := DefaultDir
	h := HashString(SHA256, "drv")
	out, err := d.MakeOutputPath("out", h, "hello")
	require.NoError(t, err)
	dev, err := d.MakeOutputPath("dev", h, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Name())
	assert.Equal(t, "hello-dev", dev.Name())
	assert.NotEqual(t, out.HashPart(), dev.HashPart())
}

func TestMakeFixedOutputPath_FlatRejectsReferences(t *testing.T) {
	d := DefaultDir
	h := HashString(SHA256, "x")
	ref := MustParse(testHashPart + "-dep")
	_, err := d.MakeFixedOutputPath("src.tar", Flat, h, sets.New(ref), false)
	assert.ErrorIs(t, err, ErrBadStorePath)

	flat, err := d.MakeFixedOutputPath("src.tar", Flat, h, nil, false)
	require.NoError(t, err)
	rec, err := d.MakeFixedOutputPath("src.tar", Recursive, h, nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, flat, rec)
}

func TestMakeFixedOutputPath_RecursiveSha256IsSourcePath(t *testing.T) {
	d := DefaultDir
	h := HashString(SHA256, "tree")
	got, err := d.MakeFixedOutputPath("src", Recursive, h, nil, false)
	require.NoError(t, err)
	want, err := d.MakeStorePath("source", h, "src")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	ref := MustParse(testHashPart + "-dep")
	withRefs, err := d.MakeFixedOutputPath("src", Recursive, h, sets.New(ref), true)
	require.NoError(t, err)
	want, err = d.MakeStorePath("source:/nix/store/"+ref.String()+":self", h, "src")
	require.NoError(t, err)
	assert.Equal(t, want, withRefs)
}

func TestMakeFixedOutputPath_NonSha256RecursiveUsesOutputScheme(t *testing.T) {
	d := DefaultDir
	h := HashString(SHA1, "tree")
	got, err := d.MakeFixedOutputPath("src", Recursive, h, nil, false)
	require.NoError(t, err)
	inner := HashString(SHA256, "fixed:out:r:sha1:"+h.Hex()+":")
	want, err := d.MakeStorePath("output:out", inner, "src")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMakeTextPath_ReferencesAreSorted(t *testing.T) {
	d := DefaultDir
	a := MustParse("00000000000000000000000000000000-a")
	b := MustParse("11111111111111111111111111111111-b")
	h := HashString(SHA256, "text")
	p1, err := d.MakeTextPath("x.drv", h, sets.New(a, b))
	require.NoError(t, err)
	p2, err := d.MakeTextPath("x.drv", h, sets.New(b, a))
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	_, err = d.MakeTextPath("x", HashString(SHA1, "text"), nil)
	assert.Error(t, err)
}

func TestMakePathFromCA(t *testing.T) {
	d := DefaultDir
	h := HashString(SHA256, "text")
	viaCA, err := d.MakePathFromCA("x", ContentAddress{Method: Text, Hash: h}, nil, false)
	require.NoError(t, err)
	direct, err := d.MakeTextPath("x", h, nil)
	require.NoError(t, err)
	assert.Equal(t, direct, viaCA)
}
