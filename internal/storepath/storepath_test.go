package storepath

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

const testHashPart = "g1w7hy3qg1w7hy3qg1w7hy3qg1w7hy3q"

func TestBase32_KnownDigest(t *testing.T) {
	h := HashString(SHA256, "abc")
	assert.Equal(t, "1b8m03r63zqhnjf7l5wnldhh7c134ap5vpj0850ymkq1iyzicy5s", h.Base32())
	assert.Len(t, h.Base32(), Base32Len(32))
}

func TestBase32_RoundTrip(t *testing.T) {
	for _, size := range []int{1, 16, 20, 32, 64} {
		b := make([]byte, size)
		for i := range b {
			b[i] = byte(i*37 + 11)
		}
		enc := Base32Encode(b)
		require.Len(t, enc, Base32Len(size))
		dec, err := Base32Decode(enc, size)
		require.NoError(t, err)
		assert.Equal(t, b, dec)
	}
}

func TestBase32_SingleByteBitOrder(t *testing.T) {
	assert.Equal(t, "0z", Base32Encode([]byte{0x1f}))
}

func TestBase32Decode_RejectsOverflowAndBadChars(t *testing.T) {
	_, err := Base32Decode("z0", 1)
	assert.Error(t, err)

	_, err = Base32Decode("0e", 1)
	assert.Error(t, err)

	_, err = Base32Decode("000", 1)
	assert.Error(t, err)
}

func TestParse_Valid(t *testing.T) {
	p, err := Parse(testHashPart + "-hello-2.12.drv")
	require.NoError(t, err)
	assert.Equal(t, testHashPart, p.HashPart())
	assert.Equal(t, "hello-2.12.drv", p.Name())
	assert.True(t, p.IsDerivation())
	assert.Equal(t, "hello-2.12", p.DerivationName())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"short":         "abc-x",
		"vowel in hash": strings.Replace(testHashPart, "g", "e", 1) + "-x",
		"no dash":       testHashPart + "_x",
		"empty name":    testHashPart + "-",
		"dot":           testHashPart + "-.",
		"dotdot":        testHashPart + "-..",
		"dot dash":      testHashPart + "-.-foo",
		"dotdot dash":   testHashPart + "-..-foo",
		"illegal char":  testHashPart + "-foo bar",
		"slash":         testHashPart + "-foo/bar",
		"too long":      testHashPart + "-" + strings.Repeat("a", MaxPathLen),
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadStorePath))
		})
	}
}

func TestParse_AllowsDotsInsideName(t *testing.T) {
	for _, name := range []string{".foo", "..foo", "a.-b", "x?=+_.-"} {
		_, err := Parse(testHashPart + "-" + name)
		assert.NoError(t, err, name)
	}
}

func TestDir_ParsePath(t *testing.T) {
	d := Dir("/nix/store")
	p, err := d.ParsePath("/nix/store/" + testHashPart + "-foo")
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/"+testHashPart+"-foo", d.PrintPath(p))

	p2, err := d.ParsePath("/nix/store/./" + testHashPart + "-foo/")
	require.NoError(t, err)
	assert.Equal(t, p, p2)

	_, err = d.ParsePath("/nix/store/" + testHashPart + "-foo/bin")
	assert.ErrorIs(t, err, ErrBadStorePath)

	_, err = d.ParsePath("/other/" + testHashPart + "-foo")
	assert.ErrorIs(t, err, ErrBadStorePath)

	_, err = d.ParsePath(testHashPart + "-foo")
	assert.ErrorIs(t, err, ErrBadStorePath)
}

func TestDir_ToStorePath(t *testing.T) {
	d := Dir("/nix/store")
	p, rest, err := d.ToStorePath("/nix/store/" + testHashPart + "-foo/bin/foo")
	require.NoError(t, err)
	assert.Equal(t, "foo", p.Name())
	assert.Equal(t, "/bin/foo", rest)
}

func TestSet_SortedIsDeterministic(t *testing.T) {
	a := MustParse("00000000000000000000000000000000-a")
	b := MustParse("11111111111111111111111111111111-b")
	c := MustParse("22222222222222222222222222222222-c")
	s := sets.New(c, a, b)
	assert.True(t, s.Has(a))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []StorePath{a, b, c}, SortedList(s))
}

func TestStorePath_TextRoundTrip(t *testing.T) {
	p := MustParse(testHashPart + "-foo")
	b, err := p.MarshalText()
	require.NoError(t, err)
	var q StorePath
	require.NoError(t, q.UnmarshalText(b))
	assert.Equal(t, p, q)
}
