package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte("c:users:"), []byte("c:users;")},
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, prefixEnd(tc.prefix), "prefix %x", tc.prefix)
	}
}

func TestSuccessor(t *testing.T) {
	assert.Equal(t, []byte{0x41, 0x00}, successor([]byte{0x41}))
	assert.Equal(t, []byte{0x00}, successor(nil))

	// successor must not alias its input
	key := make([]byte, 1, 8)
	key[0] = 0x41
	s := successor(key)
	s[0] = 0xff
	assert.Equal(t, byte(0x41), key[0])
}

func TestWindow(t *testing.T) {
	prefix := []byte("c:t:")

	cases := []struct {
		name   string
		rng    Range
		wantLo []byte
		wantHi []byte
	}{
		{"unbounded", Range{}, []byte("c:t:"), []byte("c:t;")},
		{
			"inclusive-both",
			Range{Lo: Included([]byte("a")), Hi: Included([]byte("b"))},
			[]byte("c:t:a"), append([]byte("c:t:b"), 0x00),
		},
		{
			"exclusive-both",
			Range{Lo: Excluded([]byte("a")), Hi: Excluded([]byte("b"))},
			append([]byte("c:t:a"), 0x00), []byte("c:t:b"),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lo, hi := window(prefix, tc.rng)
			assert.Equal(t, tc.wantLo, lo)
			assert.Equal(t, tc.wantHi, hi)
			assert.False(t, emptyWindow(lo, hi))
		})
	}

	t.Run("empty-and-inverted", func(t *testing.T) {
		lo, hi := window(prefix, Range{Lo: Included([]byte("b")), Hi: Excluded([]byte("b"))})
		assert.True(t, emptyWindow(lo, hi))

		lo, hi = window(prefix, Range{Lo: Included([]byte("z")), Hi: Included([]byte("a"))})
		assert.True(t, emptyWindow(lo, hi))

		// single-key inclusive range is not empty
		lo, hi = window(prefix, Range{Lo: Included([]byte("b")), Hi: Included([]byte("b"))})
		assert.False(t, emptyWindow(lo, hi))
	})
}

func TestValidateName(t *testing.T) {
	for _, name := range []string{"users", "account-balances", "a", "UPPER.case_09"} {
		require.NoError(t, validateName(name), "name %q", name)
	}
	for _, name := range []string{"", "a:b", "sys", string(make([]byte, 256))} {
		require.ErrorIs(t, validateName(name), ErrInvalidName, "name %q", name)
	}
}

func TestFullKey(t *testing.T) {
	prefix := collPrefix("t")
	a := fullKey(prefix, []byte{0x01})
	b := fullKey(prefix, []byte{0x02})
	assert.Equal(t, append([]byte("c:t:"), 0x01), a)
	assert.Equal(t, append([]byte("c:t:"), 0x02), b)

	// successive calls must not share backing arrays
	a[len(a)-1] = 0xff
	assert.Equal(t, byte(0x02), b[len(b)-1])
}
