package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfAndString(t *testing.T) {
	h := Of([]byte("abc"))
	assert.False(t, h.IsEmpty())
	s := h.String()
	assert.Len(t, s, StringLen)

	h2, ok := MaybeParse(s)
	assert.True(t, ok)
	assert.Equal(t, h, h2)
}

func TestMaybeParseRejectsGarbage(t *testing.T) {
	_, ok := MaybeParse("not-a-hash")
	assert.False(t, ok)

	_, ok = MaybeParse("")
	assert.False(t, ok)
}

func TestParsePanicsOnGarbage(t *testing.T) {
	assert.Panics(t, func() {
		Parse("nope")
	})
}

func TestIsEmpty(t *testing.T) {
	var h Hash
	assert.True(t, h.IsEmpty())
	assert.False(t, Of([]byte("x")).IsEmpty())
}

func TestLessIsAntisymmetric(t *testing.T) {
	a := Of([]byte("a"))
	b := Of([]byte("b"))
	assert.NotEqual(t, a, b)
	if a.Less(b) {
		assert.False(t, b.Less(a))
	} else {
		assert.True(t, b.Less(a))
	}
}

func TestPrefixStable(t *testing.T) {
	h := Of([]byte("stable"))
	assert.Equal(t, h.Prefix(), h.Prefix())
}
