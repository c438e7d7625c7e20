package packval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspack/caspack/pkg/hash"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := hash.Of([]byte("payload"))
	payload := []byte("payload")
	hdr := EncodeHeader(h, CommitV1, true, len(payload))
	entry := append(hdr, payload...)

	buf := entry
	if len(buf) < PrefixLen {
		buf = append(buf, make([]byte, PrefixLen-len(buf))...)
	}
	ep, err := DecodeEntryPrefix(buf, false)
	require.NoError(t, err)
	assert.Equal(t, h, ep.Hash)
	assert.Equal(t, CommitV1, ep.Kind)
	assert.True(t, ep.HasLenHeader)
	assert.Equal(t, int64(len(entry)), ep.TotalLen)
}

func TestContentsHeaderIsConfigurable(t *testing.T) {
	h := hash.Of([]byte("x"))
	buf := EncodeHeader(h, Contents, false, 3)
	buf = append(buf, []byte("abc")...)
	buf = append(buf, make([]byte, PrefixLen)...)

	ep, err := DecodeEntryPrefix(buf, false)
	require.NoError(t, err)
	assert.False(t, ep.HasLenHeader)

	buf2 := EncodeHeader(h, Contents, true, 3)
	buf2 = append(buf2, []byte("abc")...)
	buf2 = append(buf2, make([]byte, PrefixLen)...)
	ep2, err := DecodeEntryPrefix(buf2, true)
	require.NoError(t, err)
	assert.True(t, ep2.HasLenHeader)
}

func TestDanglingParentCommitHasNoHeaderUntilUpgraded(t *testing.T) {
	assert.False(t, DanglingParentCommit.HasLengthHeader())
	assert.Equal(t, CommitV2, UpgradeDangling(DanglingParentCommit))
	assert.Equal(t, Contents, UpgradeDangling(Contents))
}

func TestKeyPromotionIsMonotonicAndHashStable(t *testing.T) {
	h := hash.Of([]byte("k"))
	k := NewIndexed(h)
	assert.False(t, k.IsDirect())

	k.Promote(10, 20)
	assert.True(t, k.IsDirect())
	off, length, ok := k.Resolved()
	assert.True(t, ok)
	assert.Equal(t, int64(10), off)
	assert.Equal(t, int64(20), length)
	assert.Equal(t, h, k.Hash())

	// A second promotion attempt does not move the already-direct key.
	k.Promote(999, 999)
	off, length, _ = k.Resolved()
	assert.Equal(t, int64(10), off)
	assert.Equal(t, int64(20), length)
}

func TestReservedKindsParseWithoutInterpretation(t *testing.T) {
	var k Kind = 8 // first reserved T-kind
	assert.True(t, k.IsReserved())
	assert.True(t, k.Known())
}
