package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/internal/suffix"
)

func TestDispatchServesFromSuffixPreGC(t *testing.T) {
	dir := t.TempDir()
	suf, err := suffix.CreateRW(dir, 0, 1<<20, false, nil)
	require.NoError(t, err)
	require.NoError(t, suf.AppendExn([]byte("hello")))

	d := New(suf, nil, nil)
	acc, err := d.CreateAccessorExn(0, 5)
	require.NoError(t, err)
	assert.Equal(t, SourceSuffix, acc.Source)

	buf := make([]byte, 5)
	require.NoError(t, d.ReadExn(acc, buf))
	assert.Equal(t, "hello", string(buf))
}

func TestDispatchOutOfBounds(t *testing.T) {
	dir := t.TempDir()
	suf, err := suffix.CreateRW(dir, 0, 1<<20, false, nil)
	require.NoError(t, err)
	require.NoError(t, suf.AppendExn([]byte("hi")))

	d := New(suf, nil, nil)
	_, err = d.CreateAccessorExn(0, 10)
	assert.ErrorIs(t, err, errs.ErrReadOutOfBounds)
}

func TestDispatchServesFromPrefixPostGC(t *testing.T) {
	dir := t.TempDir()
	// old generation's live bytes now only exist in the prefix.
	pw, err := prefixfile.Create(dir, 1)
	require.NoError(t, err)
	_, err = pw.Append([]byte("live"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	pf, err := prefixfile.Open(dir, 1)
	require.NoError(t, err)

	mp := mapping.Build([]mapping.Entry{{SrcOffset: 0, Length: 4, DstOffset: 0}})

	seed, err := suffix.CreateRW(dir, 0, 1<<20, false, nil)
	require.NoError(t, err)
	require.NoError(t, seed.Close())
	suf, err := suffix.Open(dir, 0, 1, false, 1<<20, false, 4, 0, nil)
	require.NoError(t, err)
	require.NoError(t, suf.AppendExn([]byte("new!")))

	d := New(suf, mp, pf)
	acc, err := d.CreateAccessorExn(0, 4)
	require.NoError(t, err)
	assert.Equal(t, SourcePrefix, acc.Source)

	buf := make([]byte, 4)
	require.NoError(t, d.ReadExn(acc, buf))
	assert.Equal(t, "live", string(buf))

	acc2, err := d.CreateAccessorExn(4, 4)
	require.NoError(t, err)
	assert.Equal(t, SourceSuffix, acc2.Source)
	buf2 := make([]byte, 4)
	require.NoError(t, d.ReadExn(acc2, buf2))
	assert.Equal(t, "new!", string(buf2))
}

func TestDispatchGcedObjectRead(t *testing.T) {
	dir := t.TempDir()
	pw, err := prefixfile.Create(dir, 1)
	require.NoError(t, err)
	_, err = pw.Append([]byte("live"))
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	pf, err := prefixfile.Open(dir, 1)
	require.NoError(t, err)

	// Mapping only covers offset 0; offset 10 (also pre-suffixStart) was
	// collected and never carried forward.
	mp := mapping.Build([]mapping.Entry{{SrcOffset: 0, Length: 4, DstOffset: 0}})
	seed, err := suffix.CreateRW(dir, 0, 1<<20, false, nil)
	require.NoError(t, err)
	require.NoError(t, seed.Close())
	suf, err := suffix.Open(dir, 0, 1, false, 1<<20, false, 20, 0, nil)
	require.NoError(t, err)
	require.NoError(t, suf.AppendExn([]byte("x")))

	d := New(suf, mp, pf)
	_, err = d.CreateAccessorExn(10, 4)
	assert.ErrorIs(t, err, errs.ErrInvalidReadOfGcedObject)
}
