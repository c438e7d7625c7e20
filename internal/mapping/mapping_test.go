package mapping

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSortsAndLookupWorks(t *testing.T) {
	m := Build([]Entry{
		{SrcOffset: 100, Length: 10, DstOffset: 10},
		{SrcOffset: 0, Length: 5, DstOffset: 0},
		{SrcOffset: 50, Length: 20, DstOffset: 5},
	})
	assert.Equal(t, int64(0), m.Entries()[0].SrcOffset)
	assert.Equal(t, int64(50), m.Entries()[1].SrcOffset)
	assert.Equal(t, int64(100), m.Entries()[2].SrcOffset)

	dst, length, ok := m.Lookup(50)
	require.True(t, ok)
	assert.Equal(t, int64(5), dst)
	assert.Equal(t, int64(20), length)

	_, _, ok = m.Lookup(51)
	assert.False(t, ok)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := Build([]Entry{{SrcOffset: 7, Length: 3, DstOffset: 1}})
	path := filepath.Join(t.TempDir(), "store.mapping.1")
	require.NoError(t, m.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Entries(), loaded.Entries())
}
