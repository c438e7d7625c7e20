package control

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspack/caspack/internal/errs"
)

func testPayload() Payload {
	return Payload{
		DictEndPoff:   10,
		SuffixEndPoff: 20,
		Status:        Status{Kind: NoGcYet},
		ChunkStartIdx: 0,
		ChunkNum:      1,
	}
}

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.control")
	c, err := CreateRW(path, false, testPayload(), true)
	require.NoError(t, err)
	assert.Equal(t, testPayload(), c.Payload())

	ro, err := Open(path, true, false)
	require.NoError(t, err)
	assert.Equal(t, testPayload(), ro.Payload())
}

func TestCreateRejectsExistingWithoutOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.control")
	_, err := CreateRW(path, false, testPayload(), true)
	require.NoError(t, err)

	_, err = CreateRW(path, false, testPayload(), true)
	require.ErrorIs(t, err, errs.ErrFileExists)
}

func TestSetPayloadThenReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.control")
	c, err := CreateRW(path, false, testPayload(), true)
	require.NoError(t, err)

	next := testPayload()
	next.SuffixEndPoff = 99
	next.Status = Status{Kind: Gced, Generation: 1, SuffixStartOffset: 50}
	require.NoError(t, c.SetPayload(next))

	ro, err := Open(path, true, false)
	require.NoError(t, err)
	assert.Equal(t, next, ro.Payload())

	reloaded, err := c.Reload()
	require.NoError(t, err)
	assert.Equal(t, next, reloaded)
}

func TestOpenRejectsCorruptedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.control")
	require.NoError(t, writeRaw(path, []byte("not a control file at all")))

	_, err := Open(path, true, false)
	require.ErrorIs(t, err, errs.ErrCorruptedControlFile)
}

func TestOpenRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.control")
	c, err := CreateRW(path, false, testPayload(), true)
	require.NoError(t, err)
	buf := encode(c.Payload())
	buf[len(magic)] = version + 1
	require.NoError(t, writeRaw(path, buf))

	_, err = Open(path, true, false)
	require.ErrorIs(t, err, errs.ErrStoreFromTheFuture)
}

func writeRaw(path string, buf []byte) error {
	return os.WriteFile(path, buf, 0o644)
}
