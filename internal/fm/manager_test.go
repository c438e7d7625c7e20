package fm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
)

func testConfig(root string) config.Config {
	c := config.Default(root)
	c.DictAutoFlushThreshold = 1 << 20
	c.SuffixAutoFlushThreshold = 1 << 20
	return c
}

func TestCreateRWThenFlushAndReopen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)

	store, err := CreateRW(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, store.Suffix().AppendExn([]byte("entry-bytes")))
	require.NoError(t, store.FlushAll())
	assert.Equal(t, int64(len("entry-bytes")), store.Suffix().EndPoff())
	require.NoError(t, store.Close())

	reopened, err := OpenRW(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len("entry-bytes")), reopened.Suffix().EndPoff())

	buf := make([]byte, len("entry-bytes"))
	require.NoError(t, reopened.Suffix().ReadAt(buf, 0))
	assert.Equal(t, "entry-bytes", string(buf))
	require.NoError(t, reopened.Close())
}

func TestCloseRejectsPendingFlush(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	store, err := CreateRW(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, store.Suffix().AppendExn([]byte("x")))
	err = store.Close()
	assert.ErrorIs(t, err, errs.ErrPendingFlush)
}

func TestSplitWidensChunkRange(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	store, err := CreateRW(cfg, nil)
	require.NoError(t, err)

	require.NoError(t, store.Suffix().AppendExn([]byte("abc")))
	require.NoError(t, store.FlushAll())
	require.NoError(t, store.Split())
	assert.Equal(t, 2, store.Suffix().ChunkNum())

	require.NoError(t, store.Suffix().AppendExn([]byte("def")))
	require.NoError(t, store.FlushAll())
	require.NoError(t, store.Close())
}

func TestSwapPublishesGeneration(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	store, err := CreateRW(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.Suffix().AppendExn([]byte("livedata")))
	require.NoError(t, store.FlushAll())

	w, err := prefixfile.Create(root, 1)
	require.NoError(t, err)
	_, err = w.Append([]byte("livedata"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	m := mapping.Build([]mapping.Entry{{SrcOffset: 0, Length: 8, DstOffset: 0}})
	require.NoError(t, m.Save(mapping.FileName(root, 1)))

	require.NoError(t, store.Split())
	require.NoError(t, store.Swap(1, 8, store.Suffix().StartIdx(), store.Suffix().ChunkNum(), 0, 8))

	assert.Equal(t, int64(1), store.Generation())
	require.NotNil(t, store.Mapping())
	require.NotNil(t, store.Prefix())
	require.NoError(t, store.Close())
}

func TestCleanupRemovesResidualGenerations(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	store, err := CreateRW(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.FlushAll())

	stale := mapping.FileName(root, 99)
	require.NoError(t, mapping.Build(nil).Save(stale))

	require.NoError(t, store.Cleanup())

	_, err = mapping.Load(stale)
	assert.Error(t, err)
	require.NoError(t, store.Close())
}

func TestOpenRWRejectsNonMinimalStrategyAfterGC(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	store, err := CreateRW(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.FlushAll())

	w, err := prefixfile.Create(root, 1)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, mapping.Build(nil).Save(mapping.FileName(root, 1)))
	require.NoError(t, store.Split())
	require.NoError(t, store.Swap(1, 0, store.Suffix().StartIdx(), store.Suffix().ChunkNum(), 0, 0))
	require.NoError(t, store.Close())

	cfg2 := cfg
	cfg2.IndexingStrategy = config.Always
	_, err = OpenRW(cfg2, nil)
	assert.Error(t, err)
}
