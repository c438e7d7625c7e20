package gc

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/fm"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/pkg/hash"
	"github.com/caspack/caspack/pkg/packstore"
	"github.com/caspack/caspack/pkg/packval"
)

func testConfig(root string) config.Config {
	c := config.Default(root)
	c.DictAutoFlushThreshold = 1 << 20
	c.SuffixAutoFlushThreshold = 1 << 20
	c.UseFsync = false
	c.ContentsLengthHeader = config.VarintLengthHeader
	return c
}

func encodeOffsets(offs ...int64) []byte {
	buf := make([]byte, 8*len(offs))
	for i, o := range offs {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(o))
	}
	return buf
}

func childrenOf(kind packval.Kind, payload []byte) ([]int64, error) {
	switch kind {
	case packval.CommitV2, packval.InodeV2Root, packval.InodeV2Nonroot:
		out := make([]int64, len(payload)/8)
		for i := range out {
			out[i] = int64(binary.BigEndian.Uint64(payload[i*8:]))
		}
		return out, nil
	default:
		return nil, nil
	}
}

func buildGraph(t *testing.T, store *packstore.Store) (commitKey, contentKey *packval.Key, commitOff int64) {
	t.Helper()
	contentPayload := []byte("reachable content")
	contentKey, err := store.Add(packval.Contents, hash.Of(contentPayload), contentPayload, false)
	require.NoError(t, err)
	contentOff, _, _ := contentKey.Resolved()

	danglingPayload := []byte("unreachable content")
	_, err = store.Add(packval.Contents, hash.Of(danglingPayload), danglingPayload, false)
	require.NoError(t, err)

	nodePayload := encodeOffsets(contentOff)
	nodeKey, err := store.Add(packval.InodeV2Root, hash.Of(nodePayload), nodePayload, false)
	require.NoError(t, err)
	nodeOff, _, _ := nodeKey.Resolved()

	commitPayload := encodeOffsets(nodeOff)
	commitKey, err = store.Add(packval.CommitV2, hash.Of(commitPayload), commitPayload, true)
	require.NoError(t, err)
	commitOff, _, _ = commitKey.Resolved()

	return commitKey, contentKey, commitOff
}

func TestStartFinaliseSwapsOntoNewGeneration(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	manager, err := fm.CreateRW(cfg, nil)
	require.NoError(t, err)
	defer manager.Close()

	store, err := packstore.New(manager, true, nil)
	require.NoError(t, err)

	commitKey, contentKey, commitOff := buildGraph(t, store)
	require.NoError(t, manager.FlushAll())

	orch := New(manager, store, nil)
	require.NoError(t, orch.Start(commitKey, childrenOf))
	require.NoError(t, orch.Finalise(true))

	assert.Equal(t, int64(1), manager.Generation())
	assert.Equal(t, commitOff+mustLen(t, commitKey), manager.Suffix().StartOffset())

	entry, err := store.Find(commitKey)
	require.NoError(t, err)
	assert.Equal(t, packval.CommitV2, entry.Kind)

	entry, err = store.Find(contentKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("reachable content"), entry.Payload)
}

func TestFinaliseAfterCompletionReportsNotRunning(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	manager, err := fm.CreateRW(cfg, nil)
	require.NoError(t, err)
	defer manager.Close()

	store, err := packstore.New(manager, true, nil)
	require.NoError(t, err)
	commitKey, _, _ := buildGraph(t, store)
	require.NoError(t, manager.FlushAll())

	orch := New(manager, store, nil)
	require.NoError(t, orch.Start(commitKey, childrenOf))
	require.NoError(t, orch.Finalise(true))

	err = orch.Finalise(false)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartRejectsSecondConcurrentAttempt(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	manager, err := fm.CreateRW(cfg, nil)
	require.NoError(t, err)
	defer manager.Close()

	store, err := packstore.New(manager, true, nil)
	require.NoError(t, err)
	commitKey, _, _ := buildGraph(t, store)
	require.NoError(t, manager.FlushAll())

	orch := New(manager, store, nil)
	require.NoError(t, orch.Start(commitKey, childrenOf))
	err = orch.Start(commitKey, childrenOf)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	require.NoError(t, orch.Finalise(true))
}

func TestCancelledAttemptLeavesPriorGenerationAndRetrySucceeds(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := testConfig(root)
	manager, err := fm.CreateRW(cfg, nil)
	require.NoError(t, err)
	defer manager.Close()

	store, err := packstore.New(manager, true, nil)
	require.NoError(t, err)
	commitKey, _, _ := buildGraph(t, store)
	require.NoError(t, manager.FlushAll())

	orch := New(manager, store, nil)
	require.NoError(t, orch.Start(commitKey, childrenOf))
	require.NoError(t, orch.Cancel())

	err = orch.Finalise(true)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrGcProcessError)
	assert.Equal(t, int64(0), manager.Generation(), "a cancelled attempt must not advance the generation")

	_, statErr := os.Stat(prefixfile.FileName(root, 1))
	assert.True(t, os.IsNotExist(statErr), "FM.Cleanup must remove the cancelled attempt's prefix.1")
	_, statErr = os.Stat(mapping.FileName(root, 1))
	assert.True(t, os.IsNotExist(statErr), "FM.Cleanup must remove the cancelled attempt's mapping.1")

	// A subsequent GC attempt at the same commit key must still succeed.
	require.NoError(t, orch.Start(commitKey, childrenOf))
	require.NoError(t, orch.Finalise(true))
	assert.Equal(t, int64(1), manager.Generation())
}

// mustLen resolves k's length, used only to compute the expected post-GC
// suffix_start_offset from the test's own commit key.
func mustLen(t *testing.T, k *packval.Key) int64 {
	t.Helper()
	_, length, ok := k.Resolved()
	require.True(t, ok)
	return length
}
