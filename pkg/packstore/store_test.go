package packstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/fm"
	"github.com/caspack/caspack/pkg/hash"
	"github.com/caspack/caspack/pkg/packval"
)

func newTestStore(t *testing.T) (*Store, *fm.FileManager) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "store")
	cfg := config.Default(root)
	cfg.DictAutoFlushThreshold = 1 << 20
	cfg.SuffixAutoFlushThreshold = 1 << 20
	cfg.LRUSize = 100

	manager, err := fm.CreateRW(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	s, err := New(manager, true, nil)
	require.NoError(t, err)
	return s, manager
}

func TestAddThenFindViaStaging(t *testing.T) {
	s, _ := newTestStore(t)

	payload := []byte("hello world")
	h := hash.Of(payload)
	key, err := s.Add(packval.CommitV2, h, payload, false)
	require.NoError(t, err)
	assert.True(t, key.IsDirect())

	got, err := s.Find(key)
	require.NoError(t, err)
	assert.Equal(t, packval.CommitV2, got.Kind)
	assert.Equal(t, payload, got.Payload)

	ok, err := s.Mem(key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFindAfterFlushClearsStagingButReadsFromSuffix(t *testing.T) {
	s, manager := newTestStore(t)

	payload := []byte("persisted contents")
	h := hash.Of(payload)
	key, err := s.Add(packval.Contents, h, payload, false)
	require.NoError(t, err)

	require.NoError(t, manager.FlushAll())

	got, err := s.Find(key)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
}

func TestAddEnsureUniqueSkipsDuplicateCommit(t *testing.T) {
	s, _ := newTestStore(t)

	payload := []byte("a commit body")
	h := hash.Of(payload)

	key1, err := s.Add(packval.CommitV2, h, payload, true)
	require.NoError(t, err)
	require.True(t, key1.IsDirect())

	key2, err := s.Add(packval.CommitV2, h, payload, true)
	require.NoError(t, err)
	assert.False(t, key2.IsDirect())
	assert.Equal(t, h, key2.Hash())
}

func TestFindIndexedResolvesViaIndex(t *testing.T) {
	s, manager := newTestStore(t)

	payload := []byte("indexed commit")
	h := hash.Of(payload)
	_, err := s.Add(packval.CommitV2, h, payload, false)
	require.NoError(t, err)
	require.NoError(t, manager.FlushAll())

	indexed := packval.NewIndexed(h)
	got, err := s.Find(indexed)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)
	assert.True(t, indexed.IsDirect(), "a successful index resolution promotes the key in place")
}

func TestFindUnknownHashReturnsDanglingKey(t *testing.T) {
	s, _ := newTestStore(t)

	unknown := packval.NewIndexed(hash.Of([]byte("never written")))
	_, err := s.Find(unknown)
	assert.ErrorIs(t, err, errs.ErrDanglingKey)
}

func TestMemRejectsDanglingParentCommit(t *testing.T) {
	s, manager := newTestStore(t)

	payload := []byte("dangling body")
	h := hash.Of(payload)
	key, err := s.Add(packval.DanglingParentCommit, h, payload, false)
	require.NoError(t, err)
	require.NoError(t, manager.FlushAll())

	// Force the probe to hit the pack file instead of staging/LRU.
	s.PurgeLRU()
	off, length, _ := key.Resolved()
	fresh := packval.NewDirect(h, off, length)
	delete(s.staging, h)

	ok, err := s.Mem(fresh)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyOfOffsetForContentsWithHeader(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")
	cfg := config.Default(root)
	cfg.ContentsLengthHeader = config.VarintLengthHeader
	manager, err := fm.CreateRW(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	s, err := New(manager, false, nil)
	require.NoError(t, err)

	payload := []byte("child content")
	h := hash.Of(payload)
	key, err := s.Add(packval.Contents, h, payload, false)
	require.NoError(t, err)
	off, _, _ := key.Resolved()
	require.NoError(t, manager.FlushAll())

	child, err := s.KeyOfOffset(off)
	require.NoError(t, err)
	assert.True(t, child.IsDirect())
	assert.Equal(t, h, child.Hash())
}

func TestBatchFlushesOnSuccessAndForbidsSplitMeanwhile(t *testing.T) {
	s, manager := newTestStore(t)

	err := s.Batch(func() error {
		assert.True(t, manager.InBatch())
		assert.ErrorIs(t, manager.Split(), errs.ErrSplitForbiddenDuringBatch)
		_, addErr := s.Add(packval.CommitV2, hash.Of([]byte("in-batch")), []byte("in-batch"), false)
		return addErr
	})
	require.NoError(t, err)
	assert.False(t, manager.InBatch())
	assert.False(t, manager.Suffix().Pending())
}

func TestIntegrityCheckDetectsMismatch(t *testing.T) {
	s, manager := newTestStore(t)

	payload := []byte("checked value")
	h := hash.Of(payload)
	key, err := s.Add(packval.Contents, h, payload, false)
	require.NoError(t, err)
	require.NoError(t, manager.FlushAll())

	off, length, _ := key.Resolved()
	ok, err := s.IntegrityCheck(off, length, h)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IntegrityCheck(off, length, hash.Of([]byte("wrong")))
	require.NoError(t, err)
	assert.False(t, ok)
}
