// Package packstore implements the content-addressed Pack Store:
// mem/find/add against the suffix (via the dispatcher), a staging table
// for writes pending the next flush, and an offset-keyed LRU for reads.
package packstore

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/dispatch"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/fm"
	"github.com/caspack/caspack/internal/index"
	"github.com/caspack/caspack/pkg/hash"
	"github.com/caspack/caspack/pkg/packval"
)

// Entry is a resolved pack value: its kind tag and decoded payload
// (the wire entry's hash and length header already stripped).
type Entry struct {
	Kind    packval.Kind
	Payload []byte
}

// Store is the content-addressed front end over a single FileManager.
type Store struct {
	mu sync.Mutex

	fm   *fm.FileManager
	disp *dispatch.Dispatcher

	staging map[hash.Hash]Entry
	lru     *lru.Cache[int64, Entry]
	lruCap  int

	checkIntegrity bool
	logger         *zap.Logger
}

// New builds a Store over m. checkIntegrity enables the extra hash
// verification Find performs on every pack-file hit; Mem verifies the
// hash regardless.
func New(m *fm.FileManager, checkIntegrity bool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	capEntries := m.Config().LRUSize
	if capEntries <= 0 {
		capEntries = 1
	}
	c, err := lru.New[int64, Entry](capEntries)
	if err != nil {
		return nil, fmt.Errorf("packstore: building lru: %w", err)
	}
	s := &Store{
		fm:             m,
		disp:           m.Dispatcher(),
		staging:        make(map[hash.Hash]Entry),
		lru:            c,
		lruCap:         capEntries,
		checkIntegrity: checkIntegrity,
		logger:         logger,
	}
	m.RegisterAfterFlush(s.clearStaging)
	return s, nil
}

func (s *Store) clearStaging() error {
	s.mu.Lock()
	s.staging = make(map[hash.Hash]Entry)
	s.mu.Unlock()
	return nil
}

// RefreshDispatcher rebuilds the store's dispatcher from the FileManager's
// current suffix/mapping/prefix triple. Callers must invoke this after any
// FM Reload or Swap, since those replace fm's mapping/prefix wholesale.
func (s *Store) RefreshDispatcher() {
	s.mu.Lock()
	s.disp = s.fm.Dispatcher()
	s.mu.Unlock()
}

// PurgeLRU drops every cached entry, used by the GC orchestrator after a
// swap publishes a new generation (old offsets no longer mean anything).
func (s *Store) PurgeLRU() {
	s.mu.Lock()
	s.lru.Purge()
	s.mu.Unlock()
}

// Index exposes the underlying index lookup, per §4.9's index(hash).
func (s *Store) Index(h hash.Hash) (index.Record, bool) {
	return s.fm.Index().Find(h)
}

// ResolveCommitKey promotes k to Direct and returns its offset/length,
// the entry point the GC orchestrator uses to turn a caller-supplied
// commit hash into the mark phase's starting point. It returns
// errs.ErrCommitKeyIsDangling if k cannot be resolved to an entry at all.
func (s *Store) ResolveCommitKey(k *packval.Key) (offset, length int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, l, ok, err := s.resolveOffsetLocked(k)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("packstore: commit hash %s: %w", k.Hash(), errs.ErrCommitKeyIsDangling)
	}
	return off, l, nil
}

// oversizeThreshold is 10% of the configured LRU capacity, read as a byte
// budget; a payload larger than it is demoted to weight infinity and
// never cached (§3, LRU entity).
func (s *Store) oversizeThreshold() int {
	t := s.lruCap / 10
	if t <= 0 {
		t = 1
	}
	return t
}

func (s *Store) cacheInsertLocked(off int64, e Entry) {
	if len(e.Payload) > s.oversizeThreshold() {
		return
	}
	s.lru.Add(off, e)
}

// resolveOffsetLocked returns k's (offset, length), promoting an Indexed
// key to Direct in place on a successful index probe.
func (s *Store) resolveOffsetLocked(k *packval.Key) (off, length int64, ok bool, err error) {
	if off, length, direct := k.Resolved(); direct {
		return off, length, true, nil
	}
	rec, found := s.fm.Index().Find(k.Hash())
	if !found {
		return 0, 0, false, nil
	}
	k.Promote(rec.Offset, rec.Length)
	return rec.Offset, rec.Length, true, nil
}

// memLocked implements §4.9's mem(k) rules.
func (s *Store) memLocked(k *packval.Key) (bool, error) {
	h := k.Hash()
	if _, ok := s.staging[h]; ok {
		return true, nil
	}
	if off, _, direct := k.Resolved(); direct {
		if _, ok := s.lru.Get(off); ok {
			return true, nil
		}
	}

	off, length, ok, err := s.resolveOffsetLocked(k)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	probeLen := int64(hash.ByteLen + 1)
	if length > 0 && length < probeLen {
		probeLen = length
	}
	acc, err := s.disp.CreateAccessorExn(off, probeLen)
	if err != nil {
		return false, err
	}
	buf := make([]byte, probeLen)
	if err := s.disp.ReadExn(acc, buf); err != nil {
		return false, err
	}
	if len(buf) < hash.ByteLen+1 {
		return false, fmt.Errorf("packstore: mem probe at offset %d: %w", off, errs.ErrCorruptedStore)
	}
	kind := packval.Kind(buf[hash.ByteLen])
	if kind == packval.DanglingParentCommit {
		return false, nil
	}
	got := hash.New(buf[:hash.ByteLen])
	if got != h {
		return false, fmt.Errorf("packstore: mem probe at offset %d: %w", off, errs.ErrCorruptedStore)
	}
	return true, nil
}

// Mem reports whether k's value is present.
func (s *Store) Mem(k *packval.Key) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memLocked(k)
}

// Find resolves k to its decoded entry via staging, the LRU (Direct keys
// only), and finally a pack-file read routed through the dispatcher.
func (s *Store) Find(k *packval.Key) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := k.Hash()
	if e, ok := s.staging[h]; ok {
		return e, nil
	}
	if off, _, direct := k.Resolved(); direct {
		if e, ok := s.lru.Get(off); ok {
			return e, nil
		}
	}

	off, length, ok, err := s.resolveOffsetLocked(k)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("packstore: hash %s: %w", h, errs.ErrDanglingKey)
	}

	acc, err := s.disp.CreateAccessorExn(off, length)
	if err != nil {
		return Entry{}, err
	}
	buf := make([]byte, length)
	if err := s.disp.ReadExn(acc, buf); err != nil {
		return Entry{}, err
	}

	ep, err := packval.DecodeEntryPrefix(buf, s.fm.Config().ContentsLengthHeader == config.VarintLengthHeader)
	if err != nil {
		return Entry{}, fmt.Errorf("packstore: decoding entry at offset %d: %w", off, err)
	}
	if s.checkIntegrity && ep.Hash != h {
		return Entry{}, fmt.Errorf("packstore: offset %d: %w", off, errs.ErrCorruptedStore)
	}

	payloadStart := hash.ByteLen + 1 + ep.HeaderLen
	e := Entry{Kind: ep.Kind, Payload: append([]byte(nil), buf[payloadStart:]...)}
	s.cacheInsertLocked(off, e)
	return e, nil
}

// Add appends payload (the caller's already-encoded value bytes) framed
// with the wire header, registers it in the index when the configured
// strategy calls for it, and inserts it into staging and the LRU.
// ensureUnique skips the append and returns the existing Indexed key when
// the hash is already indexed (a dedup fast path; it never promises the
// hash is absent from staging-only or unindexed suffix bytes).
func (s *Store) Add(kind packval.Kind, h hash.Hash, payload []byte, ensureUnique bool) (*packval.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := s.fm.Config()
	useIndex := cfg.IndexingStrategy != config.Minimal || kind.IsCommit()

	if ensureUnique && useIndex {
		if ok, err := s.memLocked(packval.NewIndexed(h)); err != nil {
			return nil, err
		} else if ok {
			return packval.NewIndexed(h), nil
		}
	}

	hasHeader := kind.HasLengthHeader()
	if kind == packval.Contents {
		hasHeader = cfg.ContentsLengthHeader == config.VarintLengthHeader
	}

	suf := s.fm.Suffix()
	start := suf.EndPoff()
	rec := packval.EncodeHeader(h, kind, hasHeader, len(payload))
	rec = append(rec, payload...)
	if err := suf.AppendExn(rec); err != nil {
		return nil, fmt.Errorf("packstore: appending entry: %w", err)
	}
	length := suf.EndPoff() - start

	key := packval.NewDirect(h, start, length)
	if useIndex {
		if err := s.fm.Index().Add(h, index.Record{Offset: start, Length: length, Kind: kind}, true); err != nil {
			return nil, fmt.Errorf("packstore: indexing entry: %w", err)
		}
	}

	cp := append([]byte(nil), payload...)
	s.staging[h] = Entry{Kind: kind, Payload: cp}
	s.cacheInsertLocked(start, Entry{Kind: kind, Payload: cp})

	return key, nil
}

// IntegrityCheck reads the entry at [offset, offset+length) and reports
// whether its stored hash equals want.
func (s *Store) IntegrityCheck(offset, length int64, want hash.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.disp.CreateAccessorExn(offset, length)
	if err != nil {
		return false, err
	}
	buf := make([]byte, length)
	if err := s.disp.ReadExn(acc, buf); err != nil {
		return false, err
	}
	if len(buf) < hash.ByteLen {
		return false, fmt.Errorf("packstore: integrity check at offset %d: %w", offset, errs.ErrReadOutOfBounds)
	}
	return hash.New(buf[:hash.ByteLen]) == want, nil
}

// KeyOfOffset materialises the key of an inode/commit child reference
// stored at absolute offset off, reading only its entry prefix (§4.9,
// "Decoding references").
func (s *Store) KeyOfOffset(off int64) (*packval.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.disp.CreateAccessorFromRangeExn(off, int64(hash.ByteLen+1), int64(packval.PrefixLen))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, acc.Length)
	if err := s.disp.ReadExn(acc, buf); err != nil {
		return nil, err
	}

	contentsHeader := s.fm.Config().ContentsLengthHeader == config.VarintLengthHeader
	ep, err := packval.DecodeEntryPrefix(buf, contentsHeader)
	if err != nil {
		return nil, err
	}

	if ep.Kind == packval.DanglingParentCommit {
		// Dangling records carry no header of their own; upgrade to the
		// kind they really are (commit_v2, which does) to recover the
		// length, by re-decoding with the kind byte overwritten.
		forced := append([]byte(nil), buf...)
		forced[hash.ByteLen] = byte(packval.UpgradeDangling(ep.Kind))
		ep2, err := packval.DecodeEntryPrefix(forced, contentsHeader)
		if err != nil {
			return nil, err
		}
		return packval.NewDirect(ep2.Hash, off, ep2.TotalLen), nil
	}
	if !ep.HasLenHeader {
		return packval.NewIndexed(ep.Hash), nil
	}
	return packval.NewDirect(ep.Hash, off, ep.TotalLen), nil
}

// Batch runs f with GC and split forbidden for the duration, then flushes
// the file manager regardless of f's outcome: on f's success the flush
// error (if any) is returned; on f's failure the flush is still attempted
// and any flush error is only logged, so f's original error always wins.
func (s *Store) Batch(f func() error) error {
	s.fm.BeginBatch()
	defer s.fm.EndBatch()

	ferr := f()
	if flushErr := s.fm.FlushAll(); flushErr != nil {
		if ferr == nil {
			return fmt.Errorf("packstore: batch flush: %w", flushErr)
		}
		s.logger.Error("pack store batch: flush after failed callback", zap.Error(flushErr))
	}
	return ferr
}
