package fm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/caspack/caspack/internal/control"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/ioutil"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/internal/suffix"
)

func reopenSuffix(fm *FileManager, pl control.Payload, suffixStart, deadBytes int64) (*suffix.Suffix, error) {
	return suffix.Open(fm.root, pl.ChunkStartIdx, pl.ChunkNum, fm.readonly, fm.cfg.SuffixAutoFlushThreshold, fm.cfg.UseFsync, suffixStart, deadBytes, fm.self.flushSuffixAndDeps)
}

// reopenGenerationLocked reopens the prefix and mapping for a new
// generation. The caller must reopen prefix before mapping and both
// before the suffix reopen that accompanies a swap, so that a reader
// racing on Reload never observes a generation number in the payload for
// which it has not yet opened prefix+mapping.
func (fm *FileManager) reopenGenerationLocked(gen int64) error {
	pf, err := prefixfile.Open(fm.root, gen)
	if err != nil {
		return err
	}
	mp, err := mapping.Load(mapping.FileName(fm.root, gen))
	if err != nil {
		return err
	}
	fm.pf = pf
	fm.mp = mp
	return nil
}

// Swap publishes a new generation produced by GC: it reopens prefix,
// mapping, and suffix (in that order) against the new chunk window, then
// updates the control payload last.
func (fm *FileManager) Swap(generation int64, suffixStartOffset int64, chunkStartIdx, chunkNum int, suffixDeadBytes, latestGcTargetOffset int64) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.readonly {
		return errs.ErrRoNotAllowed
	}
	if fm.inBatch {
		return errs.ErrGcForbiddenDuringBatch
	}

	if err := fm.reopenGenerationLocked(generation); err != nil {
		return fmt.Errorf("fm: swap: reopening generation %d: %w", generation, err)
	}

	oldSuf := fm.suf
	newSuf, err := suffix.Open(fm.root, chunkStartIdx, chunkNum, false, fm.cfg.SuffixAutoFlushThreshold, fm.cfg.UseFsync, suffixStartOffset, suffixDeadBytes, fm.self.flushSuffixAndDeps)
	if err != nil {
		return fmt.Errorf("fm: swap: reopening suffix: %w", err)
	}
	fm.suf = newSuf
	// the old chunk handles are closed here; Cleanup later unlinks the
	// chunk files outside the new window.
	_ = oldSuf.Close()

	pl := fm.control.Payload()
	pl.Status = control.Status{
		Kind:                 control.Gced,
		SuffixStartOffset:    suffixStartOffset,
		Generation:           generation,
		LatestGcTargetOffset: latestGcTargetOffset,
		SuffixDeadBytes:      suffixDeadBytes,
	}
	pl.ChunkStartIdx = chunkStartIdx
	pl.ChunkNum = chunkNum
	pl.SuffixEndPoff = newSuf.EndPoff()
	if err := fm.control.SetPayload(pl); err != nil {
		return fmt.Errorf("fm: swap: persisting control: %w", err)
	}
	return nil
}

// Split starts a new, empty appendable suffix chunk and records the
// widened chunk range in the control file. This is the point the GC
// worker uses to partition already-written bytes (which it will mark and
// copy) from bytes the writer appends while GC runs.
func (fm *FileManager) Split() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.readonly {
		return errs.ErrRoNotAllowed
	}
	if fm.inBatch {
		return errs.ErrSplitForbiddenDuringBatch
	}
	if err := fm.suf.AddChunk(); err != nil {
		return fmt.Errorf("fm: split: %w", err)
	}
	pl := fm.control.Payload()
	pl.ChunkNum = fm.suf.ChunkNum()
	pl.SuffixEndPoff = fm.suf.EndPoff()
	if err := fm.control.SetPayload(pl); err != nil {
		return fmt.Errorf("fm: split: persisting control: %w", err)
	}
	return nil
}

// BeginBatch/EndBatch bracket a Pack Store batch, during which GC and
// Split are forbidden (§4.9 / §4.12 Strategy errors).
func (fm *FileManager) BeginBatch() { fm.mu.Lock(); fm.inBatch = true; fm.mu.Unlock() }
func (fm *FileManager) EndBatch()   { fm.mu.Lock(); fm.inBatch = false; fm.mu.Unlock() }
func (fm *FileManager) InBatch() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.inBatch
}

// residualPrefixes is the set of residual, GC-related artefacts Cleanup
// recognises and removes when they don't match the live generation/chunk
// range.
var residualPrefixes = []string{"gc_result", "reachable", "sorted"}

// Cleanup removes every file matching the store's naming scheme that is
// not part of the set implied by the current control payload: stale
// generations' prefix/mapping files, suffix chunks outside
// [chunk_start_idx, chunk_start_idx+chunk_num), and worker scratch
// stragglers.
func (fm *FileManager) Cleanup() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.readonly {
		return errs.ErrRoNotAllowed
	}
	pl := fm.control.Payload()
	entries, err := ioutil.ReadDir(fm.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasPrefix(name, "store.prefix."):
			gen, ok := parseTrailingInt(name, "store.prefix.")
			if ok && (pl.Status.Kind != control.Gced || gen != pl.Status.Generation) {
				_ = ioutil.Unlink(fm.root + "/" + name)
			}
		case strings.HasPrefix(name, "store.mapping."):
			gen, ok := parseTrailingInt(name, "store.mapping.")
			if ok && (pl.Status.Kind != control.Gced || gen != pl.Status.Generation) {
				_ = ioutil.Unlink(fm.root + "/" + name)
			}
		case strings.HasPrefix(name, "store.") && strings.HasSuffix(name, ".suffix"):
			idx, ok := parseMiddleInt(name)
			if ok && (idx < pl.ChunkStartIdx || idx >= pl.ChunkStartIdx+pl.ChunkNum) {
				_ = ioutil.Unlink(fm.root + "/" + name)
			}
		default:
			for _, p := range residualPrefixes {
				if strings.HasPrefix(name, "store."+p) {
					_ = ioutil.Unlink(fm.root + "/" + name)
					break
				}
			}
		}
	}
	return nil
}

func parseTrailingInt(name, prefix string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimPrefix(name, prefix), 10, 64)
	return n, err == nil
}

func parseMiddleInt(name string) (int, bool) {
	rest := strings.TrimPrefix(name, "store.")
	rest = strings.TrimSuffix(rest, ".suffix")
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// Close closes every owned file. It refuses with ErrPendingFlush if any
// AO buffer is non-empty, so a successful Close always implies a durable
// store.
func (fm *FileManager) Close() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.closed {
		return errs.ErrClosed
	}
	if !fm.readonly && (fm.dict.Pending() || fm.suf.Pending()) {
		return errs.ErrPendingFlush
	}
	fm.closed = true
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	record(fm.dict.Close())
	record(fm.control.Close())
	record(fm.suf.Close())
	if fm.pf != nil {
		record(fm.pf.Close())
	}
	return firstErr
}
