package fm

import (
	"fmt"

	"github.com/caspack/caspack/internal/control"
	"github.com/caspack/caspack/internal/errs"
)

// FlushAll runs the full three-stage flush: dict, then suffix (which
// flushes dict first), then index (which flushes suffix first). Each
// stage is a no-op if its buffer is already empty.
func (fm *FileManager) FlushAll() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.flushIndexAndDepsLocked()
}

func (fm *FileManager) flushDictLocked() error {
	if fm.readonly {
		return errs.ErrRoNotAllowed
	}
	if !fm.dict.Pending() {
		return nil
	}
	if err := fm.dict.Flush(); err != nil {
		return fmt.Errorf("fm: flushing dict: %w", err)
	}
	if fm.cfg.UseFsync {
		if err := fm.dict.Fsync(); err != nil {
			return fmt.Errorf("fm: fsyncing dict: %w", err)
		}
	}
	pl := fm.control.Payload()
	pl.DictEndPoff = fm.dict.EndPoff()
	if err := fm.control.SetPayload(pl); err != nil {
		return fmt.Errorf("fm: persisting control after dict flush: %w", err)
	}
	return nil
}

func (fm *FileManager) flushSuffixAndDepsLocked() error {
	if fm.readonly {
		return errs.ErrRoNotAllowed
	}
	if err := fm.flushDictLocked(); err != nil {
		return err
	}
	if !fm.suf.Pending() {
		return nil
	}
	if err := fm.suf.Flush(); err != nil {
		return fmt.Errorf("fm: flushing suffix: %w", err)
	}
	if fm.cfg.UseFsync {
		if err := fm.suf.Fsync(); err != nil {
			return fmt.Errorf("fm: fsyncing suffix: %w", err)
		}
	}
	pl := fm.control.Payload()
	pl.SuffixEndPoff = fm.suf.EndPoff()
	if pl.Status.Kind == control.NoGcYet && fm.cfg.IndexingStrategy != 0 {
		// Non-minimal indexing strategy in effect pre-GC: record it so a
		// later OpenRW after a GC refuses to proceed (see
		// ErrOnlyMinimalIndexingStrategyAllowed).
		pl.Status = control.Status{Kind: control.UsedNonMinimalIndexingStrategy}
	}
	if err := fm.control.SetPayload(pl); err != nil {
		return fmt.Errorf("fm: persisting control after suffix flush: %w", err)
	}
	for _, cb := range fm.afterFlush {
		if err := cb(); err != nil {
			return fmt.Errorf("fm: after-flush consumer: %w", err)
		}
	}
	return nil
}

func (fm *FileManager) flushIndexAndDepsLocked() error {
	if fm.readonly {
		return errs.ErrRoNotAllowed
	}
	if err := fm.flushSuffixAndDepsLocked(); err != nil {
		return err
	}
	if err := fm.idx.Flush(fm.cfg.UseFsync); err != nil {
		return fmt.Errorf("fm: flushing index: %w", err)
	}
	return nil
}

// Reload implements the five-step reload protocol for a read-only handle.
func (fm *FileManager) Reload(hook func(step int)) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	call := func(step int) {
		if hook != nil {
			hook(step)
		}
	}

	// Step 1: reload index.
	if err := fm.idx.Reload(); err != nil {
		return fmt.Errorf("fm: reload step 1 (index): %w", err)
	}
	call(1)

	// Step 2: reload control; stop if unchanged.
	prev := fm.control.Payload()
	next, err := fm.control.Reload()
	if err != nil {
		return fmt.Errorf("fm: reload step 2 (control): %w", err)
	}
	call(2)
	if next == prev {
		return nil
	}

	// Step 3: reopen prefix/mapping, then suffix, if their identity changed.
	if next.Status.Kind == control.Gced && (prev.Status.Kind != control.Gced || next.Status.Generation != prev.Status.Generation) {
		if err := fm.reopenGenerationLocked(next.Status.Generation); err != nil {
			return fmt.Errorf("fm: reload step 3 (reopening generation): %w", err)
		}
	}
	if next.ChunkNum != prev.ChunkNum || next.ChunkStartIdx != prev.ChunkStartIdx {
		if err := fm.suf.Close(); err != nil {
			return fmt.Errorf("fm: reload step 3 (closing suffix): %w", err)
		}
		var suffixStart, deadBytes int64
		if next.Status.Kind == control.Gced {
			suffixStart = next.Status.SuffixStartOffset
			deadBytes = next.Status.SuffixDeadBytes
		}
		newSuf, err := reopenSuffix(fm, next, suffixStart, deadBytes)
		if err != nil {
			return fmt.Errorf("fm: reload step 3 (reopening suffix): %w", err)
		}
		fm.suf = newSuf
	}
	call(3)

	// Step 4: refresh end offsets.
	fm.suf.RefreshEndPoff(next.SuffixEndPoff)
	if err := fm.dict.Refresh(next.DictEndPoff); err != nil {
		return fmt.Errorf("fm: reload step 4 (dict refresh): %w", err)
	}
	call(4)

	// Step 5: dict consumers' after-reload callbacks already ran inside
	// Dict.Refresh; nothing further to do here, kept as an explicit step
	// to mirror the spec's five-step protocol.
	call(5)

	return nil
}
