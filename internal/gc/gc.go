// Package gc drives one GC attempt end-to-end: it resolves a commit key
// to its mark-phase starting point, splits the suffix to fence off the
// bytes the worker may touch, runs the worker as a background task, and
// on success swaps the file manager onto the new generation.
package gc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/caspack/caspack/internal/asynctask"
	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/fm"
	"github.com/caspack/caspack/internal/gcworker"
	"github.com/caspack/caspack/internal/ioutil"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/pkg/packstore"
	"github.com/caspack/caspack/pkg/packval"
)

// ErrAlreadyRunning is returned by Start when an attempt is already in
// flight.
var ErrAlreadyRunning = errors.New("gc: an attempt is already running")

// ErrNotRunning is returned by Finalise/Cancel when there is nothing to
// act on.
var ErrNotRunning = errors.New("gc: no attempt is running")

// ErrStillRunning is returned by Finalise(wait=false) while the worker
// has not yet finished.
var ErrStillRunning = errors.New("gc: attempt still running")

// Orchestrator owns the lifecycle of at most one GC attempt at a time
// against a single store.
type Orchestrator struct {
	mu     sync.Mutex
	fm     *fm.FileManager
	store  *packstore.Store
	logger *zap.Logger

	running *attempt
}

type attempt struct {
	id     uuid.UUID
	task   *asynctask.Task
	result gcworker.Result
}

// New builds an orchestrator over m and s, which must share the same
// FileManager.
func New(m *fm.FileManager, s *packstore.Store, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{fm: m, store: s, logger: logger}
}

// Start resolves commitKey to its entry, splits the suffix, and spawns
// the mark-and-copy worker in the background. children decodes a
// commit/node payload into the offsets of the values it references; it
// is the same collaborator gcworker.Params.Children expects.
func (o *Orchestrator) Start(commitKey *packval.Key, children gcworker.ChildrenFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running != nil {
		return ErrAlreadyRunning
	}

	commitOff, commitLen, err := o.store.ResolveCommitKey(commitKey)
	if err != nil {
		return err
	}

	generation := o.fm.Generation() + 1
	root := o.fm.Root()
	// A crashed-then-retried attempt may have left a partial prefix/mapping
	// for this same generation (the committed generation never advanced,
	// so the retry targets the same number); clear them before the worker
	// writes fresh ones.
	_ = ioutil.Unlink(prefixfile.FileName(root, generation))
	_ = ioutil.Unlink(mapping.FileName(root, generation))

	if err := o.fm.Split(); err != nil {
		return fmt.Errorf("gc: start: %w", err)
	}

	suf := o.fm.Suffix()
	params := gcworker.Params{
		Root:              root,
		Generation:        generation,
		CommitOffset:      commitOff,
		CommitLength:      commitLen,
		ChunkStartIdx:     suf.StartIdx(),
		ChunkNum:          suf.ChunkNum(),
		ChunkBoundaries:   suf.ChunkBoundaries(),
		ContentsHasHeader: o.fm.Config().ContentsLengthHeader == config.VarintLengthHeader,
		Children:          children,
	}
	disp := o.fm.Dispatcher()

	a := &attempt{id: uuid.New()}
	o.logger.Info("gc: starting",
		zap.String("attempt_id", a.id.String()),
		zap.Int64("generation", generation),
		zap.Int64("commit_offset", commitOff),
	)

	a.task = asynctask.Spawn(func(cancel <-chan struct{}) error {
		select {
		case <-cancel:
			return asynctask.ErrCancelled
		default:
		}
		result, err := gcworker.Run(params, disp, cancel)
		if errors.Is(err, gcworker.ErrCancelled) {
			return asynctask.ErrCancelled
		}
		if err != nil {
			return err
		}
		a.result = result
		return nil
	})
	o.running = a
	return nil
}

// Cancel asks the running attempt to stop. The worker polls for
// cancellation between mark visits and between copied ranges, so it
// generally aborts well before the mark/copy pass completes; it is still
// best-effort rather than a guaranteed abort, since a single mark or copy
// step is not itself interruptible.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running == nil {
		return ErrNotRunning
	}
	o.running.task.Cancel()
	return nil
}

// Finalise reports the running attempt's outcome. With wait=false it
// returns ErrStillRunning immediately if the worker hasn't finished; with
// wait=true it polls the worker's status until it has. On success it
// swaps the file manager onto the new generation, purges the pack
// store's LRU, refreshes its dispatcher, and cleans up residual files.
func (o *Orchestrator) Finalise(wait bool) error {
	o.mu.Lock()
	a := o.running
	o.mu.Unlock()
	if a == nil {
		return ErrNotRunning
	}

	if !wait {
		select {
		case <-a.task.Done():
		default:
			return ErrStillRunning
		}
	} else {
		pollUntilDone(a.task)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	switch status := a.task.Status(); status {
	case asynctask.Success:
		err := o.swapLocked(a.result)
		o.running = nil
		return err
	case asynctask.Cancelled:
		o.running = nil
		if err := o.fm.Cleanup(); err != nil {
			o.logger.Warn("gc: cleanup after cancel", zap.Error(err))
		}
		return pkgerrors.Wrap(fmt.Errorf("%w: cancelled", errs.ErrGcProcessError), "gc: attempt "+a.id.String())
	default:
		o.running = nil
		if err := o.fm.Cleanup(); err != nil {
			o.logger.Warn("gc: cleanup after failure", zap.Error(err))
		}
		return pkgerrors.Wrap(fmt.Errorf("%w: %v", errs.ErrGcProcessError, a.task.Err()), "gc: attempt "+a.id.String()+" failed")
	}
}

func pollUntilDone(task *asynctask.Task) {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: 250 * time.Millisecond, Factor: 2, Jitter: true}
	for {
		select {
		case <-task.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

// swapLocked must be called with o.mu held. It reconciles the live chunk
// count against whatever chunks the writer split off while the worker
// was running, since result.ChunkNum only reflects the layout as of
// Start.
func (o *Orchestrator) swapLocked(result gcworker.Result) error {
	currentChunkNum := o.fm.Suffix().ChunkNum()
	chunkNum := currentChunkNum - len(result.RemovableChunkIdxs)
	if chunkNum < 1 {
		return fmt.Errorf("gc: reconciled chunk_num %d: %w", chunkNum, errs.ErrInconsistentStore)
	}

	if err := o.fm.Swap(result.Generation, result.SuffixStartOffset, result.ChunkStartIdx, chunkNum, result.SuffixDeadBytes, result.SuffixStartOffset); err != nil {
		return pkgerrors.Wrap(err, "gc: swap")
	}
	o.store.PurgeLRU()
	o.store.RefreshDispatcher()
	if err := o.fm.Cleanup(); err != nil {
		o.logger.Warn("gc: cleanup after swap", zap.Error(err))
	}

	o.logger.Info("gc: finalised",
		zap.Int64("generation", result.Generation),
		zap.String("bytes_copied", humanize.Bytes(uint64(result.Stats.BytesCopied))),
		zap.Int("entries_visited", result.Stats.EntriesVisited),
		zap.Int("chunks_removed", len(result.RemovableChunkIdxs)),
	)
	return nil
}
