// Package gcworker implements the mark-and-copy GC pass: given a commit
// offset, it traverses the reachable object graph, copies the live set
// into a fresh prefix file, and writes the mapping that redirects old
// offsets into it. It never mutates any file outside its own
// generation-suffixed outputs.
package gcworker

import (
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/caspack/caspack/internal/dispatch"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/pkg/hash"
	"github.com/caspack/caspack/pkg/packval"
)

// ChildrenFunc decodes a value's payload into the absolute offsets of the
// objects it references (commit -> parent/root node, node -> children).
// Serialization of domain values is an external collaborator per spec; the
// worker is generic over it.
type ChildrenFunc func(kind packval.Kind, payload []byte) ([]int64, error)

// markRange is a contiguous span of live bytes discovered during mark.
type markRange struct {
	offset int64
	length int64
}

// Stats summarizes one worker run, carried into the result record the
// orchestrator reads.
type Stats struct {
	EntriesVisited  int
	RangesCoalesced int
	BytesCopied     int64
}

// Result is everything the orchestrator needs to call FileManager.Swap,
// plus which chunks it may now remove.
type Result struct {
	Generation         int64
	SuffixStartOffset  int64
	ChunkStartIdx      int
	ChunkNum           int
	SuffixDeadBytes    int64
	RemovableChunkIdxs []int
	Stats              Stats
}

// Params configures one worker run.
type Params struct {
	Root         string
	Generation   int64
	CommitOffset int64
	CommitLength int64

	// ChunkStartIdx/ChunkNum/ChunkBoundaries describe the suffix's chunk
	// layout as of when the writer called Split: ChunkBoundaries[i] is the
	// absolute start offset of chunk ChunkStartIdx+i.
	ChunkStartIdx   int
	ChunkNum        int
	ChunkBoundaries []int64

	ContentsHasHeader bool
	Children          ChildrenFunc

	// ChildFanout bounds concurrent child-prefix reads during mark.
	ChildFanout int
}

// Run executes the mark / sort-and-coalesce / copy / report pipeline
// against a frozen snapshot: disp must resolve only offsets at or below
// CommitOffset+CommitLength, i.e. a dispatcher built before the writer's
// post-split appends could extend the suffix further. The caller is
// responsible for ensuring disp isn't mutated (swapped to a new
// generation) while Run is in flight.
//
// cancel, if non-nil, is polled between mark visits and between copied
// ranges; a closed channel aborts the run with ErrCancelled before any
// prefix/mapping file for this generation is left in a readable state.
func Run(params Params, disp *dispatch.Dispatcher, cancel <-chan struct{}) (Result, error) {
	w := &worker{params: params, disp: disp, visited: make(map[int64]struct{}), cancel: cancel}
	if err := w.mark(params.CommitOffset, params.CommitLength); err != nil {
		return Result{}, err
	}

	sort.Slice(w.ranges, func(i, j int) bool { return w.ranges[i].offset < w.ranges[j].offset })
	coalesced := coalesce(w.ranges)
	w.stats.RangesCoalesced = len(coalesced)

	copied, err := w.copy(coalesced)
	if err != nil {
		return Result{}, err
	}
	// The prefix file is written per coalesced range (fewer, larger I/Os),
	// but the mapping must resolve every individually-marked offset
	// exactly, so each original entry gets its own record pointing at its
	// offset within whichever coalesced range absorbed it.
	entries := mappingEntries(w.ranges, copied)

	m := mapping.Build(entries)
	if err := m.Save(mapping.FileName(params.Root, params.Generation)); err != nil {
		return Result{}, fmt.Errorf("gcworker: saving mapping.%d: %w", params.Generation, err)
	}

	newStart := params.CommitOffset + params.CommitLength
	chunkIdx, deadBytes, err := locateChunk(params.ChunkStartIdx, params.ChunkBoundaries, newStart)
	if err != nil {
		return Result{}, err
	}
	var removable []int
	for i := params.ChunkStartIdx; i < chunkIdx; i++ {
		removable = append(removable, i)
	}

	return Result{
		Generation:         params.Generation,
		SuffixStartOffset:  newStart,
		ChunkStartIdx:      chunkIdx,
		ChunkNum:           params.ChunkStartIdx + params.ChunkNum - chunkIdx,
		SuffixDeadBytes:    deadBytes,
		RemovableChunkIdxs: removable,
		Stats:              w.stats,
	}, nil
}

type worker struct {
	params  Params
	disp    *dispatch.Dispatcher
	visited map[int64]struct{}
	ranges  []markRange
	stats   Stats
	cancel  <-chan struct{}
}

// ErrCancelled is returned by Run when cancel closed before the worker
// finished. The orchestrator's task layer maps this into its own
// cancelled status.
var ErrCancelled = fmt.Errorf("gcworker: cancelled")

func (w *worker) cancelled() bool {
	if w.cancel == nil {
		return false
	}
	select {
	case <-w.cancel:
		return true
	default:
		return false
	}
}

// mark visits the entry at (off, length), records it as live, and
// recurses into its children (read concurrently, bounded by
// params.ChildFanout).
func (w *worker) mark(off, length int64) error {
	if w.cancelled() {
		return ErrCancelled
	}
	if _, ok := w.visited[off]; ok {
		return nil
	}
	w.visited[off] = struct{}{}
	w.stats.EntriesVisited++
	w.ranges = append(w.ranges, markRange{offset: off, length: length})

	buf, err := w.readEntry(off, length)
	if err != nil {
		return fmt.Errorf("gcworker: mark: reading entry at %d: %w", off, err)
	}
	ep, err := packval.DecodeEntryPrefix(buf, w.params.ContentsHasHeader)
	if err != nil {
		return fmt.Errorf("gcworker: mark: decoding entry at %d: %w", off, err)
	}
	if w.params.Children == nil {
		return nil
	}
	payload := buf[hash.ByteLen+1+ep.HeaderLen:]
	children, err := w.params.Children(ep.Kind, payload)
	if err != nil {
		return fmt.Errorf("gcworker: mark: decoding children at %d: %w", off, err)
	}
	if len(children) == 0 {
		return nil
	}

	resolved := make([]markRange, len(children))
	limit := w.params.ChildFanout
	if limit <= 0 {
		limit = 8
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, childOff := range children {
		i, childOff := i, childOff
		g.Go(func() error {
			r, err := w.resolveChild(childOff)
			if err != nil {
				return err
			}
			resolved[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range resolved {
		if err := w.mark(r.offset, r.length); err != nil {
			return err
		}
	}
	return nil
}

func (w *worker) readEntry(off, length int64) ([]byte, error) {
	acc, err := w.disp.CreateAccessorExn(off, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := w.disp.ReadExn(acc, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (w *worker) resolveChild(off int64) (markRange, error) {
	acc, err := w.disp.CreateAccessorFromRangeExn(off, int64(hash.ByteLen+1), int64(packval.PrefixLen))
	if err != nil {
		return markRange{}, fmt.Errorf("gcworker: mark: reading child prefix at %d: %w", off, err)
	}
	buf := make([]byte, acc.Length)
	if err := w.disp.ReadExn(acc, buf); err != nil {
		return markRange{}, fmt.Errorf("gcworker: mark: reading child prefix at %d: %w", off, err)
	}
	ep, err := packval.DecodeEntryPrefix(buf, w.params.ContentsHasHeader)
	if err != nil {
		return markRange{}, fmt.Errorf("gcworker: mark: decoding child prefix at %d: %w", off, err)
	}
	if ep.Kind == packval.DanglingParentCommit {
		forced := append([]byte(nil), buf...)
		forced[hash.ByteLen] = byte(packval.UpgradeDangling(ep.Kind))
		ep, err = packval.DecodeEntryPrefix(forced, w.params.ContentsHasHeader)
		if err != nil {
			return markRange{}, fmt.Errorf("gcworker: mark: decoding upgraded child prefix at %d: %w", off, err)
		}
	}
	if !ep.HasLenHeader {
		return markRange{}, fmt.Errorf("gcworker: child at %d has no recoverable length: %w", off, errs.ErrDanglingKey)
	}
	return markRange{offset: off, length: ep.TotalLen}, nil
}

// copiedRange is a coalesced range's new home in the prefix file.
type copiedRange struct {
	markRange
	dstOffset int64
}

// copy streams each coalesced range into a fresh prefix file, in order,
// and records where each landed.
func (w *worker) copy(coalesced []markRange) ([]copiedRange, error) {
	pw, err := prefixfile.Create(w.params.Root, w.params.Generation)
	if err != nil {
		return nil, fmt.Errorf("gcworker: creating prefix.%d: %w", w.params.Generation, err)
	}
	out := make([]copiedRange, 0, len(coalesced))
	for _, r := range coalesced {
		if w.cancelled() {
			_ = pw.Close()
			_ = prefixfile.Remove(w.params.Root, w.params.Generation)
			return nil, ErrCancelled
		}
		buf, err := w.readEntry(r.offset, r.length)
		if err != nil {
			_ = pw.Close()
			return nil, fmt.Errorf("gcworker: copying range at %d: %w", r.offset, err)
		}
		dst, err := pw.Append(buf)
		if err != nil {
			_ = pw.Close()
			return nil, fmt.Errorf("gcworker: writing prefix at src %d: %w", r.offset, err)
		}
		out = append(out, copiedRange{markRange: r, dstOffset: dst})
		w.stats.BytesCopied += r.length
	}
	if err := pw.Fsync(); err != nil {
		_ = pw.Close()
		return nil, err
	}
	if err := pw.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// mappingEntries derives one mapping.Entry per individually-marked range
// (needed since Mapping.Lookup matches SrcOffset exactly), by locating
// which coalesced copied range absorbed it and offsetting into its
// destination accordingly. Both slices must be sorted ascending by
// offset, and every element of individual must fall inside some element
// of copied.
func mappingEntries(individual []markRange, copied []copiedRange) []mapping.Entry {
	entries := make([]mapping.Entry, 0, len(individual))
	ci := 0
	for _, r := range individual {
		for ci < len(copied)-1 && r.offset >= copied[ci].offset+copied[ci].length {
			ci++
		}
		c := copied[ci]
		entries = append(entries, mapping.Entry{
			SrcOffset: r.offset,
			Length:    r.length,
			DstOffset: c.dstOffset + (r.offset - c.offset),
		})
	}
	return entries
}

// coalesce merges adjacent/overlapping ranges in an already offset-sorted
// slice.
func coalesce(sorted []markRange) []markRange {
	if len(sorted) == 0 {
		return nil
	}
	out := []markRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.offset <= last.offset+last.length {
			if end := r.offset + r.length; end > last.offset+last.length {
				last.length = end - last.offset
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// locateChunk finds which chunk newStart falls into given each chunk's
// absolute start offset, and how many dead bytes of padding precede it
// within that chunk.
func locateChunk(startIdx int, boundaries []int64, newStart int64) (idx int, deadBytes int64, err error) {
	if len(boundaries) == 0 {
		return 0, 0, fmt.Errorf("gcworker: no chunk boundaries supplied")
	}
	chosen := 0
	for i, b := range boundaries {
		if b > newStart {
			break
		}
		chosen = i
	}
	return startIdx + chosen, newStart - boundaries[chosen], nil
}
