// Package suffix implements the chunked suffix: a logical byte stream
// backed by a sequence of numbered, append-only chunk files. GC splits the
// stream at a boundary by starting a fresh, empty chunk; only the last
// chunk is ever appended to.
package suffix

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/caspack/caspack/internal/ao"
	"github.com/caspack/caspack/internal/ioutil"
)

// chunkFileName returns the on-disk name for chunk idx under root.
func chunkFileName(root string, idx int) string {
	return filepath.Join(root, fmt.Sprintf("store.%d.suffix", idx))
}

type chunk struct {
	ao    *ao.AO
	start int64 // absolute offset of this chunk's first logical byte
}

// Suffix is the chunked, append-only suffix of the store.
type Suffix struct {
	root      string
	startIdx  int
	chunks    []*chunk
	threshold int
	useFsync  bool
	readonly  bool
	extFlush  func() error
	liveStart int64 // suffix_start_offset: first byte still addressable, may sit after chunks[0].start if that chunk holds dead bytes
}

// CreateRW creates a brand-new suffix with a single empty chunk at index
// startIdx.
func CreateRW(root string, startIdx int, threshold int, useFsync bool, extFlush func() error) (*Suffix, error) {
	s := &Suffix{root: root, startIdx: startIdx, threshold: threshold, useFsync: useFsync, extFlush: extFlush}
	f, err := ioutil.Create(chunkFileName(root, startIdx), false)
	if err != nil {
		return nil, err
	}
	s.chunks = append(s.chunks, &chunk{ao: s.newAO(f, 0), start: 0})
	return s, nil
}

func (s *Suffix) newAO(f *ioutil.File, diskEndOff int64) *ao.AO {
	proc := ao.Procedure{}
	if s.extFlush != nil {
		proc.External = s.extFlush
	}
	return ao.Open(f, s.threshold, proc, diskEndOff)
}

// Open reopens an existing suffix. suffixStartOffset and deadBytes come
// from the control file's Gced status (both zero pre-GC); they fix the
// physical start offset of the first live chunk within its file.
func Open(root string, startIdx, chunkNum int, readonly bool, threshold int, useFsync bool, suffixStartOffset, deadBytes int64, extFlush func() error) (*Suffix, error) {
	s := &Suffix{root: root, startIdx: startIdx, threshold: threshold, useFsync: useFsync, readonly: readonly, extFlush: extFlush, liveStart: suffixStartOffset}

	mode := ioutil.ReadWriteExisting
	if readonly {
		mode = ioutil.ReadOnly
	}

	firstStart := suffixStartOffset - deadBytes
	running := firstStart
	for i := 0; i < chunkNum; i++ {
		idx := startIdx + i
		f, err := ioutil.Open(chunkFileName(root, idx), mode, false)
		if err != nil {
			return nil, fmt.Errorf("suffix: opening chunk %d: %w", idx, err)
		}
		size, err := f.Size()
		if err != nil {
			return nil, err
		}
		s.chunks = append(s.chunks, &chunk{ao: s.newAO(f, size), start: running})
		running += size
	}
	return s, nil
}

// AppendExn appends data to the last (only appendable) chunk.
func (s *Suffix) AppendExn(data []byte) error {
	return s.last().ao.AppendExn(data)
}

// EndPoff returns the logical end offset of the suffix: the absolute
// offset one past the last byte appended to the last chunk.
func (s *Suffix) EndPoff() int64 {
	last := s.last()
	return last.start + last.ao.EndPoff()
}

// StartOffset returns suffix_start_offset: the absolute offset of the
// first byte the suffix still serves directly. Before any GC this equals
// the physical start of chunk zero; after a GC that left dead bytes at
// the front of the retained chunk, it sits deadBytes past it.
func (s *Suffix) StartOffset() int64 {
	return s.liveStart
}

// RefreshEndPoff updates the last chunk's notion of its on-disk length
// after a read-only handle observes growth via control-file reload.
func (s *Suffix) RefreshEndPoff(newEndPoff int64) {
	last := s.last()
	rel := newEndPoff - last.start
	last.ao.RefreshDiskEndPoff(rel)
}

// Flush flushes the last chunk.
func (s *Suffix) Flush() error {
	return s.last().ao.Flush()
}

// Fsync fsyncs the last chunk.
func (s *Suffix) Fsync() error {
	if !s.useFsync {
		return nil
	}
	return s.last().ao.Fsync()
}

// Pending reports whether the last chunk has unflushed appends.
func (s *Suffix) Pending() bool {
	return s.last().ao.Pending()
}

// ChunkNum returns the number of chunks currently in range.
func (s *Suffix) ChunkNum() int { return len(s.chunks) }

// StartIdx returns the numeric index of the first chunk in range.
func (s *Suffix) StartIdx() int { return s.startIdx }

// ChunkBoundaries returns the absolute start offset of every chunk
// currently in range, in order. Used by the GC worker to decide, given a
// new suffix_start_offset, which chunk it falls into and how many are
// now entirely dead.
func (s *Suffix) ChunkBoundaries() []int64 {
	out := make([]int64, len(s.chunks))
	for i, c := range s.chunks {
		out[i] = c.start
	}
	return out
}

// Readonly reports whether the suffix rejects appends.
func (s *Suffix) Readonly() bool { return s.readonly }

// AddChunk starts a new, empty appendable chunk, flushing and retiring the
// current last chunk. It is the split point GC uses to separate live data
// already written from bytes the writer appends while GC runs.
func (s *Suffix) AddChunk() error {
	if s.readonly {
		return fmt.Errorf("suffix: AddChunk on a read-only handle")
	}
	if err := s.Flush(); err != nil {
		return err
	}
	newIdx := s.startIdx + len(s.chunks)
	f, err := ioutil.Create(chunkFileName(s.root, newIdx), false)
	if err != nil {
		return err
	}
	last := s.last()
	newStart := last.start + last.ao.DiskEndPoff()
	s.chunks = append(s.chunks, &chunk{ao: s.newAO(f, 0), start: newStart})
	return nil
}

// ReadAt reads len(buf) bytes starting at absolute offset off.
func (s *Suffix) ReadAt(buf []byte, off int64) error {
	idx, ok := s.locate(off)
	if !ok {
		return fmt.Errorf("suffix: offset %d out of range", off)
	}
	c := s.chunks[idx]
	return c.ao.ReadAt(buf, off-c.start)
}

// locate finds the chunk slice index whose range contains off.
func (s *Suffix) locate(off int64) (int, bool) {
	// Chunk starts are monotonically increasing; binary search the
	// largest start <= off.
	i := sort.Search(len(s.chunks), func(i int) bool {
		return s.chunks[i].start > off
	})
	i--
	if i < 0 || i >= len(s.chunks) {
		return 0, false
	}
	return i, true
}

func (s *Suffix) last() *chunk {
	return s.chunks[len(s.chunks)-1]
}

// Close closes every chunk file.
func (s *Suffix) Close() error {
	var firstErr error
	for _, c := range s.chunks {
		if err := c.ao.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FileName exposes the on-disk chunk filename for idx, used by the file
// manager's legacy-store migration.
func FileName(root string, idx int) string {
	return chunkFileName(root, idx)
}
