// Package mapping implements the GC-produced mapping table: a sorted,
// de-duplicated (src_offset, length) -> dst_offset table that lets the
// dispatcher redirect a pre-GC offset into the compacted prefix.
package mapping

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/caspack/caspack/internal/errs"
)

const recordSize = 8 + 8 + 8 // srcOffset, length, dstOffset

// Entry is one (src_offset, length) -> dst_offset redirection.
type Entry struct {
	SrcOffset int64
	Length    int64
	DstOffset int64
}

// Mapping is a sorted, read-only table of Entry records, read entirely
// into memory (it is written once per generation and is bounded by the
// live-set cardinality, not by store size).
type Mapping struct {
	entries []Entry
}

// Build sorts entries by SrcOffset and returns the resulting Mapping.
// Entries must already be de-duplicated by the caller (the GC worker's
// mark phase visits each offset at most once).
func Build(entries []Entry) *Mapping {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	sort.Slice(cp, func(i, j int) bool { return cp[i].SrcOffset < cp[j].SrcOffset })
	return &Mapping{entries: cp}
}

// FileName returns the on-disk name for generation gen's mapping file.
func FileName(root string, gen int64) string {
	return filepath.Join(root, fmt.Sprintf("store.mapping.%d", gen))
}

// Save atomically writes the mapping to path.
func (m *Mapping) Save(path string) error {
	buf := make([]byte, 0, len(m.entries)*recordSize)
	var tmp [recordSize]byte
	for _, e := range m.entries {
		binary.BigEndian.PutUint64(tmp[0:8], uint64(e.SrcOffset))
		binary.BigEndian.PutUint64(tmp[8:16], uint64(e.Length))
		binary.BigEndian.PutUint64(tmp[16:24], uint64(e.DstOffset))
		buf = append(buf, tmp[:]...)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("mapping: writing %s: %w", path, err)
	}
	return nil
}

// Load reads a mapping file fully into memory.
func Load(path string) (*Mapping, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errs.ErrNoSuchFileOrDirectory)
		}
		return nil, fmt.Errorf("%s: %w: %v", path, errs.ErrIOMisc, err)
	}
	if len(buf)%recordSize != 0 {
		return nil, fmt.Errorf("%s: %w: truncated record", path, errs.ErrInvalidMappingRead)
	}
	n := len(buf) / recordSize
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		rec := buf[i*recordSize : (i+1)*recordSize]
		entries[i] = Entry{
			SrcOffset: int64(binary.BigEndian.Uint64(rec[0:8])),
			Length:    int64(binary.BigEndian.Uint64(rec[8:16])),
			DstOffset: int64(binary.BigEndian.Uint64(rec[16:24])),
		}
	}
	return &Mapping{entries: entries}, nil
}

// Lookup performs a binary search for the entry whose SrcOffset equals
// off, returning its destination offset and length.
func (m *Mapping) Lookup(off int64) (dstOffset, length int64, ok bool) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].SrcOffset >= off })
	if i >= len(m.entries) || m.entries[i].SrcOffset != off {
		return 0, 0, false
	}
	e := m.entries[i]
	return e.DstOffset, e.Length, true
}

// Len returns the number of entries.
func (m *Mapping) Len() int { return len(m.entries) }

// Entries returns the sorted entries, for callers that need to stream
// them.
func (m *Mapping) Entries() []Entry { return m.entries }
