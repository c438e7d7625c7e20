// Package index implements the external disk-backed mapping from hash to
// (offset, length, kind), consulted whenever a key is known only by hash.
// The real production system treats this as an opaque collaborator (an
// LSM or B-tree keyed by hash); this package supplies a minimal,
// self-contained implementation with the same Find/Add/Flush/Reload
// surface so the file manager and pack store have a concrete index to
// drive without pulling in a full external engine.
package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/pkg/hash"
	"github.com/caspack/caspack/pkg/packval"
)

// Record is what the index stores per hash.
type Record struct {
	Offset int64
	Length int64
	Kind   packval.Kind
}

const recordSize = hash.ByteLen + 8 + 8 + 1

// FileName returns the on-disk name of the index file.
func FileName(root string) string {
	return filepath.Join(root, "store.index")
}

// Index is a hash -> Record table, held in memory and rewritten to disk on
// Flush. Overcommit (allowing Add to proceed ahead of a durable flush) is
// modelled simply: Add always mutates memory first; only Flush makes it
// durable.
type Index struct {
	path     string
	entries  map[hash.Hash]Record
	readonly bool
}

// Open loads an existing index file, or returns an empty index if none
// exists yet (e.g. a fresh store).
func Open(root string, readonly bool) (*Index, error) {
	idx := &Index{path: FileName(root), entries: make(map[hash.Hash]Record), readonly: readonly}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) load() error {
	buf, err := os.ReadFile(idx.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%s: %w: %v", idx.path, errs.ErrIOMisc, err)
	}
	if len(buf)%recordSize != 0 {
		return fmt.Errorf("%s: corrupted index: truncated record", idx.path)
	}
	n := len(buf) / recordSize
	for i := 0; i < n; i++ {
		rec := buf[i*recordSize : (i+1)*recordSize]
		h := hash.New(rec[:hash.ByteLen])
		off := int64(binary.BigEndian.Uint64(rec[hash.ByteLen : hash.ByteLen+8]))
		length := int64(binary.BigEndian.Uint64(rec[hash.ByteLen+8 : hash.ByteLen+16]))
		kind := packval.Kind(rec[hash.ByteLen+16])
		idx.entries[h] = Record{Offset: off, Length: length, Kind: kind}
	}
	return nil
}

// Find looks up h.
func (idx *Index) Find(h hash.Hash) (Record, bool) {
	r, ok := idx.entries[h]
	return r, ok
}

// Add registers h -> rec. overcommit is accepted for interface parity with
// the spec's Index.add(hash, record, overcommit); this implementation has
// no memory budget to enforce, so it is a no-op flag.
func (idx *Index) Add(h hash.Hash, rec Record, overcommit bool) error {
	if idx.readonly {
		return errs.ErrRoNotAllowed
	}
	idx.entries[h] = rec
	return nil
}

// Flush durably persists the index through an atomic file rewrite.
// withFsync is not consulted: the rewrite is the same either way.
func (idx *Index) Flush(withFsync bool) error {
	if idx.readonly {
		return nil
	}
	buf := make([]byte, 0, len(idx.entries)*recordSize)
	var tmp [recordSize]byte
	for h, r := range idx.entries {
		copy(tmp[:hash.ByteLen], h[:])
		binary.BigEndian.PutUint64(tmp[hash.ByteLen:hash.ByteLen+8], uint64(r.Offset))
		binary.BigEndian.PutUint64(tmp[hash.ByteLen+8:hash.ByteLen+16], uint64(r.Length))
		tmp[hash.ByteLen+16] = byte(r.Kind)
		buf = append(buf, tmp[:]...)
	}
	if err := atomic.WriteFile(idx.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("%s: %w: %v", idx.path, errs.ErrIOMisc, err)
	}
	return nil
}

// Reload re-reads the index from disk, discarding the in-memory copy. Used
// by read-only handles after a control-file reload.
func (idx *Index) Reload() error {
	idx.entries = make(map[hash.Hash]Record)
	return idx.load()
}

// Len returns the number of registered hashes.
func (idx *Index) Len() int { return len(idx.entries) }

// Delete removes h from the in-memory index; the change reaches disk on
// the next Flush.
func (idx *Index) Delete(h hash.Hash) {
	delete(idx.entries, h)
}
