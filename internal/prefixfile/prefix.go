// Package prefixfile implements the read-only, densely packed prefix file
// produced by GC: the live set as of some generation, copied contiguously
// so it can be read without touching the (possibly much larger) history
// in the old suffix chunks.
package prefixfile

import (
	"fmt"
	"path/filepath"

	"github.com/caspack/caspack/internal/ioutil"
)

// FileName returns the on-disk name for generation gen's prefix file.
func FileName(root string, gen int64) string {
	return filepath.Join(root, fmt.Sprintf("store.prefix.%d", gen))
}

// Reader is a read-only handle onto a generation's prefix file.
type Reader struct {
	file *ioutil.File
	size int64
}

// Remove unlinks generation gen's prefix file, if present. Used by the GC
// worker to clean up a partially-written prefix after cancellation.
func Remove(root string, gen int64) error {
	return ioutil.Unlink(FileName(root, gen))
}

// Open opens the prefix file for generation gen under root.
func Open(root string, gen int64) (*Reader, error) {
	f, err := ioutil.Open(FileName(root, gen), ioutil.ReadOnly, false)
	if err != nil {
		return nil, fmt.Errorf("prefixfile: opening generation %d: %w", gen, err)
	}
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, size: size}, nil
}

// ReadAt reads len(buf) bytes at the prefix-local offset off.
func (r *Reader) ReadAt(buf []byte, off int64) error {
	return r.file.Pread(buf, off)
}

// Size returns the total length of the prefix file.
func (r *Reader) Size() int64 { return r.size }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }

// Writer sequentially builds a new generation's prefix file. It is used
// exclusively by the GC worker, which is the only writer of any given
// generation's prefix.
type Writer struct {
	file *ioutil.File
	off  int64
}

// Create creates the prefix file for generation gen.
func Create(root string, gen int64) (*Writer, error) {
	f, err := ioutil.Create(FileName(root, gen), false)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f}, nil
}

// Append writes data at the writer's current offset and advances it,
// returning the destination offset data was written at.
func (w *Writer) Append(data []byte) (dstOffset int64, err error) {
	dstOffset = w.off
	if err := w.file.Pwrite(data, w.off); err != nil {
		return 0, err
	}
	w.off += int64(len(data))
	return dstOffset, nil
}

// Fsync flushes the prefix file to stable storage.
func (w *Writer) Fsync() error { return w.file.Fsync() }

// Close closes the underlying file.
func (w *Writer) Close() error { return w.file.Close() }

// Size returns how many bytes have been appended so far.
func (w *Writer) Size() int64 { return w.off }
