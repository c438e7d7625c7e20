// Package ao implements a buffered append-only sink over a single file,
// used by the dict and by each suffix chunk. Appends accumulate in memory
// until an auto-flush threshold is crossed, at which point a configured
// procedure is invoked — either the AO's own flush, or an external
// callback so the owning file manager can flush dependencies first.
package ao

import (
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/ioutil"
)

// Procedure selects what happens when the in-memory buffer crosses the
// auto-flush threshold.
type Procedure struct {
	// External, if non-nil, is invoked instead of the AO's own Flush. It
	// exists so the file manager can flush sibling files in the correct
	// order before this AO's bytes reach disk.
	External func() error
}

// AO is a buffered append-only file.
type AO struct {
	file      *ioutil.File
	threshold int
	proc      Procedure

	buf        []byte
	diskEndOff int64 // length already confirmed on disk
	readonly   bool
}

// Open wraps an already-open file as an AO. diskEndOff is the file's
// current on-disk length (the logical end offset before any buffered
// appends).
func Open(file *ioutil.File, threshold int, proc Procedure, diskEndOff int64) *AO {
	return &AO{file: file, threshold: threshold, proc: proc, diskEndOff: diskEndOff, readonly: file.Readonly()}
}

// EndPoff returns the current logical end offset: bytes confirmed on disk
// plus bytes buffered in memory. It is always >= the offset persisted in
// the control file; the two become equal immediately after a successful
// flush and control-file update.
func (a *AO) EndPoff() int64 {
	return a.diskEndOff + int64(len(a.buf))
}

// DiskEndPoff returns the length actually durable on disk, ignoring the
// in-memory buffer.
func (a *AO) DiskEndPoff() int64 {
	return a.diskEndOff
}

// AppendExn appends data to the logical stream, growing the in-memory
// buffer. If the buffer's size reaches the configured threshold, the
// configured auto-flush procedure runs before returning.
func (a *AO) AppendExn(data []byte) error {
	if a.readonly {
		return errs.ErrRoNotAllowed
	}
	a.buf = append(a.buf, data...)
	if len(a.buf) >= a.threshold {
		if a.proc.External != nil {
			return a.proc.External()
		}
		return a.Flush()
	}
	return nil
}

// Flush writes the in-memory buffer to disk. It is a no-op if the buffer
// is empty.
func (a *AO) Flush() error {
	if len(a.buf) == 0 {
		return nil
	}
	if err := a.file.Pwrite(a.buf, a.diskEndOff); err != nil {
		return err
	}
	a.diskEndOff += int64(len(a.buf))
	a.buf = a.buf[:0]
	return nil
}

// RefreshDiskEndPoff advances the AO's notion of the on-disk end offset
// without writing anything, used by a read-only handle after FM.Reload
// observes a larger end offset in a freshly reloaded control payload.
func (a *AO) RefreshDiskEndPoff(n int64) {
	if n > a.diskEndOff {
		a.diskEndOff = n
	}
}

// Pending reports whether the in-memory buffer holds unflushed bytes.
// FileManager.Close uses this to enforce that every AO is flushed before
// the store is considered cleanly closed.
func (a *AO) Pending() bool {
	return len(a.buf) > 0
}

// Fsync forwards to the underlying file.
func (a *AO) Fsync() error {
	return a.file.Fsync()
}

// ReadAt reads len(buf) bytes at the given logical offset, transparently
// serving from the in-memory buffer when the read lands past the on-disk
// boundary.
func (a *AO) ReadAt(buf []byte, off int64) error {
	end := off + int64(len(buf))
	if end <= a.diskEndOff {
		return a.file.Pread(buf, off)
	}
	if off >= a.diskEndOff {
		bufOff := off - a.diskEndOff
		if bufOff+int64(len(buf)) > int64(len(a.buf)) {
			return errs.ErrReadOutOfBounds
		}
		copy(buf, a.buf[bufOff:bufOff+int64(len(buf))])
		return nil
	}
	// Straddles the disk/memory boundary.
	fromDisk := a.diskEndOff - off
	if err := a.file.Pread(buf[:fromDisk], off); err != nil {
		return err
	}
	remaining := buf[fromDisk:]
	if int64(len(a.buf)) < int64(len(remaining)) {
		return errs.ErrReadOutOfBounds
	}
	copy(remaining, a.buf[:len(remaining)])
	return nil
}

// Close closes the underlying file. The caller must have already flushed
// (FileManager.Close rejects a close attempt with a pending buffer).
func (a *AO) Close() error {
	return a.file.Close()
}

// Readonly reports whether the AO rejects appends.
func (a *AO) Readonly() bool { return a.readonly }
