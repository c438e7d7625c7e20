// Package ioutil is a thin, typed wrapper over positional file I/O. Every
// other component in the store talks to the filesystem exclusively through
// this package, so that suspension points (the places where a cooperating
// caller may be descheduled) and the error taxonomy stay in one place.
package ioutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/caspack/caspack/internal/errs"
)

// Mode selects how Open treats an existing or missing file.
type Mode int

const (
	// ReadOnly opens an existing file for reads only.
	ReadOnly Mode = iota
	// ReadWriteExisting opens an existing file for reads and writes.
	ReadWriteExisting
	// ReadWriteCreate creates the file (failing if it exists, unless
	// Overwrite is also supplied to Open).
	ReadWriteCreate
)

// Kind classifies a filesystem path for classify_path.
type Kind int

const (
	KindNoEnt Kind = iota
	KindFile
	KindDirectory
	KindOther
)

// File is a positional-I/O handle. All methods are synchronous; the only
// suspension points in the whole store live inside these calls.
type File struct {
	path     string
	f        *os.File
	readonly bool
	closed   bool
}

// Open opens path according to mode. When mode is ReadWriteCreate and
// overwrite is true, an existing file is truncated rather than rejected.
func Open(path string, mode Mode, overwrite bool) (*File, error) {
	var flag int
	readonly := mode == ReadOnly
	switch mode {
	case ReadOnly:
		flag = os.O_RDONLY
	case ReadWriteExisting:
		flag = os.O_RDWR
	case ReadWriteCreate:
		flag = os.O_RDWR | os.O_CREATE
		if overwrite {
			flag |= os.O_TRUNC
		} else {
			flag |= os.O_EXCL
		}
	default:
		return nil, fmt.Errorf("ioutil.Open: invalid mode %d", mode)
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, translate(path, err)
	}
	return &File{path: path, f: f, readonly: readonly}, nil
}

// Create is a convenience wrapper for ReadWriteCreate.
func Create(path string, overwrite bool) (*File, error) {
	return Open(path, ReadWriteCreate, overwrite)
}

func translate(path string, err error) error {
	switch {
	case err == nil:
		return nil
	case os.IsNotExist(err):
		return fmt.Errorf("%s: %w", path, errs.ErrNoSuchFileOrDirectory)
	case os.IsExist(err):
		return fmt.Errorf("%s: %w", path, errs.ErrFileExists)
	default:
		return fmt.Errorf("%s: %w: %v", path, errs.ErrIOMisc, err)
	}
}

// Pread reads exactly len(buf) bytes starting at off. A short read at
// end-of-file is reported as ErrReadOutOfBounds rather than io.EOF, since
// every caller in this store reads a record of known length.
func (f *File) Pread(buf []byte, off int64) error {
	if f.closed {
		return errs.ErrClosed
	}
	n, err := f.f.ReadAt(buf, off)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%s: offset %d len %d: %w", f.path, off, len(buf), errs.ErrReadOutOfBounds)
		}
		return fmt.Errorf("%s: %w: %v", f.path, errs.ErrIOMisc, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%s: offset %d len %d: %w", f.path, off, len(buf), errs.ErrReadOutOfBounds)
	}
	return nil
}

// Pwrite writes buf at off. The caller's Mode must not be ReadOnly.
func (f *File) Pwrite(buf []byte, off int64) error {
	if f.closed {
		return errs.ErrClosed
	}
	if f.readonly {
		return errs.ErrRoNotAllowed
	}
	n, err := f.f.WriteAt(buf, off)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", f.path, errs.ErrIOMisc, err)
	}
	if n != len(buf) {
		return fmt.Errorf("%s: short write: %w", f.path, errs.ErrIOMisc)
	}
	return nil
}

// Fsync forwards to the OS fsync.
func (f *File) Fsync() error {
	if f.closed {
		return errs.ErrClosed
	}
	if f.readonly {
		return nil
	}
	if err := f.f.Sync(); err != nil {
		return fmt.Errorf("%s: %w: %v", f.path, errs.ErrIOMisc, err)
	}
	return nil
}

// Size returns the current on-disk length of the file.
func (f *File) Size() (int64, error) {
	if f.closed {
		return 0, errs.ErrClosed
	}
	fi, err := f.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %v", f.path, errs.ErrIOMisc, err)
	}
	return fi.Size(), nil
}

// Truncate resizes the underlying file.
func (f *File) Truncate(size int64) error {
	if f.closed {
		return errs.ErrClosed
	}
	if f.readonly {
		return errs.ErrRoNotAllowed
	}
	if err := f.f.Truncate(size); err != nil {
		return fmt.Errorf("%s: %w: %v", f.path, errs.ErrIOMisc, err)
	}
	return nil
}

// Close closes the handle. A second call returns ErrDoubleClose.
func (f *File) Close() error {
	if f.closed {
		return errs.ErrDoubleClose
	}
	f.closed = true
	if err := f.f.Close(); err != nil {
		return fmt.Errorf("%s: %w: %v", f.path, errs.ErrIOMisc, err)
	}
	return nil
}

// Readonly reports whether the handle rejects mutation.
func (f *File) Readonly() bool { return f.readonly }

// Path returns the path the handle was opened with.
func (f *File) Path() string { return f.path }

// Unlink removes the file at path. It is not a method on File because
// callers frequently unlink files they never opened (e.g. stale generation
// artefacts found during cleanup).
func Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return translate(path, err)
	}
	return nil
}

// Mkdir creates path and any missing parents.
func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return translate(path, err)
	}
	return nil
}

// Rename moves oldpath to newpath, overwriting newpath if present.
func Rename(oldpath, newpath string) error {
	if err := os.Rename(oldpath, newpath); err != nil {
		return translate(oldpath, err)
	}
	return nil
}

// ClassifyPath reports what, if anything, exists at path.
func ClassifyPath(path string) (Kind, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return KindNoEnt, nil
		}
		return KindOther, translate(path, err)
	}
	switch mode := fi.Mode(); {
	case mode.IsRegular():
		return KindFile, nil
	case mode.IsDir():
		return KindDirectory, nil
	default:
		return KindOther, nil
	}
}

// ReadDir lists the entries directly inside dir.
func ReadDir(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, translate(dir, err)
	}
	return entries, nil
}
