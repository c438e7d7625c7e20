// Package errs defines the closed set of sentinel errors shared across the
// store. Components wrap these with context via fmt.Errorf("...: %w", ...)
// and callers test for them with errors.Is.
package errs

import "errors"

// IO errors.
var (
	ErrDoubleClose             = errors.New("file already closed")
	ErrFileExists              = errors.New("file already exists")
	ErrNoSuchFileOrDirectory   = errors.New("no such file or directory")
	ErrNotAFile                = errors.New("not a regular file")
	ErrNotADirectory           = errors.New("not a directory")
	ErrReadOutOfBounds         = errors.New("read out of bounds")
	ErrIOMisc                  = errors.New("i/o error")
)

// Control-file errors.
var (
	ErrCorruptedControlFile  = errors.New("corrupted control file")
	ErrStoreFromTheFuture    = errors.New("control file is from a future major version")
	ErrUnknownMajorVersion   = errors.New("unknown major pack version")
	ErrInvalidLayout         = errors.New("invalid on-disk layout")
	ErrMigrationNeeded       = errors.New("legacy store requires migration")
)

// Strategy / lifecycle gating errors.
var (
	ErrOnlyMinimalIndexingStrategyAllowed = errors.New("only the minimal indexing strategy is allowed once a store has been gc'd")
	ErrGcDisallowed                       = errors.New("gc is disallowed on this store")
	ErrGcForbiddenDuringBatch             = errors.New("gc is forbidden during a batch")
	ErrSplitForbiddenDuringBatch          = errors.New("split is forbidden during a batch")
)

// Pack-level errors.
var (
	ErrInvalidReadOfGcedObject   = errors.New("read of an object collected by a prior gc")
	ErrInvalidPrefixRead         = errors.New("mapped read extends past the end of the prefix file")
	ErrInvalidMappingRead        = errors.New("mapping record is malformed or shorter than the requested read")
	ErrDanglingKey               = errors.New("dangling key: referenced entry absent from store")
	ErrCommitKeyIsDangling       = errors.New("gc target commit key is dangling")
	ErrCommitParentKeyIsIndexed  = errors.New("commit parent key is indexed, not direct")
)

// GC errors.
var (
	ErrGcProcessError                  = errors.New("gc worker reported an error")
	ErrCorruptedGcResultFile           = errors.New("corrupted gc result file")
	ErrGcProcessDiedWithoutResultFile  = errors.New("gc worker exited without writing a result file")
)

// Lifecycle errors.
var (
	ErrPendingFlush       = errors.New("pending flush: a buffer is non-empty")
	ErrRoNotAllowed       = errors.New("mutation not allowed on a read-only handle")
	ErrClosed             = errors.New("store is closed")
	ErrInconsistentStore  = errors.New("inconsistent store state")
	ErrCorruptedStore     = errors.New("corrupted store: invariant violation on read")
)

// Reserved, never raised by this implementation (kept for forward
// compatibility with the on-disk status schema).
var ErrMultipleEmptyChunks = errors.New("multiple empty chunks")
