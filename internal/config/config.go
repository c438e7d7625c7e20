// Package config carries the enumerated store configuration (§6 of the
// design) shared by the file manager, the pack store, and the GC
// orchestrator.
package config

// IndexingStrategy decides which newly written entries are registered in
// the external index.
type IndexingStrategy int

const (
	// Minimal registers only commit entries. Required for GC.
	Minimal IndexingStrategy = iota
	// Always registers every entry regardless of kind or length.
	Always
)

// ShouldIndex implements the indexing-strategy predicate from §4.6: a pure
// function of the written value's length and kind.
func (s IndexingStrategy) ShouldIndex(length int, isCommit bool) bool {
	switch s {
	case Minimal:
		return isCommit
	case Always:
		return true
	default:
		return isCommit
	}
}

// MergeThrottle names how writes are to be treated while a GC runs. The
// value is stored in Config only: the pack store and the GC orchestrator
// do not read it, and Add behaves the same under either value.
type MergeThrottle int

const (
	// BlockWrites names pausing Add callers until the GC swap completes.
	BlockWrites MergeThrottle = iota
	// OvercommitMemory names letting writes continue during GC.
	OvercommitMemory
)

// ChildOrder selects how an inode orders its children on disk.
type ChildOrder int

const (
	HashBits ChildOrder = iota
	SeededHash
	Custom
)

// LengthHeader selects whether Contents entries carry an explicit varint
// length header ahead of their payload.
type LengthHeader int

const (
	NoLengthHeader LengthHeader = iota
	VarintLengthHeader
)

// Config is the full set of knobs accepted by FileManager.Create/Open and
// threaded down into the pack store and GC orchestrator.
type Config struct {
	Root string
	// Fresh selects Create semantics over Open semantics.
	Fresh bool

	IndexingStrategy IndexingStrategy
	MergeThrottle    MergeThrottle

	IndexLogSize int

	DictAutoFlushThreshold   int
	SuffixAutoFlushThreshold int

	UseFsync   bool
	NoMigrate  bool

	LRUSize int

	// Entries is the inode branching factor, consumed by the caller's
	// node-encoding layer; the store only threads it through.
	Entries int

	ContentsLengthHeader LengthHeader

	ForbidEmptyDirPersistence bool
	InodeChildOrder           ChildOrder
}

// Default returns sensible defaults grounded in the teacher's memTable and
// dict flush thresholds.
func Default(root string) Config {
	return Config{
		Root:                     root,
		Fresh:                    true,
		IndexingStrategy:         Minimal,
		MergeThrottle:            BlockWrites,
		IndexLogSize:             2,
		DictAutoFlushThreshold:   1 << 20,
		SuffixAutoFlushThreshold: 128 << 20,
		UseFsync:                 true,
		NoMigrate:                false,
		LRUSize:                  1000,
		Entries:                  256,
		ContentsLengthHeader:     NoLengthHeader,
		InodeChildOrder:          HashBits,
	}
}
