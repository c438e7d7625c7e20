// Package fm implements the File Manager: the single authority over every
// file in a store (control file, dict, chunked suffix, optional prefix,
// optional mapping, index). It enforces the three-stage flush ordering
// and the crash-consistency contract, and performs create/open/reload/
// swap/split/cleanup/close.
package fm

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/caspack/caspack/internal/ao"
	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/control"
	"github.com/caspack/caspack/internal/dict"
	"github.com/caspack/caspack/internal/dispatch"
	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/index"
	"github.com/caspack/caspack/internal/ioutil"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/internal/suffix"
)

const legacyPackFile = "store.pack"
const legacyDeadHeaderSize = 16

// selfRef is the late-bound back-reference AO auto-flush callbacks close
// over. It is created before the dict and suffix (which need the callback
// at construction time) and populated once the FileManager itself exists,
// so early callbacks firing during construction safely no-op instead of
// dereferencing a nil manager.
type selfRef struct {
	mu sync.Mutex
	fm *FileManager
}

func (s *selfRef) set(fm *FileManager) {
	s.mu.Lock()
	s.fm = fm
	s.mu.Unlock()
}

func (s *selfRef) get() *FileManager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fm
}

func (s *selfRef) flushDict() error {
	if fm := s.get(); fm != nil {
		return fm.flushDictLocked()
	}
	return nil
}

func (s *selfRef) flushSuffixAndDeps() error {
	if fm := s.get(); fm != nil {
		return fm.flushSuffixAndDepsLocked()
	}
	return nil
}

// FileManager owns every on-disk file belonging to a single store.
type FileManager struct {
	root     string
	cfg      config.Config
	readonly bool
	logger   *zap.Logger

	mu sync.Mutex

	control *control.Control
	dict    *dict.Dict
	suf     *suffix.Suffix
	idx     *index.Index
	mp      *mapping.Mapping
	pf      *prefixfile.Reader

	afterFlush []func() error

	inBatch bool
	closed  bool

	self *selfRef
}

// controlPath returns the fixed path of the control file under root.
func controlPath(root string) string {
	return root + "/store.control"
}

// CreateRW creates a brand-new store at cfg.Root.
func CreateRW(cfg config.Config, logger *zap.Logger) (*FileManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kind, err := ioutil.ClassifyPath(cfg.Root)
	if err != nil {
		return nil, err
	}
	switch kind {
	case ioutil.KindNoEnt:
		if err := ioutil.Mkdir(cfg.Root); err != nil {
			return nil, err
		}
	case ioutil.KindDirectory:
		// ok, may be empty or may be rejected below by control CreateRW.
	default:
		return nil, fmt.Errorf("%s: %w", cfg.Root, errs.ErrInvalidLayout)
	}

	initial := control.Payload{
		Status:        control.Status{Kind: control.NoGcYet},
		ChunkStartIdx: 0,
		ChunkNum:      1,
	}
	c, err := control.CreateRW(controlPath(cfg.Root), false, initial, cfg.UseFsync)
	if err != nil {
		return nil, err
	}

	self := &selfRef{}

	df, err := ioutil.Create(dictPath(cfg.Root), false)
	if err != nil {
		return nil, err
	}
	d, err := dict.Open(df, cfg.DictAutoFlushThreshold, ao.Procedure{External: self.flushDict}, 0)
	if err != nil {
		return nil, err
	}

	suf, err := suffix.CreateRW(cfg.Root, 0, cfg.SuffixAutoFlushThreshold, cfg.UseFsync, self.flushSuffixAndDeps)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(cfg.Root, false)
	if err != nil {
		return nil, err
	}

	fm := &FileManager{
		root: cfg.Root, cfg: cfg, logger: logger,
		control: c, dict: d, suf: suf, idx: idx, self: self,
	}
	self.set(fm)
	return fm, nil
}

func dictPath(root string) string { return root + "/store.dict" }

// OpenRW opens an existing store for read-write access, performing legacy
// migration if only a v1/v2 pack file is present and cfg.NoMigrate is
// false.
func OpenRW(cfg config.Config, logger *zap.Logger) (*FileManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ckind, err := ioutil.ClassifyPath(controlPath(cfg.Root))
	if err != nil {
		return nil, err
	}
	if ckind != ioutil.KindFile {
		legacyKind, err := ioutil.ClassifyPath(cfg.Root + "/" + legacyPackFile)
		if err != nil {
			return nil, err
		}
		if legacyKind == ioutil.KindFile {
			if cfg.NoMigrate {
				return nil, errs.ErrMigrationNeeded
			}
			if err := migrateLegacy(cfg); err != nil {
				return nil, err
			}
		} else {
			return nil, fmt.Errorf("%s: %w", cfg.Root, errs.ErrNoSuchFileOrDirectory)
		}
	}
	return openExisting(cfg, false, logger)
}

// OpenRO opens an existing store for read-only access.
func OpenRO(cfg config.Config, logger *zap.Logger) (*FileManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return openExisting(cfg, true, logger)
}

func migrateLegacy(cfg config.Config) error {
	legacy := cfg.Root + "/" + legacyPackFile
	f, err := ioutil.Open(legacy, ioutil.ReadOnly, false)
	if err != nil {
		return err
	}
	size, err := f.Size()
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := ioutil.Rename(legacy, suffix.FileName(cfg.Root, 0)); err != nil {
		return err
	}
	initial := control.Payload{
		SuffixEndPoff: size,
		Status: control.Status{
			Kind:                 control.FromV1V2PostUpgrade,
			EntryOffsetAtUpgrade: size,
		},
		ChunkStartIdx: 0,
		ChunkNum:      1,
	}
	_, err = control.CreateRW(controlPath(cfg.Root), true, initial, cfg.UseFsync)
	return err
}

func openExisting(cfg config.Config, readonly bool, logger *zap.Logger) (*FileManager, error) {
	c, err := control.Open(controlPath(cfg.Root), readonly, cfg.UseFsync)
	if err != nil {
		return nil, err
	}
	pl := c.Payload()

	if pl.Status.Kind == control.Gced && !readonly {
		if cfg.IndexingStrategy != config.Minimal {
			return nil, errs.ErrOnlyMinimalIndexingStrategyAllowed
		}
	}

	self := &selfRef{}

	dmode := ioutil.ReadWriteExisting
	if readonly {
		dmode = ioutil.ReadOnly
	}
	df, err := ioutil.Open(dictPath(cfg.Root), dmode, false)
	if err != nil {
		return nil, err
	}
	d, err := dict.Open(df, cfg.DictAutoFlushThreshold, ao.Procedure{External: self.flushDict}, pl.DictEndPoff)
	if err != nil {
		return nil, err
	}

	var suffixStart, deadBytes int64
	var gen int64
	if pl.Status.Kind == control.Gced {
		suffixStart = pl.Status.SuffixStartOffset
		deadBytes = pl.Status.SuffixDeadBytes
		gen = pl.Status.Generation
	}

	suf, err := suffix.Open(cfg.Root, pl.ChunkStartIdx, pl.ChunkNum, readonly, cfg.SuffixAutoFlushThreshold, cfg.UseFsync, suffixStart, deadBytes, self.flushSuffixAndDeps)
	if err != nil {
		return nil, err
	}
	suf.RefreshEndPoff(pl.SuffixEndPoff)

	idx, err := index.Open(cfg.Root, readonly)
	if err != nil {
		return nil, err
	}

	fm := &FileManager{
		root: cfg.Root, cfg: cfg, readonly: readonly, logger: logger,
		control: c, dict: d, suf: suf, idx: idx, self: self,
	}

	if pl.Status.Kind == control.Gced {
		pf, err := prefixfile.Open(cfg.Root, gen)
		if err != nil {
			return nil, err
		}
		mp, err := mapping.Load(mapping.FileName(cfg.Root, gen))
		if err != nil {
			return nil, err
		}
		fm.pf = pf
		fm.mp = mp
	}

	self.set(fm)
	return fm, nil
}

// DeadHeaderSize returns the fixed number of leading bytes that must be
// skipped when decoding an entry that predates a v1/v2-to-v4 upgrade.
func (fm *FileManager) DeadHeaderSize() int {
	if fm.control.Payload().Status.Kind == control.FromV1V2PostUpgrade {
		return legacyDeadHeaderSize
	}
	return 0
}

// Accessors.
func (fm *FileManager) Dict() *dict.Dict           { return fm.dict }
func (fm *FileManager) Suffix() *suffix.Suffix     { return fm.suf }
func (fm *FileManager) Index() *index.Index        { return fm.idx }
func (fm *FileManager) Mapping() *mapping.Mapping   { return fm.mp }
func (fm *FileManager) Prefix() *prefixfile.Reader  { return fm.pf }
func (fm *FileManager) Root() string                { return fm.root }
func (fm *FileManager) Config() config.Config       { return fm.cfg }
func (fm *FileManager) Readonly() bool              { return fm.readonly }
func (fm *FileManager) Generation() int64 {
	return fm.control.Payload().Status.Generation
}

// RegisterAfterFlush registers a callback invoked at the end of a
// successful stage-2 (suffix) flush, e.g. the pack store clearing its
// staging table.
func (fm *FileManager) RegisterAfterFlush(cb func() error) {
	fm.afterFlush = append(fm.afterFlush, cb)
}

// Dispatcher builds a resolver for the manager's current suffix/mapping/
// prefix triple. Callers should fetch a fresh one after any Reload or
// Swap, since those can replace mp/pf wholesale.
func (fm *FileManager) Dispatcher() *dispatch.Dispatcher {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return dispatch.New(fm.suf, fm.mp, fm.pf)
}
