// Package dispatch resolves a logical (offset, length) read to either the
// post-GC prefix (via the mapping table) or the live suffix, opaque to
// callers. It is a thin façade: all state it needs is borrowed from the
// file manager.
package dispatch

import (
	"fmt"

	"github.com/caspack/caspack/internal/errs"
	"github.com/caspack/caspack/internal/mapping"
	"github.com/caspack/caspack/internal/prefixfile"
	"github.com/caspack/caspack/internal/suffix"
)

// Source identifies which backing file an Accessor resolved to.
type Source int

const (
	SourceSuffix Source = iota
	SourcePrefix
)

// Accessor is a resolved read plan: where to read from, and at what
// physical/prefix-local offset and length. Resolving is separated from
// reading so that range validation happens once, up front, even though in
// this Go port both steps are plain error returns rather than exceptions.
type Accessor struct {
	Source Source
	Offset int64
	Length int64
}

// Dispatcher resolves reads against a suffix and an optional prefix+
// mapping pair (nil before the store's first GC).
type Dispatcher struct {
	suf *suffix.Suffix
	mp  *mapping.Mapping
	pf  *prefixfile.Reader
}

// New builds a Dispatcher over the given suffix and, if the store has
// been GC'd at least once, its mapping and prefix.
func New(suf *suffix.Suffix, mp *mapping.Mapping, pf *prefixfile.Reader) *Dispatcher {
	return &Dispatcher{suf: suf, mp: mp, pf: pf}
}

// CreateAccessorExn resolves a read of exactly length bytes at absolute
// offset off.
func (d *Dispatcher) CreateAccessorExn(off, length int64) (Accessor, error) {
	end := d.suf.EndPoff()
	if off+length > end {
		return Accessor{}, fmt.Errorf("dispatch: offset %d len %d exceeds end %d: %w", off, length, end, errs.ErrReadOutOfBounds)
	}

	if off >= d.suf.StartOffset() {
		return Accessor{Source: SourceSuffix, Offset: off, Length: length}, nil
	}

	// off is below the live suffix window: it must be served from the
	// prefix, if one exists.
	if d.mp == nil || d.pf == nil {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidReadOfGcedObject, off)
	}
	dst, mappedLen, ok := d.mp.Lookup(off)
	if !ok {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidReadOfGcedObject, off)
	}
	if length > 0 && mappedLen < length {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidMappingRead, off)
	}
	if dst+mappedLen > d.pf.Size() {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidPrefixRead, off)
	}
	useLen := length
	if useLen <= 0 {
		useLen = mappedLen
	}
	return Accessor{Source: SourcePrefix, Offset: dst, Length: useLen}, nil
}

// CreateAccessorFromRangeExn resolves a read whose exact length is not
// yet known, bounded to [minLen, maxLen]. The suffix case reads maxLen
// speculatively (trimmed by the caller once it decodes the real length);
// the prefix case trusts the mapping's recorded length.
func (d *Dispatcher) CreateAccessorFromRangeExn(off, minLen, maxLen int64) (Accessor, error) {
	end := d.suf.EndPoff()
	if off+minLen > end {
		return Accessor{}, fmt.Errorf("dispatch: offset %d min-len %d exceeds end %d: %w", off, minLen, end, errs.ErrReadOutOfBounds)
	}

	if off >= d.suf.StartOffset() {
		length := maxLen
		if off+length > end {
			length = end - off
		}
		return Accessor{Source: SourceSuffix, Offset: off, Length: length}, nil
	}

	if d.mp == nil || d.pf == nil {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidReadOfGcedObject, off)
	}
	dst, mappedLen, ok := d.mp.Lookup(off)
	if !ok {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidReadOfGcedObject, off)
	}
	if dst+mappedLen > d.pf.Size() {
		return Accessor{}, fmt.Errorf("%w: offset %d", errs.ErrInvalidPrefixRead, off)
	}
	return Accessor{Source: SourcePrefix, Offset: dst, Length: mappedLen}, nil
}

// ReadExn executes a previously resolved Accessor, filling buf (which
// must be exactly acc.Length bytes, or shorter for a range accessor whose
// real length the caller has since decoded).
func (d *Dispatcher) ReadExn(acc Accessor, buf []byte) error {
	switch acc.Source {
	case SourceSuffix:
		return d.suf.ReadAt(buf, acc.Offset)
	case SourcePrefix:
		return d.pf.ReadAt(buf, acc.Offset)
	default:
		return fmt.Errorf("dispatch: unknown accessor source %d", acc.Source)
	}
}
