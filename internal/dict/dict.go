// Package dict implements the interned-string table: a monotone,
// append-only list of byte strings addressed by a dense integer id, built
// on top of an append-only file. The id space is stable across flushes.
package dict

import (
	"encoding/binary"
	"fmt"

	"github.com/caspack/caspack/internal/ao"
	"github.com/caspack/caspack/internal/ioutil"
)

// Dict is an interned-string table.
type Dict struct {
	a *ao.AO

	entries [][]byte
	byValue map[string]uint32

	afterReload []func()
}

// Open parses the existing on-disk entries (if any) up to diskEndOff and
// wraps the AO for further appends.
func Open(file *ioutil.File, threshold int, proc ao.Procedure, diskEndOff int64) (*Dict, error) {
	a := ao.Open(file, threshold, proc, diskEndOff)
	d := &Dict{a: a, byValue: make(map[string]uint32)}
	if err := d.loadExisting(diskEndOff); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dict) loadExisting(end int64) error {
	if end == 0 {
		return nil
	}
	buf := make([]byte, end)
	if err := d.a.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("dict: loading existing entries: %w", err)
	}
	pos := 0
	for pos < len(buf) {
		length, n := binary.Uvarint(buf[pos:])
		if n <= 0 {
			return fmt.Errorf("dict: malformed length header at byte %d", pos)
		}
		pos += n
		if pos+int(length) > len(buf) {
			return fmt.Errorf("dict: truncated entry at byte %d", pos)
		}
		val := make([]byte, length)
		copy(val, buf[pos:pos+int(length)])
		pos += int(length)
		d.byValue[string(val)] = uint32(len(d.entries))
		d.entries = append(d.entries, val)
	}
	return nil
}

// Find returns the bytes interned at id, or ok=false if id is out of
// range.
func (d *Dict) Find(id uint32) (val []byte, ok bool) {
	if int(id) >= len(d.entries) {
		return nil, false
	}
	return d.entries[id], true
}

// Index returns the id for s, appending s (and assigning it a fresh id)
// if it is not already interned.
func (d *Dict) Index(s []byte) (uint32, error) {
	if id, ok := d.byValue[string(s)]; ok {
		return id, nil
	}
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(s)))
	rec := make([]byte, 0, n+len(s))
	rec = append(rec, hdr[:n]...)
	rec = append(rec, s...)
	if err := d.a.AppendExn(rec); err != nil {
		return 0, err
	}
	id := uint32(len(d.entries))
	cp := make([]byte, len(s))
	copy(cp, s)
	d.entries = append(d.entries, cp)
	d.byValue[string(cp)] = id
	return id, nil
}

// EndPoff returns the dict AO's current logical end offset.
func (d *Dict) EndPoff() int64 { return d.a.EndPoff() }

// Flush flushes the underlying AO.
func (d *Dict) Flush() error { return d.a.Flush() }

// Fsync forwards to the underlying AO.
func (d *Dict) Fsync() error { return d.a.Fsync() }

// Pending reports whether the dict has unflushed appends.
func (d *Dict) Pending() bool { return d.a.Pending() }

// Close closes the underlying file.
func (d *Dict) Close() error { return d.a.Close() }

// RegisterAfterReload registers a callback invoked by Refresh, giving a
// read-only dict consumer a chance to rebuild a derived view once the
// dict's on-disk end offset moves.
func (d *Dict) RegisterAfterReload(cb func()) {
	d.afterReload = append(d.afterReload, cb)
}

// Refresh re-parses entries appended between the dict's current in-memory
// view and newEndPoff (observed from a reloaded control payload on a
// read-only handle), then runs every registered after-reload callback.
func (d *Dict) Refresh(newEndPoff int64) error {
	cur := d.a.DiskEndPoff()
	if newEndPoff <= cur {
		return nil
	}
	// Advance the on-disk end first so the new range is read from the
	// file rather than treated as part of the write buffer.
	d.a.RefreshDiskEndPoff(newEndPoff)
	buf := make([]byte, newEndPoff-cur)
	if err := d.a.ReadAt(buf, cur); err != nil {
		return fmt.Errorf("dict: refreshing: %w", err)
	}
	pos := 0
	for pos < len(buf) {
		length, n := binary.Uvarint(buf[pos:])
		if n <= 0 {
			return fmt.Errorf("dict: malformed length header during refresh")
		}
		pos += n
		val := make([]byte, length)
		copy(val, buf[pos:pos+int(length)])
		pos += int(length)
		d.byValue[string(val)] = uint32(len(d.entries))
		d.entries = append(d.entries, val)
	}
	for _, cb := range d.afterReload {
		cb()
	}
	return nil
}
