// Package control persists the small, versioned control-file payload that
// anchors every other file in the store: offsets, chunk range, and GC
// status. The file is rewritten atomically on every flush, split, and
// swap.
package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/natefinch/atomic"

	"github.com/caspack/caspack/internal/errs"
)

var magic = [4]byte{'P', 'K', 'C', 'F'}

// version is the on-disk major format this implementation writes and the
// newest it understands. A payload with a larger version is rejected with
// ErrStoreFromTheFuture; a payload with version 1-3 is decoded with the
// same version-4 layout, with no version-specific conversion.
const version = 4

// StatusKind tags the variant carried by Status.
type StatusKind uint8

const (
	NoGcYet StatusKind = iota
	FromV1V2PostUpgrade
	UsedNonMinimalIndexingStrategy
	Gced
)

// Status is the control file's status union (§3). Only the fields for the
// active Kind are meaningful.
type Status struct {
	Kind StatusKind

	// FromV1V2PostUpgrade
	EntryOffsetAtUpgrade int64

	// Gced
	SuffixStartOffset    int64
	Generation           int64
	LatestGcTargetOffset int64
	SuffixDeadBytes      int64
}

// Payload is the fixed control-file schema from §3.
type Payload struct {
	DictEndPoff   int64
	SuffixEndPoff int64
	Status        Status

	UpgradedFromV3ToV4 bool
	ChunkStartIdx      int
	ChunkNum           int
}

// Control owns the single control-file payload for a store.
type Control struct {
	path     string
	readonly bool
	useFsync bool
	payload  Payload
}

// CreateRW creates path (or truncates it, if overwrite) and writes the
// initial payload.
func CreateRW(path string, overwrite bool, payload Payload, useFsync bool) (*Control, error) {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil, fmt.Errorf("%s: %w", path, errs.ErrFileExists)
		}
	}
	c := &Control{path: path, useFsync: useFsync, payload: payload}
	if err := c.writeLocked(payload); err != nil {
		return nil, err
	}
	return c, nil
}

// Open parses and validates the control file at path.
func Open(path string, readonly bool, useFsync bool) (*Control, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, errs.ErrNoSuchFileOrDirectory)
		}
		return nil, fmt.Errorf("%s: %w: %v", path, errs.ErrIOMisc, err)
	}
	payload, err := decode(buf)
	if err != nil {
		return nil, err
	}
	return &Control{path: path, readonly: readonly, useFsync: useFsync, payload: payload}, nil
}

// Payload returns the cached payload.
func (c *Control) Payload() Payload { return c.payload }

// SetPayload writes a new payload and, if useFsync is set, fsyncs it.
func (c *Control) SetPayload(pl Payload) error {
	if c.readonly {
		return errs.ErrRoNotAllowed
	}
	if err := c.writeLocked(pl); err != nil {
		return err
	}
	c.payload = pl
	return nil
}

func (c *Control) writeLocked(pl Payload) error {
	buf := encode(pl)
	if err := atomic.WriteFile(c.path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("%s: %w: %v", c.path, errs.ErrIOMisc, err)
	}
	if c.useFsync {
		if err := fsyncDir(c.path); err != nil {
			return err
		}
	}
	return nil
}

// Reload re-reads the payload from disk, refreshing the cached copy. It
// returns the freshly read payload so the caller (the file manager) can
// compare it against the previous one without a second read.
func (c *Control) Reload() (Payload, error) {
	buf, err := os.ReadFile(c.path)
	if err != nil {
		return Payload{}, fmt.Errorf("%s: %w: %v", c.path, errs.ErrIOMisc, err)
	}
	pl, err := decode(buf)
	if err != nil {
		return Payload{}, err
	}
	c.payload = pl
	return pl, nil
}

// Close is a no-op placeholder kept for symmetry with the other
// FM-managed files; the control file has no open OS handle between
// writes.
func (c *Control) Close() error { return nil }

func encode(pl Payload) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = buf.WriteByte(version)

	var body bytes.Buffer
	writeInt64(&body, pl.DictEndPoff)
	writeInt64(&body, pl.SuffixEndPoff)
	_ = body.WriteByte(byte(pl.Status.Kind))
	writeInt64(&body, pl.Status.EntryOffsetAtUpgrade)
	writeInt64(&body, pl.Status.SuffixStartOffset)
	writeInt64(&body, pl.Status.Generation)
	writeInt64(&body, pl.Status.LatestGcTargetOffset)
	writeInt64(&body, pl.Status.SuffixDeadBytes)
	writeBool(&body, pl.UpgradedFromV3ToV4)
	writeInt64(&body, int64(pl.ChunkStartIdx))
	writeInt64(&body, int64(pl.ChunkNum))

	checksum := crc32.ChecksumIEEE(body.Bytes())
	var cbuf [4]byte
	binary.BigEndian.PutUint32(cbuf[:], checksum)

	buf.Write(cbuf[:])
	buf.Write(body.Bytes())
	return buf.Bytes()
}

func decode(buf []byte) (Payload, error) {
	if len(buf) < len(magic)+1+4 {
		return Payload{}, fmt.Errorf("%w: truncated header", errs.ErrCorruptedControlFile)
	}
	if !bytes.Equal(buf[:len(magic)], magic[:]) {
		return Payload{}, fmt.Errorf("%w: bad magic", errs.ErrCorruptedControlFile)
	}
	v := buf[len(magic)]
	if v > version {
		return Payload{}, fmt.Errorf("%w: version %d", errs.ErrStoreFromTheFuture, v)
	}
	off := len(magic) + 1
	wantChecksum := binary.BigEndian.Uint32(buf[off : off+4])
	body := buf[off+4:]
	if crc32.ChecksumIEEE(body) != wantChecksum {
		return Payload{}, fmt.Errorf("%w: checksum mismatch", errs.ErrCorruptedControlFile)
	}

	r := bytes.NewReader(body)
	var pl Payload
	var err error
	if pl.DictEndPoff, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	if pl.SuffixEndPoff, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return Payload{}, corrupt(err)
	}
	pl.Status.Kind = StatusKind(kindByte)
	if pl.Status.EntryOffsetAtUpgrade, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	if pl.Status.SuffixStartOffset, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	if pl.Status.Generation, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	if pl.Status.LatestGcTargetOffset, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	if pl.Status.SuffixDeadBytes, err = readInt64(r); err != nil {
		return Payload{}, corrupt(err)
	}
	upgraded, err := readBool(r)
	if err != nil {
		return Payload{}, corrupt(err)
	}
	pl.UpgradedFromV3ToV4 = upgraded
	chunkStart, err := readInt64(r)
	if err != nil {
		return Payload{}, corrupt(err)
	}
	pl.ChunkStartIdx = int(chunkStart)
	chunkNum, err := readInt64(r)
	if err != nil {
		return Payload{}, corrupt(err)
	}
	pl.ChunkNum = int(chunkNum)
	return pl, nil
}

func corrupt(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrCorruptedControlFile, err)
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var tmp [8]byte
	if _, err := readFull(r, tmp[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(tmp[:])), nil
}

func writeBool(buf *bytes.Buffer, b bool) {
	if b {
		_ = buf.WriteByte(1)
	} else {
		_ = buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func fsyncDir(path string) error {
	dir := dirname(path)
	d, err := os.Open(dir)
	if err != nil {
		// Best effort: some platforms don't support opening a directory.
		return nil
	}
	defer d.Close()
	_ = d.Sync()
	return nil
}

func dirname(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
