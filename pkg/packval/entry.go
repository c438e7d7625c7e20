package packval

import (
	"encoding/binary"
	"fmt"

	"github.com/caspack/caspack/pkg/hash"
)

// MaxVarintLen is the widest a uvarint length header can be (matches
// binary.MaxVarintLen64).
const MaxVarintLen = binary.MaxVarintLen64

// PrefixLen is the number of bytes sufficient to decode (hash, kind, and
// the length header, if any) without touching the payload.
const PrefixLen = hash.ByteLen + 1 + MaxVarintLen

// EntryPrefix is the decoded leading bytes of a pack entry.
type EntryPrefix struct {
	Hash hash.Hash
	Kind Kind
	// TotalLen is the full entry length (hash + kind + header + payload),
	// valid only when HasLenHeader is true.
	TotalLen   int64
	HasLenHeader bool
	// HeaderLen is how many bytes the varint length header itself
	// occupied, needed by callers that must skip past it to the payload.
	HeaderLen int
}

// DecodeEntryPrefix parses the leading bytes of a pack entry. buf must
// contain at least hash.ByteLen+1 bytes; if the kind carries a length
// header, buf must contain enough trailing bytes for binary.Uvarint to
// terminate (PrefixLen bytes is always sufficient).
func DecodeEntryPrefix(buf []byte, contentsHasHeader bool) (EntryPrefix, error) {
	if len(buf) < hash.ByteLen+1 {
		return EntryPrefix{}, fmt.Errorf("packval: entry prefix buffer too short (%d bytes)", len(buf))
	}
	h := hash.New(buf[:hash.ByteLen])
	k := Kind(buf[hash.ByteLen])

	hasHeader := k.HasLengthHeader()
	if k == Contents {
		hasHeader = contentsHasHeader
	}

	ep := EntryPrefix{Hash: h, Kind: k, HasLenHeader: hasHeader}
	if !hasHeader {
		return ep, nil
	}

	rest := buf[hash.ByteLen+1:]
	val, n := binary.Uvarint(rest)
	if n <= 0 {
		return EntryPrefix{}, fmt.Errorf("packval: malformed length header for kind %s", k)
	}
	ep.HeaderLen = n
	ep.TotalLen = int64(hash.ByteLen) + 1 + int64(val)
	return ep, nil
}

// EncodeHeader writes hash+kind and, if present, the varint length header
// for a payload of payloadLen bytes. It returns the encoded bytes; the
// caller appends payload immediately after.
func EncodeHeader(h hash.Hash, k Kind, hasHeader bool, payloadLen int) []byte {
	buf := make([]byte, 0, hash.ByteLen+1+MaxVarintLen)
	buf = append(buf, h.Bytes()...)
	buf = append(buf, byte(k))
	if hasHeader {
		var tmp [MaxVarintLen]byte
		// the header encodes "size_of_value_and_length_header": the
		// payload length plus however many bytes the header itself will
		// occupy. Varint width depends on the value, so re-encode until
		// the width no longer changes.
		n := binary.PutUvarint(tmp[:], uint64(payloadLen))
		total := uint64(payloadLen + n)
		for {
			m := binary.PutUvarint(tmp[:], total)
			if m == n {
				break
			}
			n = m
			total = uint64(payloadLen + n)
		}
		buf = append(buf, tmp[:n]...)
	}
	return buf
}

// TotalEntryLen is EncodeHeader's header length plus hash.ByteLen+1 plus
// payloadLen, i.e. what the resulting entry's total on-disk length will be.
func TotalEntryLen(h hash.Hash, k Kind, hasHeader bool, payloadLen int) int64 {
	return int64(len(EncodeHeader(h, k, hasHeader, payloadLen)) + payloadLen)
}
