package packval

import (
	"sync"

	"github.com/caspack/caspack/pkg/hash"
)

// Key addresses a pack entry either by hash alone (Indexed, requiring an
// index probe to dereference) or by hash plus a known offset/length
// (Direct, dereferenceable with a single positional read).
//
// A Key is an interior-mutable cell: Promote refines an Indexed key to
// Direct in place once its offset is discovered, so that every holder of
// the pointer observes the refinement (§3: "Keys are promotable in place
// ... the hash never changes"). The zero value is not a valid Key; use
// NewIndexed or NewDirect.
type Key struct {
	mu      sync.RWMutex
	hash    hash.Hash
	direct  bool
	offset  int64
	length  int64
}

// NewIndexed builds a key known only by hash.
func NewIndexed(h hash.Hash) *Key {
	return &Key{hash: h}
}

// NewDirect builds a key with a known offset and length.
func NewDirect(h hash.Hash, offset, length int64) *Key {
	return &Key{hash: h, direct: true, offset: offset, length: length}
}

// Hash returns the key's digest. It never changes over the key's lifetime.
func (k *Key) Hash() hash.Hash {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.hash
}

// IsDirect reports whether the key currently carries offset/length.
func (k *Key) IsDirect() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.direct
}

// Resolved returns the key's offset and length, and whether it is direct.
func (k *Key) Resolved() (offset, length int64, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.offset, k.length, k.direct
}

// Promote refines an Indexed key to Direct in place. Promotion is
// idempotent and monotonic: once direct, later calls are no-ops. This
// makes concurrent promotion from multiple readers racing to resolve the
// same Indexed key safe, at the cost of silently discarding a second
// (necessarily identical, since the hash is immutable and the store never
// moves a live entry) resolution.
func (k *Key) Promote(offset, length int64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.direct {
		return
	}
	k.direct = true
	k.offset = offset
	k.length = length
}

// Clone returns a new, independent Key with the same current value. Useful
// when a caller wants a promoted copy without aliasing the original's
// interior-mutable cell.
func (k *Key) Clone() *Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.direct {
		return NewDirect(k.hash, k.offset, k.length)
	}
	return NewIndexed(k.hash)
}
