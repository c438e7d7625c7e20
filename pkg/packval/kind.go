// Package packval defines the on-disk pack-entry wire format, the kind
// tag that selects its decoding, and the two-form pack key (Indexed vs
// Direct) used to address entries.
package packval

import "fmt"

// Kind is the one-byte tag stored immediately after an entry's hash. It
// selects whether a length header follows and whether the payload
// references other entries by offset.
type Kind uint8

const (
	Contents Kind = iota
	InodeV1Stable
	InodeV1Unstable
	InodeV2Root
	InodeV2Nonroot
	CommitV1
	CommitV2
	DanglingParentCommit

	// T1..T15 are reserved forward-compatibility placeholders. They parse
	// without semantic interpretation; opening a store does not check for
	// them, so their presence does not make an open read-only.
	reservedT1
	reservedT15 Kind = reservedT1 + 14
)

func (k Kind) String() string {
	switch k {
	case Contents:
		return "contents"
	case InodeV1Stable:
		return "inode_v1_stable"
	case InodeV1Unstable:
		return "inode_v1_unstable"
	case InodeV2Root:
		return "inode_v2_root"
	case InodeV2Nonroot:
		return "inode_v2_nonroot"
	case CommitV1:
		return "commit_v1"
	case CommitV2:
		return "commit_v2"
	case DanglingParentCommit:
		return "dangling_parent_commit"
	default:
		if k >= reservedT1 && k <= reservedT15 {
			return fmt.Sprintf("reserved_t%d", k-reservedT1+1)
		}
		return fmt.Sprintf("kind(%d)", k)
	}
}

// IsCommit reports whether kind is one of the commit variants; the minimal
// indexing strategy registers exactly these.
func (k Kind) IsCommit() bool {
	return k == CommitV1 || k == CommitV2
}

// IsReserved reports whether kind is one of the T1..T15 forward-
// compatibility placeholders that must be parsed but never interpreted.
func (k Kind) IsReserved() bool {
	return k >= reservedT1 && k <= reservedT15
}

// Known reports whether kind is a tag this implementation understands.
func (k Kind) Known() bool {
	return k <= DanglingParentCommit || k.IsReserved()
}

// HasLengthHeader reports whether entries of this kind carry an explicit
// varint length header ahead of their payload. Contents entries are
// controlled by the store's ContentsLengthHeader configuration, so callers
// that need that case must special-case Contents themselves; this method
// answers the question for every other kind, where the header is always
// present except on an un-upgraded dangling parent commit.
func (k Kind) HasLengthHeader() bool {
	switch k {
	case DanglingParentCommit:
		return false
	default:
		return true
	}
}

// UpgradeDangling maps DanglingParentCommit to the kind it logically is
// once its length must be computed (see §4.9: "upgrade to Commit_v2 before
// computing the length").
func UpgradeDangling(k Kind) Kind {
	if k == DanglingParentCommit {
		return CommitV2
	}
	return k
}
