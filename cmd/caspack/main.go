// Command caspack is a small smoke-test CLI over the full fm/packstore/gc
// stack: create a store, add a blob, read it back, chain commits over
// previously added entries, and run GC against a chosen commit.
//
// Domain value encoding (commits, inodes, trees) is an external
// collaborator per the store's own design — this CLI is not a Merkle
// key-value store client, just a driver exercising the pack layer. Its
// "commit" is the simplest possible stand-in: a payload that is nothing
// but the big-endian offsets of the entries it references, decoded by the
// same convention the GC worker's tests use.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/caspack/caspack/internal/config"
	"github.com/caspack/caspack/internal/fm"
	"github.com/caspack/caspack/internal/gc"
	"github.com/caspack/caspack/pkg/hash"
	"github.com/caspack/caspack/pkg/packstore"
	"github.com/caspack/caspack/pkg/packval"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "caspack:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: caspack <create|add|commit|get|gc|stat> [flags]")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return runCreate(rest)
	case "add":
		return runAdd(rest)
	case "commit":
		return runCommit(rest)
	case "get":
		return runGet(rest)
	case "gc":
		return runGC(rest)
	case "stat":
		return runStat(rest)
	default:
		return fmt.Errorf("unknown subcommand %q", cmd)
	}
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// cliConfig builds the config every subcommand must agree on. In
// particular ContentsLengthHeader is not part of the persisted control
// payload (§3 only tracks offsets, chunk range, GC status, and a
// checksum), so a store opened across separate process invocations must
// have every invocation supply the same value; this CLI always turns the
// header on so that content entries referenced as a commit's children
// remain resolvable during GC's mark phase (§4.9, "Decoding references":
// an entry with no length header and no index record is unrecoverable).
func cliConfig(root string) config.Config {
	cfg := config.Default(root)
	cfg.ContentsLengthHeader = config.VarintLengthHeader
	return cfg
}

func flagSet(name string) (*pflag.FlagSet, *string, *bool) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	root := fs.String("root", "", "store root directory")
	verbose := fs.Bool("verbose", false, "enable structured logging to stderr")
	return fs, root, verbose
}

func runCreate(args []string) error {
	fs, root, verbose := flagSet("create")
	useFsync := fs.Bool("fsync", true, "fsync control/suffix/dict writes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" {
		return fmt.Errorf("create: --root is required")
	}
	cfg := cliConfig(*root)
	cfg.UseFsync = *useFsync

	m, err := fm.CreateRW(cfg, newLogger(*verbose))
	if err != nil {
		return pkgerrors.Wrap(err, "create")
	}
	return m.Close()
}

func runAdd(args []string) error {
	fs, root, verbose := flagSet("add")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" {
		return fmt.Errorf("add: --root is required")
	}
	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return pkgerrors.Wrap(err, "add: reading stdin")
	}

	return withStore(*root, *verbose, func(m *fm.FileManager, s *packstore.Store) error {
		h := hash.Of(payload)
		key, err := s.Add(packval.Contents, h, payload, true)
		if err != nil {
			return pkgerrors.Wrap(err, "add")
		}
		off, length, _ := key.Resolved()
		fmt.Printf("%s offset=%d length=%d\n", h, off, length)
		return nil
	})
}

// runCommit wraps one or more already-written entries into a CommitV2
// record referencing their offsets, the minimal shape the GC worker's
// mark phase needs to find children. Parents are named by the absolute
// offset `add`/`commit` printed when the entry was written, not by hash:
// under the minimal indexing strategy only commits are ever registered in
// the index, so a content parent generally has no index entry to resolve
// a hash back to an offset through.
func runCommit(args []string) error {
	fs, root, verbose := flagSet("commit")
	refs := fs.Int64Slice("ref", nil, "offset of a prior entry this commit references (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" {
		return fmt.Errorf("commit: --root is required")
	}
	if len(*refs) == 0 {
		return fmt.Errorf("commit: at least one --ref is required")
	}

	return withStore(*root, *verbose, func(m *fm.FileManager, s *packstore.Store) error {
		payload := encodeOffsets(*refs)
		h := hash.Of(payload)
		key, err := s.Add(packval.CommitV2, h, payload, true)
		if err != nil {
			return pkgerrors.Wrap(err, "commit")
		}
		off, length, _ := key.Resolved()
		fmt.Printf("%s offset=%d length=%d\n", h, off, length)
		return nil
	})
}

func runGet(args []string) error {
	fs, root, verbose := flagSet("get")
	hashStr := fs.String("hash", "", "hash of the entry to fetch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" || *hashStr == "" {
		return fmt.Errorf("get: --root and --hash are required")
	}
	h, ok := hash.MaybeParse(*hashStr)
	if !ok {
		return fmt.Errorf("get: %q is not a valid hash", *hashStr)
	}

	return withStore(*root, *verbose, func(m *fm.FileManager, s *packstore.Store) error {
		key := packval.NewIndexed(h)
		entry, err := s.Find(key)
		if err != nil {
			return pkgerrors.Wrap(err, "get")
		}
		fmt.Printf("kind=%s length=%d\n", entry.Kind, len(entry.Payload))
		_, err = os.Stdout.Write(entry.Payload)
		return err
	})
}

func runGC(args []string) error {
	fs, root, verbose := flagSet("gc")
	hashStr := fs.String("commit", "", "hash of the commit to GC to")
	wait := fs.Bool("wait", true, "block until the GC attempt finishes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" || *hashStr == "" {
		return fmt.Errorf("gc: --root and --commit are required")
	}
	h, ok := hash.MaybeParse(*hashStr)
	if !ok {
		return fmt.Errorf("gc: %q is not a valid hash", *hashStr)
	}

	return withStore(*root, *verbose, func(m *fm.FileManager, s *packstore.Store) error {
		orch := gc.New(m, s, newLogger(*verbose))
		key := packval.NewIndexed(h)
		if err := orch.Start(key, childrenOf); err != nil {
			return pkgerrors.Wrap(err, "gc: start")
		}
		if err := orch.Finalise(*wait); err != nil {
			return pkgerrors.Wrap(err, "gc: finalise")
		}
		fmt.Printf("gc: now at generation %d\n", m.Generation())
		return nil
	})
}

func runStat(args []string) error {
	fs, root, verbose := flagSet("stat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *root == "" {
		return fmt.Errorf("stat: --root is required")
	}
	cfg := cliConfig(*root)
	cfg.Fresh = false
	m, err := fm.OpenRO(cfg, newLogger(*verbose))
	if err != nil {
		return pkgerrors.Wrap(err, "stat")
	}
	defer m.Close()

	fmt.Printf("root: %s\n", *root)
	fmt.Printf("generation: %d\n", m.Generation())
	fmt.Printf("readonly: %v\n", m.Readonly())
	fmt.Printf("dead_header_size: %d\n", m.DeadHeaderSize())
	printStatus(m)
	return nil
}

// printStatus re-derives the status kind by generation, since FileManager
// doesn't expose the raw control payload directly outside the fm package;
// Generation()==0 and no prior GC both read as "no_gc_yet" for stat's
// purposes, which is the only ambiguity a read-only CLI summary needs to
// tolerate.
func printStatus(m *fm.FileManager) {
	if m.Generation() > 0 {
		fmt.Println("status: gced")
	} else {
		fmt.Println("status: no_gc_yet")
	}
}

func withStore(root string, verbose bool, f func(*fm.FileManager, *packstore.Store) error) error {
	cfg := cliConfig(root)
	cfg.Fresh = false
	logger := newLogger(verbose)

	m, err := fm.OpenRW(cfg, logger)
	if err != nil {
		return pkgerrors.Wrap(err, "opening store")
	}
	s, err := packstore.New(m, true, logger)
	if err != nil {
		_ = m.Close()
		return pkgerrors.Wrap(err, "opening pack store")
	}

	ferr := f(m, s)
	if flushErr := m.FlushAll(); flushErr != nil && ferr == nil {
		ferr = pkgerrors.Wrap(flushErr, "flushing store")
	}
	if closeErr := m.Close(); closeErr != nil && ferr == nil {
		ferr = pkgerrors.Wrap(closeErr, "closing store")
	}
	return ferr
}

func encodeOffsets(offs []int64) []byte {
	buf := make([]byte, 8*len(offs))
	for i, o := range offs {
		binary.BigEndian.PutUint64(buf[i*8:], uint64(o))
	}
	return buf
}

// childrenOf decodes the offsets referenced by a commit/inode payload
// written by this CLI's own encodeOffsets; Contents entries never
// reference other entries, so every other kind returns no children.
func childrenOf(kind packval.Kind, payload []byte) ([]int64, error) {
	switch kind {
	case packval.CommitV1, packval.CommitV2, packval.InodeV2Root, packval.InodeV2Nonroot, packval.InodeV1Stable, packval.InodeV1Unstable:
		if len(payload)%8 != 0 {
			return nil, fmt.Errorf("caspack: malformed reference payload (%d bytes)", len(payload))
		}
		out := make([]int64, len(payload)/8)
		for i := range out {
			out[i] = int64(binary.BigEndian.Uint64(payload[i*8:]))
		}
		return out, nil
	default:
		return nil, nil
	}
}
