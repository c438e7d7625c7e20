package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureStdout redirects os.Stdout for the duration of f and returns
// everything written to it.
func captureStdout(t *testing.T, f func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	f()

	require.NoError(t, w.Close())
	out, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(out)
}

// withStdin redirects os.Stdin to read from data for the duration of f.
func withStdin(t *testing.T, data []byte, f func()) {
	t.Helper()
	old := os.Stdin
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdin = r
	defer func() { os.Stdin = old }()

	go func() {
		_, _ = w.Write(data)
		_ = w.Close()
	}()
	f()
}

func TestCLIRoundTripAndGC(t *testing.T) {
	root := filepath.Join(t.TempDir(), "store")

	require.NoError(t, run([]string{"create", "--root", root, "--fsync=false"}))

	var addOut string
	withStdin(t, []byte("hello, caspack"), func() {
		addOut = captureStdout(t, func() {
			require.NoError(t, run([]string{"add", "--root", root}))
		})
	})
	fields := strings.Fields(addOut)
	require.NotEmpty(t, fields)
	contentOffset := strings.TrimPrefix(fields[1], "offset=")

	commitOut := captureStdout(t, func() {
		require.NoError(t, run([]string{"commit", "--root", root, "--ref", contentOffset}))
	})
	commitFields := strings.Fields(commitOut)
	require.NotEmpty(t, commitFields)
	commitHash := commitFields[0]

	// Under the default minimal indexing strategy only commits are
	// indexed, so get resolves the commit and prints its offset payload.
	getOut := captureStdout(t, func() {
		require.NoError(t, run([]string{"get", "--root", root, "--hash", commitHash}))
	})
	off, err := strconv.ParseInt(contentOffset, 10, 64)
	require.NoError(t, err)
	require.Contains(t, getOut, "kind=commit_v2")
	require.True(t, bytes.HasSuffix([]byte(getOut), encodeOffsets([]int64{off})))

	statOut := captureStdout(t, func() {
		require.NoError(t, run([]string{"stat", "--root", root}))
	})
	require.Contains(t, statOut, "generation: 0")
	require.Contains(t, statOut, "status: no_gc_yet")

	require.NoError(t, run([]string{"gc", "--root", root, "--commit", commitHash}))

	statOut = captureStdout(t, func() {
		require.NoError(t, run([]string{"stat", "--root", root}))
	})
	require.Contains(t, statOut, "generation: 1")
	require.Contains(t, statOut, "status: gced")
}

func TestCLIRejectsUnknownSubcommand(t *testing.T) {
	err := run([]string{"frobnicate"})
	require.Error(t, err)
}

func TestCLIRequiresRoot(t *testing.T) {
	err := run([]string{"create"})
	require.Error(t, err)
}
