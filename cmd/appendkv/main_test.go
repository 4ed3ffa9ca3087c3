// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpowers/appendkv"
)

func runAppWithInput(t *testing.T, stdin string, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(stdin)
	app.Writer = &out
	app.ErrWriter = &errOut
	err = app.Run(append([]string{"appendkv"}, args...))
	return out.String(), errOut.String(), err
}

func runApp(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	return runAppWithInput(t, "", args...)
}

func TestPutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")

	_, _, err := runApp(t, "--path", path, "put", "hello", "world")
	require.NoError(t, err)
	_, _, err = runApp(t, "--path", path, "put", "hello", "again")
	require.NoError(t, err)

	out, _, err := runApp(t, "--path", path, "get", "hello")
	require.NoError(t, err)
	require.Equal(t, "again\n", out)

	_, _, err = runApp(t, "--path", path, "get", "missing")
	require.ErrorIs(t, err, errNotFound)

	_, _, err = runApp(t, "--path", path, "put", "only-key")
	require.Error(t, err)
}

func TestNoPath(t *testing.T) {
	_, _, err := runApp(t, "get", "k")
	require.Error(t, err)
}

func TestGetMissingStore(t *testing.T) {
	_, _, err := runApp(t, "--path", filepath.Join(t.TempDir(), "nope"), "get", "k")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestImportDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	input := "a:1\nb:2\n\na:3\nurl:http://example.com\n"

	out, _, err := runAppWithInput(t, input, "--path", path, "import", "-")
	require.NoError(t, err)
	require.Equal(t, "imported 4 records\n", out)

	out, _, err = runApp(t, "--path", path, "dump")
	require.NoError(t, err)
	require.Equal(t, "a:1\nb:2\na:3\nurl:http://example.com\n", out)

	file := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(file, []byte("c:4\n"), 0o644))
	_, _, err = runApp(t, "--path", path, "import", file)
	require.NoError(t, err)

	out, _, err = runApp(t, "--path", path, "get", "c")
	require.NoError(t, err)
	require.Equal(t, "4\n", out)
}

func TestCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	_, _, err := runAppWithInput(t, "a:1\nb:2\n", "--path", path, "import", "-")
	require.NoError(t, err)

	out, _, err := runApp(t, "--path", path, "check")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "ok: 2 records"), out)
}

type failingWriter struct {
	writes int
}

func (f *failingWriter) Write([]byte) (int, error) {
	f.writes++
	return 0, errors.New("disk full")
}

func TestDumpWriteError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	var input strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&input, "key%d:%s\n", i, strings.Repeat("v", 100))
	}
	_, _, err := runAppWithInput(t, input.String(), "--path", path, "import", "-")
	require.NoError(t, err)

	out := &failingWriter{}
	app := newApp()
	app.Writer = out
	app.ErrWriter = io.Discard
	err = app.Run([]string{"appendkv", "--path", path, "dump"})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 1, out.writes)
}

func TestImportBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	_, _, err := runAppWithInput(t, "a:1\nnoseparator\n", "--path", path, "import", "-")
	require.ErrorContains(t, err, "line 2")

	// the first line was still committed
	out, _, err := runApp(t, "--path", path, "get", "a")
	require.NoError(t, err)
	require.Equal(t, "1\n", out)
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	backupFile := filepath.Join(dir, "backup.zst")

	var input strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&input, "key%d:value%d\n", i%10, i)
	}
	_, _, err := runAppWithInput(t, input.String(), "--path", src, "import", "-")
	require.NoError(t, err)

	out, _, err := runApp(t, "--path", src, "backup", backupFile)
	require.NoError(t, err)
	require.Contains(t, out, "backed up 100 records")

	out, _, err = runApp(t, "--path", dst, "restore", backupFile)
	require.NoError(t, err)
	require.Equal(t, "restored 100 records\n", out)

	srcDump, _, err := runApp(t, "--path", src, "dump")
	require.NoError(t, err)
	dstDump, _, err := runApp(t, "--path", dst, "dump")
	require.NoError(t, err)
	require.Equal(t, srcDump, dstDump)

	out, _, err = runApp(t, "--path", dst, "get", "key3")
	require.NoError(t, err)
	require.Equal(t, "value93\n", out)
}

func TestBench(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	out, _, err := runApp(t, "--path", path, "--initial-size", "4096", "bench", "--n", "2000", "--readers", "3", "--value-size", "16")
	require.NoError(t, err)
	require.Contains(t, out, "wrote 2,000 records")
	require.Contains(t, out, "with 3 readers")
}

func TestRunBenchValidation(t *testing.T) {
	s, err := appendkv.Open(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, err)
	defer s.Close()

	_, err = runBench(context.Background(), s, 0, 1, 1)
	require.Error(t, err)
	_, err = runBench(context.Background(), s, 1, 0, 1)
	require.Error(t, err)

	result, err := runBench(context.Background(), s, 10, 20, 0)
	require.NoError(t, err)
	require.Equal(t, 10, result.reads)
	require.Equal(t, 10, s.Len())
}

func TestVerboseLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	_, stderr, err := runApp(t, "--verbose", "--path", path, "put", "k", "v")
	require.NoError(t, err)
	require.NotEmpty(t, stderr)
}

func TestSplit2(t *testing.T) {
	l, r, ok := split2([]byte("a:b:c"), ':')
	require.True(t, ok)
	require.Equal(t, "a", string(l))
	require.Equal(t, "b:c", string(r))

	_, _, ok = split2([]byte("abc"), ':')
	require.False(t, ok)
}
