// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/appendkv/internal/mmapfile"
)

type testEntry struct {
	Key    string
	Offset int64
}

func openTestIndex(t testing.TB) (*Index, string) {
	path := filepath.Join(t.TempDir(), "test.index")
	x, err := Open(path, Options{InitialSize: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = x.Close()
	})
	return x, path
}

// fill appends one entry per key, each pretending to be a 10-byte record
// laid out back to back, and returns what a data log would hold.
func fill(t testing.TB, x *Index, keys ...string) []testEntry {
	var entries []testEntry
	off := int64(mmapfile.HeaderSize)
	if last, ok, err := x.Last(); err == nil && ok {
		off = last.End()
	}
	for _, k := range keys {
		require.NoError(t, x.Append(NewEntry([]byte(k), off, 10)))
		entries = append(entries, testEntry{Key: k, Offset: off})
		off += 10
	}
	return entries
}

// verifier confirms entries against a fake data log keyed by offset.
func verifier(data map[int64]string, key string) func(Entry) (bool, error) {
	return func(e Entry) (bool, error) {
		return data[e.Offset] == key, nil
	}
}

func toData(entries []testEntry) map[int64]string {
	data := make(map[int64]string)
	for _, e := range entries {
		data[e.Offset] = e.Key
	}
	return data
}

func TestAppendAndEntry(t *testing.T) {
	x, path := openTestIndex(t)
	require.Equal(t, 0, x.Len())
	_, ok, err := x.Last()
	require.NoError(t, err)
	require.False(t, ok)

	var keys []string
	for i := 0; i < 1000; i++ {
		keys = append(keys, fmt.Sprintf("key-%d", i))
	}
	entries := fill(t, x, keys...)
	require.Equal(t, len(keys), x.Len())
	require.Equal(t, int64(mmapfile.HeaderSize+len(keys)*EntrySize), x.Size())

	for i, te := range entries {
		e, err := x.Entry(i)
		require.NoError(t, err)
		require.Equal(t, Fingerprint([]byte(te.Key)), e.Fingerprint)
		require.Equal(t, te.Offset, e.Offset)
		require.Equal(t, int64(10), e.Len)
	}

	_, err = x.Entry(len(keys))
	require.ErrorIs(t, err, mmapfile.ErrCorrupted)

	last, ok, err := x.Last()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries[len(entries)-1].Offset, last.Offset)

	require.NoError(t, x.Close())

	x, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer x.Close()
	require.Equal(t, len(keys), x.Len())
}

func TestAppendRejectsInvalidEntries(t *testing.T) {
	x, _ := openTestIndex(t)

	assert.Error(t, x.Append(Entry{Offset: 0, Len: 10}))
	assert.Error(t, x.Append(Entry{Offset: mmapfile.HeaderSize, Len: 0}))
	assert.Error(t, x.Append(Entry{Offset: mmapfile.HeaderSize, Len: maxRecordLen + 1}))
	require.Equal(t, 0, x.Len())

	// no entries is a no-op
	require.NoError(t, x.Append())
}

func TestLookup(t *testing.T) {
	x, _ := openTestIndex(t)
	entries := fill(t, x, "a", "b", "c")
	data := toData(entries)

	for _, te := range entries {
		e, ok, err := x.Lookup([]byte(te.Key), verifier(data, te.Key))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, te.Offset, e.Offset)
	}

	_, ok, err := x.Lookup([]byte("missing"), verifier(data, "missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLookupLastWriteWins(t *testing.T) {
	x, _ := openTestIndex(t)
	entries := fill(t, x, "dup", "other", "dup")
	data := toData(entries)

	e, ok, err := x.Lookup([]byte("dup"), verifier(data, "dup"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries[2].Offset, e.Offset)
}

func TestLookupSkipsFingerprintCollisions(t *testing.T) {
	x, _ := openTestIndex(t)
	entries := fill(t, x, "real", "impostor")

	// forge a collision: the newest entry claims "real"'s fingerprint but
	// the data log says it holds a different key.
	fp := Fingerprint([]byte("real"))
	require.NoError(t, x.Append(Entry{Fingerprint: fp, Offset: entries[1].Offset + 10, Len: 10}))
	data := toData(entries)
	data[entries[1].Offset+10] = "impostor"

	var verified int
	e, ok, err := x.Lookup([]byte("real"), func(e Entry) (bool, error) {
		verified++
		return data[e.Offset] == "real", nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries[0].Offset, e.Offset)
	require.Equal(t, 2, verified)
}

func TestLookupVerifyError(t *testing.T) {
	x, _ := openTestIndex(t)
	fill(t, x, "a")

	_, _, err := x.Lookup([]byte("a"), func(Entry) (bool, error) {
		return false, mmapfile.ErrCorrupted
	})
	require.ErrorIs(t, err, mmapfile.ErrCorrupted)
}

func TestIter(t *testing.T) {
	x, _ := openTestIndex(t)
	entries := fill(t, x, "a", "b", "c", "a")

	it := x.Iter()
	fill(t, x, "after-snapshot")

	var got []int64
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		got = append(got, e.Offset)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, len(entries))
	for i, te := range entries {
		require.Equal(t, te.Offset, got[i])
	}
}

func TestOpenRejectsPartialEntry(t *testing.T) {
	x, path := openTestIndex(t)
	fill(t, x, "a")

	// append a half entry behind the index's back
	require.NoError(t, x.mf.EnsureCapacity(EntrySize/2))
	_, err := x.mf.Append(make([]byte, EntrySize/2))
	require.NoError(t, err)
	require.NoError(t, x.mf.Flush())
	require.NoError(t, x.Close())

	_, err = Open(path, Options{})
	require.ErrorIs(t, err, mmapfile.ErrCorrupted)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLookupBefore(t *testing.T) {
	x, _ := openTestIndex(t)
	entries := fill(t, x, "k", "k")
	data := toData(entries)

	e, ok, err := x.LookupBefore(1, []byte("k"), verifier(data, "k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entries[0].Offset, e.Offset)

	_, ok, err = x.LookupBefore(0, []byte("k"), verifier(data, "k"))
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = x.LookupBefore(3, []byte("k"), verifier(data, "k"))
	require.ErrorIs(t, err, mmapfile.ErrCorrupted)
}
