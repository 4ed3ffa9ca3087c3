// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/appendkv/internal/mmapfile"
)

type testEntry struct {
	Key   string
	Value string
}

var testEntries = []testEntry{
	{"a", "1"},
	{"b", "2"},
	{"empty-value", ""},
	{"a", "overwritten"},
	{"long", string(bytes.Repeat([]byte("0123456789"), 1000))},
}

func openTestLog(t testing.TB, opts Options) (*Log, string) {
	path := filepath.Join(t.TempDir(), "test.data")
	l, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
	})
	return l, path
}

func TestAppendReadAt(t *testing.T) {
	l, _ := openTestLog(t, Options{InitialSize: 1})

	offsets := make([]int64, 0, len(testEntries))
	expectedOff := l.Start()
	for _, e := range testEntries {
		off, recordLen, err := l.Append([]byte(e.Key), []byte(e.Value))
		require.NoError(t, err)
		require.Equal(t, expectedOff, off)
		require.Equal(t, int64(recordHeaderSize+len(e.Key)+len(e.Value)), recordLen)
		expectedOff += recordLen
		offsets = append(offsets, off)
	}
	require.Equal(t, expectedOff, l.Len())

	for i, e := range testEntries {
		k, v, err := l.ReadAt(offsets[i])
		require.NoError(t, err)
		require.Equal(t, e.Key, string(k))
		require.Equal(t, e.Value, string(v))
	}
}

func TestRecordLayout(t *testing.T) {
	l, _ := openTestLog(t, Options{})

	off, recordLen, err := l.Append([]byte("key"), []byte("value"))
	require.NoError(t, err)

	raw, err := l.mf.Slice(off, recordLen)
	require.NoError(t, err)

	expected := make([]byte, 8, 16)
	binary.LittleEndian.PutUint32(expected[0:4], 3)
	binary.LittleEndian.PutUint32(expected[4:8], 5)
	expected = append(expected, "keyvalue"...)
	require.Equal(t, expected, raw)
}

func TestAppendValidation(t *testing.T) {
	l, _ := openTestLog(t, Options{})

	_, _, err := l.Append(nil, []byte("v"))
	assert.ErrorIs(t, err, ErrEmptyKey)

	_, _, err = l.Append(make([]byte, MaxKeyLen+1), nil)
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	// nothing was written
	require.Equal(t, l.Start(), l.Len())
}

func TestReadAtCorruption(t *testing.T) {
	l, _ := openTestLog(t, Options{})

	off, recordLen, err := l.Append([]byte("key"), []byte("value"))
	require.NoError(t, err)

	for _, badOff := range []int64{0, mmapfile.HeaderSize - 1, off + 1, off + recordLen, 1 << 40} {
		_, _, err := l.ReadAt(badOff)
		assert.ErrorIs(t, err, mmapfile.ErrCorrupted, "offset %d", badOff)
	}
}

func TestIter(t *testing.T) {
	l, _ := openTestLog(t, Options{InitialSize: 1})

	for _, e := range testEntries {
		_, _, err := l.Append([]byte(e.Key), []byte(e.Value))
		require.NoError(t, err)
	}

	// restartable: every call to Iter starts fresh
	for round := 0; round < 2; round++ {
		it := l.Iter()
		var got []testEntry
		prevOff := int64(0)
		for item, ok := it.Next(); ok; item, ok = it.Next() {
			require.Greater(t, item.Offset, prevOff)
			prevOff = item.Offset
			got = append(got, testEntry{Key: string(item.Key), Value: string(item.Value)})
		}
		require.NoError(t, it.Err())
		require.Equal(t, l.Len(), it.Offset())
		require.Equal(t, testEntries, got)
	}
}

func TestIterSnapshot(t *testing.T) {
	l, _ := openTestLog(t, Options{})

	_, _, err := l.Append([]byte("before"), []byte("1"))
	require.NoError(t, err)

	it := l.Iter()

	_, _, err = l.Append([]byte("after"), []byte("2"))
	require.NoError(t, err)

	item, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, "before", string(item.Key))

	// appended after the iterator was created
	_, ok = it.Next()
	require.False(t, ok)
	require.NoError(t, it.Err())
}

func TestIterFrom(t *testing.T) {
	l, _ := openTestLog(t, Options{})

	var offsets []int64
	for i := 0; i < 10; i++ {
		off, _, err := l.Append([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	it := l.IterFrom(offsets[7])
	var keys []string
	for item, ok := it.Next(); ok; item, ok = it.Next() {
		keys = append(keys, string(item.Key))
	}
	require.NoError(t, it.Err())
	require.Equal(t, []string{"k7", "k8", "k9"}, keys)

	// starting in the middle of a record is detected
	it = l.IterFrom(offsets[3] + 1)
	_, ok := it.Next()
	require.False(t, ok)
	require.ErrorIs(t, it.Err(), mmapfile.ErrCorrupted)
}

func TestReopen(t *testing.T) {
	l, path := openTestLog(t, Options{})

	off, _, err := l.Append([]byte("persisted"), []byte("yes"))
	require.NoError(t, err)
	size := l.Len()
	require.NoError(t, l.Close())

	l, err = Open(path, Options{ReadOnly: true})
	require.NoError(t, err)
	defer l.Close()

	require.Equal(t, size, l.Len())
	k, v, err := l.ReadAt(off)
	require.NoError(t, err)
	require.Equal(t, "persisted", string(k))
	require.Equal(t, "yes", string(v))

	_, _, err = l.Append([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, mmapfile.ErrReadOnly)
}

func BenchmarkAppend(b *testing.B) {
	l, _ := openTestLog(b, Options{})
	value := bytes.Repeat([]byte{'v'}, 100)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := l.Append([]byte("benchmark-key"), value); err != nil {
			b.Fatal(err)
		}
	}
}
