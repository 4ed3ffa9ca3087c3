// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package index implements the append-only index that maps keys to
// record locations in a data log.
//
// After the file header, the index is a flat array of fixed-size entries,
// one per record, in the same order as the data log:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| key fingerprint                       |
//	+----+----+----+----+----+----+----+----+
//	| data log offset                       |
//	+----+----+----+----+----+----+----+----+
//	| record length     |
//	+----+----+----+----+
//
// All fields are little endian.  The fingerprint is a 64-bit farmhash of
// the key; lookups confirm candidate entries against the data log so
// fingerprint collisions are never visible to callers.
//
// The file is only ever scanned sequentially, when it is opened, to
// build an in-memory hash table from fingerprint to entry position.
// Lookups go through that table, so they cost O(1) on average regardless
// of how many entries the index holds.
package index

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/appendkv/internal/mmapfile"
)

const (
	magicIndexHeader = 0xC0FFEE1D

	// EntrySize is the on-disk size of an index entry.
	EntrySize = 8 + 8 + 4

	maxRecordLen = math.MaxUint32
)

// Entry locates a single record in the data log.
type Entry struct {
	Fingerprint uint64
	Offset      int64
	Len         int64
}

// End returns the offset just past the record.
func (e Entry) End() int64 {
	return e.Offset + e.Len
}

// Fingerprint returns the fingerprint stored in the index for key.
func Fingerprint(key []byte) uint64 {
	return farm.Fingerprint64(key)
}

// NewEntry returns the entry for a record holding key.
func NewEntry(key []byte, off, recordLen int64) Entry {
	return Entry{
		Fingerprint: Fingerprint(key),
		Offset:      off,
		Len:         recordLen,
	}
}

func (e Entry) marshalTo(buf []byte) {
	_ = buf[EntrySize-1]
	binary.LittleEndian.PutUint64(buf[0:8], e.Fingerprint)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(e.Offset))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(e.Len))
}

func unmarshalEntry(buf []byte) Entry {
	_ = buf[EntrySize-1]
	return Entry{
		Fingerprint: binary.LittleEndian.Uint64(buf[0:8]),
		Offset:      int64(binary.LittleEndian.Uint64(buf[8:16])),
		Len:         int64(binary.LittleEndian.Uint32(buf[16:20])),
	}
}

// Options configures how an Index is opened.
type Options struct {
	ReadOnly    bool
	InitialSize int64
	OnRemap     func(oldCap, newCap int64)
}

// Index is an append-only array of entries backed by a memory-mapped file.
type Index struct {
	mf *mmapfile.File

	// mu serializes additions to table; lookups don't take it.
	mu    sync.Mutex
	table *table
}

// Open opens (or creates) the index at path.
func Open(path string, opts Options) (*Index, error) {
	mf, err := mmapfile.Open(path, magicIndexHeader, mmapfile.Options{
		ReadOnly:    opts.ReadOnly,
		InitialSize: opts.InitialSize,
		OnRemap:     opts.OnRemap,
	})
	if err != nil {
		return nil, fmt.Errorf("mmapfile.Open: %w", err)
	}

	if (mf.Len()-mmapfile.HeaderSize)%EntrySize != 0 {
		_ = mf.Close()
		return nil, fmt.Errorf("%s: logical length %d isn't a whole number of entries: %w", path, mf.Len(), mmapfile.ErrCorrupted)
	}

	x := &Index{mf: mf}
	x.table = newTable(x.Len())
	if err := x.indexEntries(); err != nil {
		_ = mf.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return x, nil
}

// indexEntries adds every entry not yet in the hash table to it.  x.mu
// must be held, or x not yet shared.
func (x *Index) indexEntries() error {
	n := x.Len()
	from := x.table.Len()
	if from >= n {
		return nil
	}
	buf, err := x.mf.Slice(mmapfile.HeaderSize+int64(from)*EntrySize, int64(n-from)*EntrySize)
	if err != nil {
		return err
	}
	for i := from; i < n; i++ {
		off := (i - from) * EntrySize
		x.table.insert(binary.LittleEndian.Uint64(buf[off:off+8]), i)
	}
	return nil
}

// Len returns the number of entries in the index.
func (x *Index) Len() int {
	return int((x.mf.Len() - mmapfile.HeaderSize) / EntrySize)
}

// Append durably adds entries to the end of the index with a single flush.
func (x *Index) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.Offset < mmapfile.HeaderSize || e.Len <= 0 || e.Len > maxRecordLen {
			return fmt.Errorf("invalid entry (offset %d, len %d)", e.Offset, e.Len)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	n := len(entries) * EntrySize
	if err := x.mf.EnsureCapacity(int64(n)); err != nil {
		return fmt.Errorf("mf.EnsureCapacity(%d): %w", n, err)
	}

	_, err := x.mf.AppendFunc(n, func(dst []byte) {
		for i, e := range entries {
			e.marshalTo(dst[i*EntrySize : (i+1)*EntrySize])
		}
	})
	if err != nil {
		return fmt.Errorf("mf.AppendFunc: %w", err)
	}

	if err := x.mf.Flush(); err != nil {
		return fmt.Errorf("mf.Flush: %w", err)
	}

	return x.indexEntries()
}

// Entry returns the i'th entry.
func (x *Index) Entry(i int) (Entry, error) {
	if i < 0 {
		return Entry{}, fmt.Errorf("entry %d out of range", i)
	}
	buf, err := x.mf.Slice(mmapfile.HeaderSize+int64(i)*EntrySize, EntrySize)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", i, err)
	}
	return unmarshalEntry(buf), nil
}

// Last returns the most recently appended entry, if there is one.
func (x *Index) Last() (Entry, bool, error) {
	n := x.Len()
	if n == 0 {
		return Entry{}, false, nil
	}
	e, err := x.Entry(n - 1)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Lookup finds the most recent entry for key.  Each entry whose
// fingerprint matches is passed to verify, newest first, which checks the
// data log to confirm the record really holds key; the first confirmed
// entry is returned, so the latest record for a key wins.
func (x *Index) Lookup(key []byte, verify func(Entry) (bool, error)) (Entry, bool, error) {
	return x.LookupBefore(x.Len(), key, verify)
}

// LookupBefore is like Lookup, but only considers the first n entries.
func (x *Index) LookupBefore(n int, key []byte, verify func(Entry) (bool, error)) (Entry, bool, error) {
	if n <= 0 {
		return Entry{}, false, nil
	}
	if n > x.Len() {
		return Entry{}, false, fmt.Errorf("lookup before entry %d of %d: %w", n, x.Len(), mmapfile.ErrCorrupted)
	}

	var found Entry
	ok, err := x.table.lookup(Fingerprint(key), n, func(pos int) (bool, error) {
		e, err := x.Entry(pos)
		if err != nil {
			return false, err
		}
		ok, err := verify(e)
		if ok {
			found = e
		}
		return ok, err
	})
	if err != nil || !ok {
		return Entry{}, false, err
	}

	return found, true, nil
}

// scanBefore is LookupBefore without the hash table: a backward scan
// over the mapped entries.
func (x *Index) scanBefore(n int, key []byte, verify func(Entry) (bool, error)) (Entry, bool, error) {
	if n <= 0 {
		return Entry{}, false, nil
	}

	entries, err := x.mf.Slice(mmapfile.HeaderSize, int64(n)*EntrySize)
	if err != nil {
		return Entry{}, false, err
	}

	fp := Fingerprint(key)
	for i := n - 1; i >= 0; i-- {
		buf := entries[i*EntrySize : (i+1)*EntrySize]
		if binary.LittleEndian.Uint64(buf[0:8]) != fp {
			continue
		}
		e := unmarshalEntry(buf)
		if ok, err := verify(e); err != nil {
			return Entry{}, false, err
		} else if ok {
			return e, true, nil
		}
	}

	return Entry{}, false, nil
}

// Size returns the logical length of the index file in bytes.
func (x *Index) Size() int64 {
	return x.mf.Len()
}

// Refresh observes entries appended by another handle; see
// mmapfile.File.Refresh.
func (x *Index) Refresh() (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	grew, err := x.mf.Refresh()
	if err != nil {
		return false, err
	}
	if (x.mf.Len()-mmapfile.HeaderSize)%EntrySize != 0 {
		return false, fmt.Errorf("logical length %d isn't a whole number of entries: %w", x.mf.Len(), mmapfile.ErrCorrupted)
	}
	if err := x.indexEntries(); err != nil {
		return false, err
	}
	return grew, nil
}

func (x *Index) Close() error {
	return x.mf.Close()
}
