// Copyright 2021 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendkv

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bpowers/appendkv/internal/datafile"
	"github.com/bpowers/appendkv/internal/index"
	"github.com/bpowers/appendkv/internal/unsafestring"
)

// IndexSuffix is appended to a store's path to name its index file.
const IndexSuffix = ".index"

// entries replayed into the index per flush during recovery
const recoveryBatchSize = 4096

// Store is an append-only key/value store made up of a data log and an
// index, both memory mapped.
//
// A Store is either a writer, returned by Open, or a reader, returned by
// OpenReader.  Only one writer may exist for a given path at a time; any
// number of readers, in this or other processes, can run alongside it.
// Get and Iter may be called from many goroutines concurrently with each
// other and with Put.
type Store struct {
	path     string
	readOnly bool
	data     *datafile.Log
	idx      *index.Index
	logger   *slog.Logger
	metrics  *storeMetrics

	// broken is set when Open found the files inconsistent, and
	// never changes afterwards.
	broken error
	closed atomic.Bool

	// visible is the number of index entries a reader may consult: all
	// of them point at data this handle has mapped.
	visible atomic.Int64

	mu sync.Mutex
	// indexBehind is set when a data append succeeded but the matching
	// index append didn't.
	indexBehind bool
}

// Open opens the store at path for writing, creating it if needed.  The
// data log lives at path and the index next to it, at path+IndexSuffix.
//
// Open takes an advisory lock on the data log, failing with ErrLocked if
// another writer holds it, and brings the index up to date with the data
// log if a previous writer crashed between the two.
//
// If the files are inconsistent in a way that can't be repaired, Open
// returns an error wrapping ErrCorrupted together with a non-nil Store
// that refuses writes but can still be read from and iterated, for
// manual recovery.  The caller must Close it.
func Open(path string, opts ...Option) (*Store, error) {
	return open(path, false, opts)
}

// OpenReader opens an existing store read-only.  The reader sees the
// records present when it was opened; Refresh makes newer records
// visible.
func OpenReader(path string, opts ...Option) (*Store, error) {
	return open(path, true, opts)
}

func open(path string, readOnly bool, opts []Option) (*Store, error) {
	o := newOptions(opts)

	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}

	role := "writer"
	if readOnly {
		role = "reader"
	} else if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("os.MkdirAll: %w", err)
	}

	metrics, err := newStoreMetrics(o.registerer, path, role)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:     path,
		readOnly: readOnly,
		logger:   o.logger.With("path", path),
		metrics:  metrics,
	}

	onRemap := func(oldCap, newCap int64) {
		s.metrics.remaps.Inc()
		s.logger.Debug("remapped file", "oldCap", oldCap, "newCap", newCap)
	}

	s.data, err = datafile.Open(path, datafile.Options{
		ReadOnly:    readOnly,
		InitialSize: o.initialSize,
		OnRemap:     onRemap,
	})
	if err != nil {
		s.metrics.unregister()
		return nil, fmt.Errorf("datafile.Open(%s): %w", path, err)
	}

	if !readOnly {
		if err := s.data.Lock(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("data.Lock: %w", err)
		}
	}

	// entries are much smaller than records
	s.idx, err = index.Open(path+IndexSuffix, index.Options{
		ReadOnly:    readOnly,
		InitialSize: max(o.initialSize/16, 1),
		OnRemap:     onRemap,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("index.Open(%s): %w", path+IndexSuffix, err)
	}

	if readOnly {
		// the writer may have committed more records between opening
		// the data log and the index
		if _, err := s.data.Refresh(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("data.Refresh: %w", err)
		}
		_, _, err = s.verifyIndex(0, s.idx.Len())
	} else {
		err = s.recover(0)
	}
	if err != nil {
		if !errors.Is(err, ErrCorrupted) {
			_ = s.Close()
			return nil, err
		}
		s.broken = err
		s.logger.Error("store is corrupted, refusing writes", "err", err)
		return s, err
	}

	s.visible.Store(int64(s.idx.Len()))
	s.metrics.records.Set(float64(s.idx.Len()))
	s.logger.Info("opened store", "role", role, "records", s.idx.Len(), "bytes", s.data.Len())

	return s, nil
}

// verifyIndex walks index entries [from, to) alongside the data log,
// confirming that each one describes the record at the same position.
// It returns the number of entries verified and the offset just past
// the last of them.  An index with more entries than the data log has
// records, or entries that disagree with it, is ErrCorrupted.
func (s *Store) verifyIndex(from, to int) (verified int, end int64, err error) {
	end = s.data.Start()
	if from > 0 {
		prev, err := s.idx.Entry(from - 1)
		if err != nil {
			return 0, 0, fmt.Errorf("idx.Entry(%d): %w", from-1, err)
		}
		end = prev.End()
	}

	entries := s.idx.IterFrom(from)
	records := s.data.IterFrom(end)
	for i := from; i < to; i++ {
		e, ok := entries.Next()
		if !ok {
			if err := entries.Err(); err != nil {
				return verified, end, fmt.Errorf("index: %w", err)
			}
			return verified, end, fmt.Errorf("index has %d entries, wanted %d: %w", i, to, ErrCorrupted)
		}
		item, ok := records.Next()
		if !ok {
			if err := records.Err(); err != nil {
				return verified, end, fmt.Errorf("data log: %w", err)
			}
			return verified, end, fmt.Errorf("index entry %d at %d has no record in the data log (%d bytes): %w",
				i, e.Offset, s.data.Len(), ErrCorrupted)
		}
		if item.Offset != e.Offset || item.Len() != e.Len || index.Fingerprint(item.Key) != e.Fingerprint {
			return verified, end, fmt.Errorf("index entry %d doesn't match the record at %d: %w", i, item.Offset, ErrCorrupted)
		}
		end = e.End()
		verified++
	}

	return verified, end, nil
}

// recover verifies index entries from verifyFrom on, then appends index
// entries for any records in the data log past the last indexed one.
// That is the state a crash between a data append and its index append
// leaves behind, and isn't an error.
func (s *Store) recover(verifyFrom int) error {
	_, resumeAt, err := s.verifyIndex(verifyFrom, s.idx.Len())
	if err != nil {
		return err
	}
	if resumeAt == s.data.Len() {
		return nil
	}

	var recovered int
	batch := make([]index.Entry, 0, recoveryBatchSize)
	it := s.data.IterFrom(resumeAt)
	for {
		item, ok := it.Next()
		if ok {
			batch = append(batch, index.NewEntry(item.Key, item.Offset, item.Len()))
		}
		if len(batch) == cap(batch) || (!ok && len(batch) > 0) {
			if err := s.idx.Append(batch...); err != nil {
				return fmt.Errorf("idx.Append: %w", err)
			}
			recovered += len(batch)
			batch = batch[:0]
		}
		if !ok {
			break
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("replaying data log from %d: %w", resumeAt, err)
	}

	s.metrics.recovered.Add(float64(recovered))
	s.metrics.records.Set(float64(s.idx.Len()))
	s.logger.Info("recovered index entries from data log", "entries", recovered, "from", resumeAt)

	return nil
}

// Path returns the absolute path of the store's data log.
func (s *Store) Path() string {
	return s.path
}

// Put durably appends a record for key and value and returns its offset
// in the data log.  The record is written and flushed to the data log
// before its index entry is, so Get never observes a partial record.
// Writing an existing key again shadows the earlier value for Get;
// both stay visible to Iter.
func (s *Store) Put(key, value []byte) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.readOnly {
		return 0, ErrReadOnly
	}
	if s.broken != nil {
		return 0, fmt.Errorf("%w: %w", ErrBroken, s.broken)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexBehind {
		// entries already in the index were verified when it was opened
		if err := s.recover(s.idx.Len()); err != nil {
			s.metrics.putsFailed.Inc()
			return 0, fmt.Errorf("catching up index: %w", err)
		}
		s.indexBehind = false
	}

	start := time.Now()

	off, recordLen, err := s.data.Append(key, value)
	if err != nil {
		s.metrics.putsFailed.Inc()
		return 0, fmt.Errorf("data.Append: %w", err)
	}

	if err := s.idx.Append(index.NewEntry(key, off, recordLen)); err != nil {
		s.indexBehind = true
		s.metrics.putsFailed.Inc()
		return 0, fmt.Errorf("idx.Append: %w", err)
	}

	s.metrics.observePut(recordLen, time.Since(start))

	return off, nil
}

// PutString is like Put, for string keys and values.
func (s *Store) PutString(key, value string) (int64, error) {
	return s.Put(unsafestring.ToBytes(key), unsafestring.ToBytes(value))
}

func (s *Store) visibleEntries() int {
	if s.readOnly {
		return int(s.visible.Load())
	}
	return s.idx.Len()
}

// Get returns the most recently written value for key.  The returned
// slice points into the store's memory mapping: it must not be modified,
// and is only valid until the Store is closed.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	s.metrics.gets.Inc()

	var value []byte
	_, ok, err := s.idx.LookupBefore(s.visibleEntries(), key, func(e index.Entry) (bool, error) {
		k, v, err := s.data.ReadAt(e.Offset)
		if err != nil {
			return false, err
		}
		if recordLen := datafile.RecordLen(k, v); recordLen != e.Len {
			return false, fmt.Errorf("index says record at %d is %d bytes, data log says %d: %w", e.Offset, e.Len, recordLen, ErrCorrupted)
		}
		if !bytes.Equal(k, key) {
			// fingerprint collision
			return false, nil
		}
		value = v
		return true, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("idx.Lookup: %w", err)
	}
	if !ok {
		s.metrics.getMisses.Inc()
		return nil, false, nil
	}

	return value, true, nil
}

// GetString is like Get, for string keys.
func (s *Store) GetString(key string) ([]byte, bool, error) {
	return s.Get(unsafestring.ToBytes(key))
}

// Len returns the number of records visible to Get, duplicates included.
func (s *Store) Len() int {
	return s.visibleEntries()
}

// Size returns the number of bytes in the data log, header included.
func (s *Store) Size() int64 {
	return s.data.Len()
}

// Refresh makes records written since a reader was opened (or last
// refreshed) visible to it, mapping the files again if they have grown.
// It is a no-op for writers.
func (s *Store) Refresh() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.readOnly {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Data is always committed before the index entries that point at
	// it, so refreshing the data log again after the index guarantees we
	// have mapped every record the index knows about.
	if _, err := s.data.Refresh(); err != nil {
		return fmt.Errorf("data.Refresh: %w", err)
	}
	if _, err := s.idx.Refresh(); err != nil {
		return fmt.Errorf("idx.Refresh: %w", err)
	}
	if _, err := s.data.Refresh(); err != nil {
		return fmt.Errorf("data.Refresh: %w", err)
	}

	n := s.idx.Len()
	if _, _, err := s.verifyIndex(int(s.visible.Load()), n); err != nil {
		return err
	}

	s.visible.Store(int64(n))
	s.metrics.records.Set(float64(n))

	return nil
}

// Check walks the index and the data log side by side, confirming that
// every index entry visible to Get describes the record at the same
// position in the data log.  It returns the number of entries checked.
// Open does the same walk, so Check is mostly useful on long-lived
// handles and from offline tooling.
func (s *Store) Check() (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	// index entries are committed after their records, so fixing the
	// number of entries first means the data log covers every one.
	checked, _, err := s.verifyIndex(0, s.visibleEntries())
	return checked, err
}

// Close releases the store's mappings, files and writer lock.  Slices
// returned by Get and Iter must not be used after Close.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var errs []error
	if s.idx != nil {
		if err := s.idx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("idx.Close: %w", err))
		}
	}
	// the data log holds the writer lock, so it goes last
	if s.data != nil {
		if err := s.data.Close(); err != nil {
			errs = append(errs, fmt.Errorf("data.Close: %w", err))
		}
	}
	s.metrics.unregister()

	return errors.Join(errs...)
}
