// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package appendkv is an embedded, append-only key/value store.
//
// Records are appended to a memory-mapped data log and located through a
// memory-mapped index of fixed-size entries.  There is no way to update
// or delete a record: writing a key again adds a new record that shadows
// the old one for Get, while Iter still returns both.
//
//	s, err := appendkv.Open("/var/lib/app/events")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	if _, err := s.Put([]byte("a"), []byte("1")); err != nil {
//	    return err
//	}
//	v, ok, err := s.Get([]byte("a"))
//
// Put returns once both the record and its index entry are on stable
// storage.  The record is always flushed first, so after a crash the
// index can only lag the data log, never lead it; Open repairs the lag
// by re-indexing the trailing records.
//
// Reads never take locks.  Values returned by Get and Iter point
// directly into the mapping and stay valid until the Store is closed.
package appendkv
