// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendkv

import (
	"github.com/bpowers/appendkv/internal/datafile"
)

// Iter walks every record in a store in the order it was written,
// including records whose key was later written again.  It covers the
// records present when it was created, and can run concurrently with
// Put.
type Iter struct {
	it  *datafile.Iter
	err error
}

// Iter returns a new iterator over the store's records.  Each call
// starts from the beginning.
func (s *Store) Iter() *Iter {
	if s.closed.Load() {
		return &Iter{err: ErrClosed}
	}
	return &Iter{it: s.data.Iter()}
}

// Next returns the next record.  The slices point into the store's
// memory mapping and must not be modified.  ok is false once the
// iterator is exhausted or has failed; check Err.
func (i *Iter) Next() (key, value []byte, ok bool) {
	if i.it == nil {
		return nil, nil, false
	}
	item, ok := i.it.Next()
	if !ok {
		return nil, nil, false
	}
	return item.Key, item.Value, true
}

// Err returns the error that stopped iteration early, if any.
func (i *Iter) Err() error {
	if i.err != nil {
		return i.err
	}
	if i.it == nil {
		return nil
	}
	return i.it.Err()
}
