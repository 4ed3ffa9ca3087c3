// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

type IterItem struct {
	Key    []byte
	Value  []byte
	Offset int64
}

// Len returns the encoded length of the record.
func (ii IterItem) Len() int64 {
	return RecordLen(ii.Key, ii.Value)
}

// Iter walks the records of a log in append order.  It covers the log as
// it was when the iterator was created; records appended afterwards are
// not returned.
type Iter struct {
	l   *Log
	off int64
	end int64
	err error
}

// Iter returns an iterator over every record in the log.
func (l *Log) Iter() *Iter {
	return l.IterFrom(l.Start())
}

// IterFrom returns an iterator over the records starting at off, which
// must be the offset of a record (or the end of the log).
func (l *Log) IterFrom(off int64) *Iter {
	return &Iter{
		l:   l,
		off: off,
		end: l.Len(),
	}
}

// Next returns the next record, or false when the iterator is exhausted
// or hit an error (see Err).
func (i *Iter) Next() (IterItem, bool) {
	if i.err != nil || i.off >= i.end {
		return IterItem{}, false
	}

	k, v, err := i.l.ReadAt(i.off)
	if err != nil {
		i.err = err
		return IterItem{}, false
	}

	item := IterItem{
		Key:    k,
		Value:  v,
		Offset: i.off,
	}
	i.off += item.Len()

	return item, true
}

// Offset returns the offset of the record Next will return.
func (i *Iter) Offset() int64 {
	return i.off
}

// Err returns the error, if any, that stopped iteration early.
func (i *Iter) Err() error {
	return i.err
}
