// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

// Iter walks index entries in append order, covering the entries present
// when it was created.
type Iter struct {
	x   *Index
	i   int
	n   int
	err error
}

func (x *Index) Iter() *Iter {
	return x.IterFrom(0)
}

// IterFrom returns an iterator starting at the i'th entry.
func (x *Index) IterFrom(i int) *Iter {
	return &Iter{x: x, i: i, n: x.Len()}
}

func (it *Iter) Next() (Entry, bool) {
	if it.err != nil || it.i >= it.n {
		return Entry{}, false
	}
	e, err := it.x.Entry(it.i)
	if err != nil {
		it.err = err
		return Entry{}, false
	}
	it.i++
	return e, true
}

func (it *Iter) Err() error {
	return it.err
}
