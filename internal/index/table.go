// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"sync/atomic"
)

const (
	minTableBuckets = 1 << 10
	// resize once the average chain is this long
	maxLoadFactor = 2
)

// node is an immutable link in a bucket chain.  Chains are ordered
// newest entry first.
type node struct {
	fp   uint64
	pos  int
	next *node
}

type buckets struct {
	heads []atomic.Pointer[node]
	mask  uint64
}

func newBuckets(n int) *buckets {
	return &buckets{
		heads: make([]atomic.Pointer[node], n),
		mask:  uint64(n - 1),
	}
}

// table maps fingerprints to entry positions.  It has a single writer
// (calls to insert must be serialized) and any number of lock-free
// readers: new nodes are published at the head of a chain with an atomic
// store, and growing builds a complete new bucket array before swapping
// it in, leaving the old one intact for readers still walking it.
type table struct {
	b atomic.Pointer[buckets]
	n int
}

func newTable(sizeHint int) *table {
	size := minTableBuckets
	for size*maxLoadFactor < sizeHint {
		size *= 2
	}
	t := &table{}
	t.b.Store(newBuckets(size))
	return t
}

// Len returns the number of positions inserted so far.
func (t *table) Len() int {
	return t.n
}

// insert records that the entry at pos has fingerprint fp.  Positions
// must be inserted in increasing order.
func (t *table) insert(fp uint64, pos int) {
	b := t.b.Load()
	if t.n >= len(b.heads)*maxLoadFactor {
		b = t.grow(b)
	}
	head := &b.heads[fp&b.mask]
	head.Store(&node{fp: fp, pos: pos, next: head.Load()})
	t.n++
}

// grow doubles the number of buckets.  Every old chain splits into two
// new ones; walking it newest first and appending to the tails of the
// new chains keeps them newest first.
func (t *table) grow(old *buckets) *buckets {
	b := newBuckets(len(old.heads) * 2)
	tails := make([]*node, len(b.heads))
	for i := range old.heads {
		for n := old.heads[i].Load(); n != nil; n = n.next {
			bucket := n.fp & b.mask
			copied := &node{fp: n.fp, pos: n.pos}
			if tail := tails[bucket]; tail != nil {
				tail.next = copied
			} else {
				b.heads[bucket].Store(copied)
			}
			tails[bucket] = copied
		}
	}
	t.b.Store(b)
	return b
}

// lookup calls fn with each position below before whose fingerprint is
// fp, newest first, until fn returns true or an error.
func (t *table) lookup(fp uint64, before int, fn func(pos int) (bool, error)) (bool, error) {
	b := t.b.Load()
	for n := b.heads[fp&b.mask].Load(); n != nil; n = n.next {
		if n.fp != fp || n.pos >= before {
			continue
		}
		if ok, err := fn(n.pos); err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}
