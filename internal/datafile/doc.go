// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile implements the data log: an append-only sequence of
// key/value records stored in a growable memory-mapped file.
//
// A datafile looks like:
//
//	┌───────────────────┐
//	│ file header       │
//	├───────────────────┤
//	│ repeated KV pairs │
//	│                   │
//	│                   │
//	├───────────────────┤ <- logical length
//	│ unused capacity   │
//	└───────────────────┘
//
// Records are not padded and look like:
//
//	 0    1    2    3    4    5    6    7
//	+----+----+----+----+----+----+----+----+
//	| key length        | value length      |
//	+----+----+----+----+----+----+----+----+
//	| key...       | value...               |
//	+----+----+----+----+----+----+----+----+
//
// Both lengths are little-endian uint32s.  A record is flushed to disk
// before the logical length in the file header is advanced past it, so a
// crash can never leave a partial record inside the logical length.
package datafile
