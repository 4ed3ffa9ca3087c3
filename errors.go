// Copyright 2021 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package appendkv

import (
	"errors"

	"github.com/bpowers/appendkv/internal/datafile"
	"github.com/bpowers/appendkv/internal/mmapfile"
)

const (
	MaxKeyLen   = datafile.MaxKeyLen
	MaxValueLen = datafile.MaxValueLen
)

var (
	// ErrCorrupted reports that the files on disk violate one of the
	// store's invariants.  Any other error returned by a Store is an I/O
	// error or a problem with the arguments.
	ErrCorrupted = mmapfile.ErrCorrupted
	// ErrBroken is returned by Put on a store that was opened despite
	// corruption; it can still be read from.
	ErrBroken = errors.New("appendkv: store is broken, refusing to write")

	ErrReadOnly      = mmapfile.ErrReadOnly
	ErrLocked        = mmapfile.ErrLocked
	ErrClosed        = mmapfile.ErrClosed
	ErrEmptyKey      = datafile.ErrEmptyKey
	ErrKeyTooLarge   = datafile.ErrKeyTooLarge
	ErrValueTooLarge = datafile.ErrValueTooLarge
)
