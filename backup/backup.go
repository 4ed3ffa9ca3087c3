// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package backup exports the records of a store to a compressed stream
// and replays such a stream into another store.
//
// A backup is a zstd stream holding an 8-byte magic string followed by
// every record in append order, framed exactly like records in the data
// log: a little-endian uint32 key length, a little-endian uint32 value
// length, then the key and value bytes.  Restoring a backup preserves
// append order, so shadowed records survive a round trip.
package backup

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/bpowers/appendkv"
)

const (
	magic            = "AKVBAK01"
	recordHeaderSize = 4 + 4
)

var ErrBadFormat = errors.New("backup: not an appendkv backup or corrupted")

// Source is satisfied by *appendkv.Iter.
type Source interface {
	Next() (key, value []byte, ok bool)
	Err() error
}

// Sink is satisfied by *appendkv.Store.
type Sink interface {
	Put(key, value []byte) (int64, error)
}

// Write writes every record from src to w, returning the number of
// records written.
func Write(w io.Writer, src Source) (n int, err error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd.NewWriter: %w", err)
	}
	defer func() {
		if closeErr := zw.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("zw.Close: %w", closeErr)
		}
	}()

	if _, err := io.WriteString(zw, magic); err != nil {
		return 0, fmt.Errorf("writing magic: %w", err)
	}

	var header [recordHeaderSize]byte
	for k, v, ok := src.Next(); ok; k, v, ok = src.Next() {
		binary.LittleEndian.PutUint32(header[0:4], uint32(len(k)))
		binary.LittleEndian.PutUint32(header[4:8], uint32(len(v)))
		if _, err := zw.Write(header[:]); err != nil {
			return n, fmt.Errorf("zw.Write 1: %w", err)
		}
		if _, err := zw.Write(k); err != nil {
			return n, fmt.Errorf("zw.Write 2: %w", err)
		}
		if _, err := zw.Write(v); err != nil {
			return n, fmt.Errorf("zw.Write 3: %w", err)
		}
		n++
	}
	if err := src.Err(); err != nil {
		return n, fmt.Errorf("iterating: %w", err)
	}

	return n, nil
}

// Restore puts every record in the backup read from r into dst, in the
// order they were written, returning the number of records restored.
func Restore(r io.Reader, dst Sink) (n int, err error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("zstd.NewReader: %w", err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var magicBuf [len(magic)]byte
	if _, err := io.ReadFull(br, magicBuf[:]); err != nil {
		return 0, fmt.Errorf("reading magic: %w: %w", ErrBadFormat, err)
	}
	if string(magicBuf[:]) != magic {
		return 0, ErrBadFormat
	}

	var header [recordHeaderSize]byte
	var key, value []byte
	for {
		if _, err := io.ReadFull(br, header[:]); err == io.EOF {
			return n, nil
		} else if err != nil {
			return n, fmt.Errorf("record %d header: %w: %w", n, ErrBadFormat, err)
		}

		keyLen := binary.LittleEndian.Uint32(header[0:4])
		valueLen := binary.LittleEndian.Uint32(header[4:8])
		if keyLen == 0 || keyLen > appendkv.MaxKeyLen || valueLen > appendkv.MaxValueLen {
			return n, fmt.Errorf("record %d: bad lengths (key %d, value %d): %w", n, keyLen, valueLen, ErrBadFormat)
		}

		// Put copies, so the buffers can be reused
		key = grow(key, int(keyLen))
		value = grow(value, int(valueLen))
		if _, err := io.ReadFull(br, key); err != nil {
			return n, fmt.Errorf("record %d key: %w: %w", n, ErrBadFormat, err)
		}
		if _, err := io.ReadFull(br, value); err != nil {
			return n, fmt.Errorf("record %d value: %w: %w", n, ErrBadFormat, err)
		}

		if _, err := dst.Put(key, value); err != nil {
			return n, fmt.Errorf("dst.Put: %w", err)
		}
		n++
	}
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
