// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package mmapfile

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderSize is the size of the header at the start of every file.  It
	// is the minimum cache-width we expect to see.
	HeaderSize = 128

	fileFormatVersion = 1

	headerMagicOff   = 0
	headerVersionOff = 4
	headerLengthOff  = 8
)

var nativeIsLittleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

type fileHeader struct {
	magic         uint32
	formatVersion uint32
	// logical length of the file in bytes, header included
	length uint64
}

func newFileHeader(magic uint32) *fileHeader {
	return &fileHeader{
		magic:         magic,
		formatVersion: fileFormatVersion,
		length:        HeaderSize,
	}
}

func (h *fileHeader) MarshalTo(buf []byte) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("buf too short: %d < %d", len(buf), HeaderSize)
	}
	clear(buf[:HeaderSize])
	binary.LittleEndian.PutUint32(buf[headerMagicOff:headerMagicOff+4], h.magic)
	binary.LittleEndian.PutUint32(buf[headerVersionOff:headerVersionOff+4], h.formatVersion)
	binary.LittleEndian.PutUint64(buf[headerLengthOff:headerLengthOff+8], h.length)
	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte, expectedMagic uint32) error {
	if len(headerBytes) < HeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d: %w", len(headerBytes), HeaderSize, ErrCorrupted)
	}

	h.magic = binary.LittleEndian.Uint32(headerBytes[headerMagicOff : headerMagicOff+4])
	if h.magic != expectedMagic {
		return fmt.Errorf("bad magic number (%x, wanted %x) -- wrong file kind or corrupted: %w", h.magic, expectedMagic, ErrCorrupted)
	}

	h.formatVersion = binary.LittleEndian.Uint32(headerBytes[headerVersionOff : headerVersionOff+4])
	if h.formatVersion != fileFormatVersion {
		return fmt.Errorf("this version of appendkv can only read v%d files; found v%d: %w", fileFormatVersion, h.formatVersion, ErrCorrupted)
	}

	h.length = loadLength(headerBytes)
	if h.length < HeaderSize {
		return fmt.Errorf("logical length %d shorter than header: %w", h.length, ErrCorrupted)
	}

	return nil
}

// isZero reports whether the header region was never written, which
// happens when a writer crashed between creating and initializing a file.
func isZero(headerBytes []byte) bool {
	for _, b := range headerBytes[:HeaderSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

// loadLength atomically reads the little-endian logical length out of a
// mapped header.  The field is 8-byte aligned because mappings are page
// aligned.
func loadLength(headerBytes []byte) uint64 {
	_ = headerBytes[headerLengthOff+7]
	v := atomic.LoadUint64((*uint64)(unsafe.Pointer(&headerBytes[headerLengthOff])))
	if !nativeIsLittleEndian {
		v = bits.ReverseBytes64(v)
	}
	return v
}

// storeLength atomically publishes a new logical length into a mapped
// header, so that readers in other processes never observe a torn value.
func storeLength(headerBytes []byte, n uint64) {
	_ = headerBytes[headerLengthOff+7]
	if !nativeIsLittleEndian {
		n = bits.ReverseBytes64(n)
	}
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&headerBytes[headerLengthOff])), n)
}
