// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bpowers/appendkv/internal/mmapfile"
)

const (
	magicDataHeader  = 0xC0FFEE0D
	recordHeaderSize = 4 + 4 // 32-bit key length + 32-bit value length

	MaxKeyLen   = (1 << 16) - 1
	MaxValueLen = 1 << 30
)

var (
	ErrEmptyKey      = errors.New("appendkv: empty key not supported")
	ErrKeyTooLarge   = fmt.Errorf("appendkv: key longer than %d bytes", MaxKeyLen)
	ErrValueTooLarge = fmt.Errorf("appendkv: value longer than %d bytes", MaxValueLen)
)

// Options configures how a Log is opened.
type Options struct {
	ReadOnly    bool
	InitialSize int64
	OnRemap     func(oldCap, newCap int64)
}

// Log is the append-only data log.
type Log struct {
	mf *mmapfile.File
}

// Open opens (or creates) the data log at path.
func Open(path string, opts Options) (*Log, error) {
	mf, err := mmapfile.Open(path, magicDataHeader, mmapfile.Options{
		ReadOnly:    opts.ReadOnly,
		InitialSize: opts.InitialSize,
		Advice:      unix.MADV_RANDOM,
		OnRemap:     opts.OnRemap,
	})
	if err != nil {
		return nil, fmt.Errorf("mmapfile.Open: %w", err)
	}
	return &Log{mf: mf}, nil
}

// RecordLen returns the number of bytes a record for key and value takes up.
func RecordLen(key, value []byte) int64 {
	return recordHeaderSize + int64(len(key)) + int64(len(value))
}

func checkRecord(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLen {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueLen {
		return ErrValueTooLarge
	}
	return nil
}

// Append writes a record for key and value and flushes it to stable
// storage.  It returns the offset of the start of the record and its
// encoded length.
func (l *Log) Append(key, value []byte) (off int64, recordLen int64, err error) {
	if err := checkRecord(key, value); err != nil {
		return 0, 0, err
	}

	recordLen = RecordLen(key, value)
	if err := l.mf.EnsureCapacity(recordLen); err != nil {
		return 0, 0, fmt.Errorf("mf.EnsureCapacity(%d): %w", recordLen, err)
	}

	off, err = l.mf.AppendFunc(int(recordLen), func(dst []byte) {
		// bounds check elimination
		_ = dst[recordHeaderSize-1]
		binary.LittleEndian.PutUint32(dst[0:4], uint32(len(key)))
		binary.LittleEndian.PutUint32(dst[4:8], uint32(len(value)))
		n := copy(dst[recordHeaderSize:], key)
		copy(dst[recordHeaderSize+n:], value)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("mf.AppendFunc: %w", err)
	}

	if err := l.mf.Flush(); err != nil {
		return 0, 0, fmt.Errorf("mf.Flush: %w", err)
	}

	return off, recordLen, nil
}

func readRecordHeader(header []byte) (keyLen, valueLen int64) {
	_ = header[recordHeaderSize-1]

	keyLen = int64(binary.LittleEndian.Uint32(header[0:4]))
	valueLen = int64(binary.LittleEndian.Uint32(header[4:8]))
	return
}

// ReadAt returns the key and value of the record starting at off.  The
// returned slices point directly into the mapping and must not be
// modified.  An offset that doesn't land on a well-formed record inside
// the logical length is reported as ErrCorrupted.
func (l *Log) ReadAt(off int64) (key, value []byte, err error) {
	// offsets are absolute from the start of the file, and every file
	// starts with a header, so nothing can live before it.
	if off < mmapfile.HeaderSize {
		return nil, nil, fmt.Errorf("offset %d inside file header: %w", off, mmapfile.ErrCorrupted)
	}

	header, err := l.mf.Slice(off, recordHeaderSize)
	if err != nil {
		return nil, nil, fmt.Errorf("record header at %d: %w", off, err)
	}
	keyLen, valueLen := readRecordHeader(header)
	if keyLen == 0 || keyLen > MaxKeyLen || valueLen > MaxValueLen {
		return nil, nil, fmt.Errorf("off %d: bad record lengths (key %d, value %d): %w", off, keyLen, valueLen, mmapfile.ErrCorrupted)
	}

	body, err := l.mf.Slice(off+recordHeaderSize, keyLen+valueLen)
	if err != nil {
		return nil, nil, fmt.Errorf("off %d + keyLen %d + valueLen %d: %w", off, keyLen, valueLen, err)
	}

	return body[:keyLen:keyLen], body[keyLen:], nil
}

// Len returns the logical length of the log in bytes, header included.
func (l *Log) Len() int64 {
	return l.mf.Len()
}

// Cap returns the size of the current mapping.
func (l *Log) Cap() int64 {
	return l.mf.Cap()
}

// Start is the offset of the first record in every log.
func (l *Log) Start() int64 {
	return mmapfile.HeaderSize
}

// Refresh observes records appended by another handle; see
// mmapfile.File.Refresh.
func (l *Log) Refresh() (bool, error) {
	return l.mf.Refresh()
}

// Lock takes the advisory writer lock.
func (l *Log) Lock() error {
	return l.mf.Lock()
}

func (l *Log) Close() error {
	return l.mf.Close()
}
