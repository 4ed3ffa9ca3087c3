// Copyright 2023 The appendkv Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package mmapfile implements an append-only file accessed through a
// memory mapping that grows along with the file.
//
// The first HeaderSize bytes of every file hold a magic number, a format
// version and the logical length: the number of bytes (header included)
// that have been durably appended.  The physical file, and the mapping
// over it, is usually larger than the logical length so that growth can
// be amortized.  Nothing past the logical length is ever handed out.
//
// A File has a single writer, but any number of goroutines can call Len
// and Slice concurrently with that writer without locking.  Growing the
// file maps it again at its new size; older mappings are kept alive
// until Close so that slices handed out earlier remain valid.
package mmapfile

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const defaultInitialSize = 1 << 20

var (
	ErrCorrupted = errors.New("appendkv: data corrupted")
	ErrReadOnly  = errors.New("appendkv: opened read-only")
	ErrLocked    = errors.New("appendkv: writer lock held by another handle")
	ErrClosed    = errors.New("appendkv: closed")

	errNoCapacity = errors.New("append beyond mapped capacity")
)

// Options configures how a File is opened.
type Options struct {
	// ReadOnly opens an existing file for reading; it is neither created
	// nor grown, and the writer methods return ErrReadOnly.
	ReadOnly bool
	// InitialSize is the physical size a newly created file starts with.
	InitialSize int64
	// Advice is passed to madvise(2) for every mapping (e.g. unix.MADV_RANDOM).
	Advice int
	// OnRemap, if set, is called after the file has been mapped at a new size.
	OnRemap func(oldCap, newCap int64)
}

type mapping struct {
	data []byte
}

// File is a growable memory-mapped file.
type File struct {
	path     string
	f        *os.File
	fd       int
	magic    uint32
	opts     Options
	pageSize int64

	m      atomic.Pointer[mapping]
	length atomic.Int64
	closed atomic.Bool

	mu      sync.Mutex
	cursor  int64
	retired []*mapping
	locked  bool
}

// Open opens the file at path, creating and initializing it unless
// opts.ReadOnly is set.  magic identifies the kind of file and is checked
// against the header of existing files.
func Open(path string, magic uint32, opts Options) (*File, error) {
	if opts.InitialSize <= 0 {
		opts.InitialSize = defaultInitialSize
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile(%s): %w", path, err)
	}

	mf := &File{
		path:     path,
		f:        f,
		fd:       int(f.Fd()),
		magic:    magic,
		opts:     opts,
		pageSize: int64(os.Getpagesize()),
	}
	if err := mf.init(); err != nil {
		_ = mf.Close()
		return nil, err
	}

	return mf, nil
}

func roundUp(n, multiple int64) int64 {
	return (n + multiple - 1) / multiple * multiple
}

func (mf *File) init() error {
	stats, err := mf.f.Stat()
	if err != nil {
		return fmt.Errorf("f.Stat: %w", err)
	}
	size := stats.Size()
	if size < HeaderSize {
		if mf.opts.ReadOnly {
			return fmt.Errorf("%s too short: %d < %d: %w", mf.path, size, HeaderSize, ErrCorrupted)
		}
		size = roundUp(max(mf.opts.InitialSize, HeaderSize), mf.pageSize)
		if err := mf.f.Truncate(size); err != nil {
			return fmt.Errorf("f.Truncate(%d): %w", size, err)
		}
	}

	if err := mf.mapSize(size); err != nil {
		return err
	}

	data := mf.m.Load().data
	if !mf.opts.ReadOnly && isZero(data) {
		if err := newFileHeader(mf.magic).MarshalTo(data); err != nil {
			return fmt.Errorf("fileHeader.MarshalTo: %w", err)
		}
		if err := unix.Msync(data[:HeaderSize], unix.MS_SYNC); err != nil {
			return fmt.Errorf("unix.Msync(%s): %w", mf.path, err)
		}
		if err := mf.f.Sync(); err != nil {
			return fmt.Errorf("f.Sync: %w", err)
		}
	}

	var h fileHeader
	if err := h.UnmarshalBytes(data, mf.magic); err != nil {
		return fmt.Errorf("%s: %w", mf.path, err)
	}
	if int64(h.length) > size {
		return fmt.Errorf("%s: logical length %d beyond file size %d: %w", mf.path, h.length, size, ErrCorrupted)
	}

	mf.length.Store(int64(h.length))
	mf.cursor = int64(h.length)

	return nil
}

// mapSize maps the first size bytes of the file and publishes the new
// mapping.  The previous mapping is retired, not unmapped.
func (mf *File) mapSize(size int64) error {
	prot := unix.PROT_READ
	if !mf.opts.ReadOnly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(mf.fd, 0, int(size), prot, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("unix.Mmap(%s, %d): %w", mf.path, size, err)
	}
	if mf.opts.Advice != unix.MADV_NORMAL {
		if err := unix.Madvise(data, mf.opts.Advice); err != nil {
			_ = unix.Munmap(data)
			return fmt.Errorf("madvise: %w", err)
		}
	}

	if old := mf.m.Swap(&mapping{data: data}); old != nil {
		mf.retired = append(mf.retired, old)
	}
	return nil
}

// Path returns the path the file was opened with.
func (mf *File) Path() string {
	return mf.path
}

// Len returns the logical length of the file, header included.
func (mf *File) Len() int64 {
	return mf.length.Load()
}

// Cap returns the size of the current mapping.
func (mf *File) Cap() int64 {
	m := mf.m.Load()
	if m == nil {
		return 0
	}
	return int64(len(m.data))
}

func (mf *File) checkWritable() error {
	if mf.closed.Load() {
		return ErrClosed
	}
	if mf.opts.ReadOnly {
		return ErrReadOnly
	}
	return nil
}

// EnsureCapacity grows the file, doubling its size, until n more bytes
// can be appended without remapping.
func (mf *File) EnsureCapacity(n int64) error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if err := mf.checkWritable(); err != nil {
		return err
	}

	need := mf.cursor + n
	oldCap := mf.Cap()
	if need <= oldCap {
		return nil
	}

	newCap := oldCap
	for newCap < need {
		newCap *= 2
	}
	newCap = roundUp(newCap, mf.pageSize)

	if err := mf.f.Truncate(newCap); err != nil {
		return fmt.Errorf("f.Truncate(%d): %w", newCap, err)
	}
	// make the new file size durable before anything is written into it
	if err := mf.f.Sync(); err != nil {
		return fmt.Errorf("f.Sync: %w", err)
	}
	if err := mf.mapSize(newCap); err != nil {
		return err
	}

	if mf.opts.OnRemap != nil {
		mf.opts.OnRemap(oldCap, newCap)
	}

	return nil
}

// Append copies p to the end of the file and returns the offset it was
// written at.  The bytes are not part of the logical length until Flush.
func (mf *File) Append(p []byte) (off int64, err error) {
	return mf.AppendFunc(len(p), func(dst []byte) {
		copy(dst, p)
	})
}

// AppendFunc reserves n bytes at the end of the file and hands them to
// fill to be written in place.  The capacity must have been ensured.
func (mf *File) AppendFunc(n int, fill func(dst []byte)) (off int64, err error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if err := mf.checkWritable(); err != nil {
		return 0, err
	}

	data := mf.m.Load().data
	off = mf.cursor
	end := off + int64(n)
	if end > int64(len(data)) {
		return 0, fmt.Errorf("%d bytes at %d (capacity %d): %w", n, off, len(data), errNoCapacity)
	}

	fill(data[off:end:end])
	mf.cursor = end

	return off, nil
}

// Flush forces the appended bytes to stable storage and then commits them
// by durably advancing the logical length in the header.  On failure the
// uncommitted bytes are discarded.
func (mf *File) Flush() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if err := mf.checkWritable(); err != nil {
		return err
	}

	committed := mf.length.Load()
	if mf.cursor == committed {
		return nil
	}

	data := mf.m.Load().data
	start := committed &^ (mf.pageSize - 1)
	if err := unix.Msync(data[start:mf.cursor], unix.MS_SYNC); err != nil {
		mf.cursor = committed
		return fmt.Errorf("unix.Msync(%s): %w", mf.path, err)
	}

	storeLength(data, uint64(mf.cursor))
	if err := unix.Msync(data[:HeaderSize], unix.MS_SYNC); err != nil {
		storeLength(data, uint64(committed))
		mf.cursor = committed
		return fmt.Errorf("unix.Msync(%s header): %w", mf.path, err)
	}

	mf.length.Store(mf.cursor)

	return nil
}

// Slice returns a view of n bytes at off without copying.  The range
// must lie within the logical length; anything else means the caller was
// handed a bad offset, so it is reported as corruption.
func (mf *File) Slice(off, n int64) ([]byte, error) {
	if mf.closed.Load() {
		return nil, ErrClosed
	}
	length := mf.length.Load()
	if off < 0 || n < 0 || off > length || n > length-off {
		return nil, fmt.Errorf("%s: range [%d, %d) beyond logical length %d: %w", mf.path, off, off+n, length, ErrCorrupted)
	}
	data := mf.m.Load().data
	end := off + n
	return data[off:end:end], nil
}

// Refresh lets a read-only handle observe bytes appended by the writer
// since it was opened or last refreshed, mapping the file again if it
// has grown.  It reports whether the logical length changed.  For
// writable files it is a no-op.
func (mf *File) Refresh() (bool, error) {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if mf.closed.Load() {
		return false, ErrClosed
	}
	if !mf.opts.ReadOnly {
		return false, nil
	}

	data := mf.m.Load().data
	newLen := int64(loadLength(data))
	oldLen := mf.length.Load()
	if newLen < oldLen {
		return false, fmt.Errorf("%s: logical length shrank from %d to %d: %w", mf.path, oldLen, newLen, ErrCorrupted)
	} else if newLen == oldLen {
		return false, nil
	}

	if oldCap := int64(len(data)); newLen > oldCap {
		stats, err := mf.f.Stat()
		if err != nil {
			return false, fmt.Errorf("f.Stat: %w", err)
		}
		if stats.Size() < newLen {
			return false, fmt.Errorf("%s: logical length %d beyond file size %d: %w", mf.path, newLen, stats.Size(), ErrCorrupted)
		}
		if err := mf.mapSize(stats.Size()); err != nil {
			return false, err
		}
		if mf.opts.OnRemap != nil {
			mf.opts.OnRemap(oldCap, stats.Size())
		}
	}

	mf.length.Store(newLen)

	return true, nil
}

// Lock takes an advisory exclusive lock on the file, failing with
// ErrLocked rather than blocking if another handle holds it.  The lock
// is released by Close.
func (mf *File) Lock() error {
	mf.mu.Lock()
	defer mf.mu.Unlock()

	if mf.locked {
		return nil
	}
	if err := unix.Flock(mf.fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%s: %w", mf.path, ErrLocked)
		}
		return fmt.Errorf("unix.Flock(%s): %w", mf.path, err)
	}
	mf.locked = true

	return nil
}

// Close unmaps the file and closes it.  Slices returned by Slice must not
// be used afterwards.
func (mf *File) Close() error {
	if mf.closed.Swap(true) {
		return nil
	}

	mf.mu.Lock()
	defer mf.mu.Unlock()

	var errs []error
	if m := mf.m.Swap(nil); m != nil {
		mf.retired = append(mf.retired, m)
	}
	for _, m := range mf.retired {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, fmt.Errorf("unix.Munmap: %w", err))
		}
	}
	mf.retired = nil

	if mf.locked {
		if err := unix.Flock(mf.fd, unix.LOCK_UN); err != nil {
			errs = append(errs, fmt.Errorf("unix.Flock(LOCK_UN): %w", err))
		}
		mf.locked = false
	}
	if err := mf.f.Close(); err != nil {
		errs = append(errs, fmt.Errorf("f.Close: %w", err))
	}

	return errors.Join(errs...)
}
