// Package rowstore is the append-only byte store the engine keeps row
// payloads in. The learned index and the MVCC version chain only ever
// hold a keys.RowRef; rowstore is what turns that reference back into
// bytes. Version history lives in pkg/mvcc, not here, so unlike the
// segmented heap this grew from, rowstore never tracks LSNs or
// tombstones — a row is just bytes at an offset, written once.
package rowstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/omendb/omen-sub002/pkg/errors"
	"github.com/omendb/omen-sub002/pkg/keys"
)

const (
	magic                 = 0x524f5753 // "ROWS"
	formatVersion         = 1
	headerSize            = 14 // magic(4) + version(2) + nextOffset(8)
	entryHeaderSize       = 4  // length(4)
	defaultMaxSegmentSize = 64 * 1024 * 1024
)

type segment struct {
	id          int
	path        string
	startOffset int64
	size        int64
	file        *os.File
}

// Store is a segmented, append-only byte store. Rows are never
// overwritten or deleted in place; an update writes a new row and the
// caller (the engine) points the index at the new offset.
type Store struct {
	mu             sync.RWMutex
	basePath       string
	segments       []*segment
	active         *segment
	nextOffset     int64
	maxSegmentSize int64
}

// Open opens an existing store at basePath or creates one if absent.
func Open(basePath string) (*Store, error) {
	s := &Store{basePath: basePath, maxSegmentSize: defaultMaxSegmentSize}

	var globalOffset int64
	id := 1
	for {
		segPath := fmt.Sprintf("%s_%03d.data", basePath, id)
		f, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, &errors.IoError{Op: "rowstore.Open", Err: err}
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, &errors.IoError{Op: "rowstore.Open", Err: err}
		}
		s.segments = append(s.segments, &segment{id: id, path: segPath, startOffset: globalOffset, size: info.Size(), file: f})
		globalOffset += info.Size()
		id++
	}

	if len(s.segments) == 0 {
		if err := s.createSegment(1, 0); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.active = s.segments[len(s.segments)-1]
	if err := s.loadActiveState(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) createSegment(id int, startOffset int64) error {
	segPath := fmt.Sprintf("%s_%03d.data", s.basePath, id)
	f, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return &errors.IoError{Op: "rowstore.createSegment", Err: err}
	}
	seg := &segment{id: id, path: segPath, startOffset: startOffset, file: f}
	s.segments = append(s.segments, seg)
	s.active = seg

	if _, err := f.Seek(0, 0); err != nil {
		return &errors.IoError{Op: "rowstore.createSegment", Err: err}
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(magic)); err != nil {
		return &errors.IoError{Op: "rowstore.createSegment", Err: err}
	}
	if err := binary.Write(f, binary.LittleEndian, uint16(formatVersion)); err != nil {
		return &errors.IoError{Op: "rowstore.createSegment", Err: err}
	}
	if err := binary.Write(f, binary.LittleEndian, int64(headerSize)); err != nil {
		return &errors.IoError{Op: "rowstore.createSegment", Err: err}
	}
	if err := f.Sync(); err != nil {
		return &errors.IoError{Op: "rowstore.createSegment", Err: err}
	}

	seg.size = int64(headerSize)
	s.nextOffset = startOffset + int64(headerSize)
	return nil
}

func (s *Store) loadActiveState() error {
	f := s.active.file
	if _, err := f.Seek(0, 0); err != nil {
		return &errors.IoError{Op: "rowstore.loadActiveState", Err: err}
	}
	var m uint32
	if err := binary.Read(f, binary.LittleEndian, &m); err != nil {
		return &errors.IoError{Op: "rowstore.loadActiveState", Err: err}
	}
	if m != magic {
		return &errors.InvariantViolationError{Component: "rowstore", Detail: fmt.Sprintf("bad magic in segment %d", s.active.id)}
	}
	var v uint16
	if err := binary.Read(f, binary.LittleEndian, &v); err != nil {
		return &errors.IoError{Op: "rowstore.loadActiveState", Err: err}
	}
	if v != formatVersion {
		return &errors.InvariantViolationError{Component: "rowstore", Detail: fmt.Sprintf("unsupported format version %d", v)}
	}
	var localNext int64
	if err := binary.Read(f, binary.LittleEndian, &localNext); err != nil {
		return &errors.IoError{Op: "rowstore.loadActiveState", Err: err}
	}
	s.nextOffset = s.active.startOffset + localNext

	stat, _ := f.Stat()
	if stat.Size() > localNext {
		s.nextOffset = s.active.startOffset + stat.Size()
		_ = s.persistNextOffset()
	}
	return nil
}

func (s *Store) persistNextOffset() error {
	seg := s.active
	if _, err := seg.file.Seek(6, 0); err != nil {
		return &errors.IoError{Op: "rowstore.persistNextOffset", Err: err}
	}
	local := s.nextOffset - seg.startOffset
	return binary.Write(seg.file, binary.LittleEndian, local)
}

// Put appends row to the store and returns its RowRef: an 8-byte
// big-endian global offset, opaque to every caller but this package.
func (s *Store) Put(row []byte) (keys.RowRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needed := int64(entryHeaderSize + len(row))
	localOffset := s.nextOffset - s.active.startOffset
	if localOffset+needed > s.maxSegmentSize {
		if err := s.createSegment(s.active.id+1, s.nextOffset); err != nil {
			return nil, err
		}
		localOffset = s.nextOffset - s.active.startOffset
	}

	offset := s.nextOffset
	seg := s.active
	if _, err := seg.file.Seek(localOffset, 0); err != nil {
		return nil, &errors.IoError{Op: "rowstore.Put", Err: err}
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint32(len(row))); err != nil {
		return nil, &errors.IoError{Op: "rowstore.Put", Err: err}
	}
	if _, err := seg.file.Write(row); err != nil {
		return nil, &errors.IoError{Op: "rowstore.Put", Err: err}
	}

	s.nextOffset += needed
	seg.size = s.nextOffset - seg.startOffset
	if err := s.persistNextOffset(); err != nil {
		return nil, err
	}

	ref := make(keys.RowRef, 8)
	binary.BigEndian.PutUint64(ref, uint64(offset))
	return ref, nil
}

func (s *Store) segmentFor(offset int64) (*segment, error) {
	for _, seg := range s.segments {
		if offset >= seg.startOffset && offset < seg.startOffset+seg.size {
			return seg, nil
		}
	}
	return nil, &errors.NotFoundError{Key: offset}
}

// Get resolves a RowRef returned by Put back into row bytes.
func (s *Store) Get(ref keys.RowRef) ([]byte, error) {
	if len(ref) != 8 {
		return nil, &errors.InvariantViolationError{Component: "rowstore", Detail: "malformed row reference"}
	}
	offset := int64(binary.BigEndian.Uint64(ref))

	s.mu.RLock()
	defer s.mu.RUnlock()

	seg, err := s.segmentFor(offset)
	if err != nil {
		return nil, err
	}
	localOffset := offset - seg.startOffset
	if _, err := seg.file.Seek(localOffset, 0); err != nil {
		return nil, &errors.IoError{Op: "rowstore.Get", Err: err}
	}
	var length uint32
	if err := binary.Read(seg.file, binary.LittleEndian, &length); err != nil {
		return nil, &errors.IoError{Op: "rowstore.Get", Err: err}
	}
	row := make([]byte, length)
	if _, err := io.ReadFull(seg.file, row); err != nil {
		return nil, &errors.IoError{Op: "rowstore.Get", Err: err}
	}
	return row, nil
}

// Close releases every open segment file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, seg := range s.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = &errors.IoError{Op: "rowstore.Close", Err: err}
		}
	}
	return firstErr
}

// Path returns the store's base path, used to lay out companion files
// (the WAL, checkpoints) alongside it.
func (s *Store) Path() string {
	return s.basePath
}

// Iterator walks every row in insertion order, for a caller that needs a
// full scan of the store.
type Iterator struct {
	store      *Store
	segmentIdx int
	file       *os.File
	pos        int64
}

// NewIterator opens an independent read handle over the store's segments.
func (s *Store) NewIterator() (*Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.segments) == 0 {
		return nil, &errors.InvariantViolationError{Component: "rowstore", Detail: "no segments to iterate"}
	}
	f, err := os.Open(s.segments[0].path)
	if err != nil {
		return nil, &errors.IoError{Op: "rowstore.NewIterator", Err: err}
	}
	return &Iterator{store: s, file: f, pos: headerSize}, nil
}

// Next returns the next row's bytes and global offset, or io.EOF when done.
func (it *Iterator) Next() ([]byte, int64, error) {
	for {
		it.store.mu.RLock()
		if it.segmentIdx >= len(it.store.segments) {
			it.store.mu.RUnlock()
			return nil, 0, io.EOF
		}
		seg := it.store.segments[it.segmentIdx]
		start := seg.startOffset
		it.store.mu.RUnlock()

		globalOffset := start + it.pos
		if _, err := it.file.Seek(it.pos, 0); err != nil {
			return nil, 0, &errors.IoError{Op: "rowstore.Iterator.Next", Err: err}
		}

		var length uint32
		if err := binary.Read(it.file, binary.LittleEndian, &length); err != nil {
			if err == io.EOF {
				if err := it.nextSegment(); err != nil {
					return nil, 0, err
				}
				continue
			}
			return nil, 0, &errors.IoError{Op: "rowstore.Iterator.Next", Err: err}
		}
		row := make([]byte, length)
		if _, err := io.ReadFull(it.file, row); err != nil {
			return nil, 0, &errors.IoError{Op: "rowstore.Iterator.Next", Err: err}
		}
		it.pos += int64(entryHeaderSize) + int64(length)
		return row, globalOffset, nil
	}
}

func (it *Iterator) nextSegment() error {
	it.file.Close()
	it.segmentIdx++

	it.store.mu.RLock()
	defer it.store.mu.RUnlock()
	if it.segmentIdx >= len(it.store.segments) {
		return io.EOF
	}
	seg := it.store.segments[it.segmentIdx]
	f, err := os.Open(seg.path)
	if err != nil {
		return &errors.IoError{Op: "rowstore.Iterator.nextSegment", Err: err}
	}
	it.file = f
	it.pos = headerSize
	return nil
}

// Close releases the iterator's read handle.
func (it *Iterator) Close() error {
	return it.file.Close()
}
