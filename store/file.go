package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"sync"

	"github.com/dls-controls/odin-data/errors"
)

// File format: a fixed header followed by length/payload/checksum framed
// records. Readers replay records up to the last commit record, so a torn
// tail left by a crashed writer is never observed.
//
//	header:  magic [4]byte | version uint16 | reserved uint16
//	record:  length uint32 | payload | crc32(payload) uint32
//
// All integers little-endian.
var fileMagic = [4]byte{'O', 'D', 'M', 'F'}

const fileVersion uint16 = 1

// Record types.
const (
	recCreateArray byte = iota + 1
	recResize
	recWriteAt
	recAppend
	recCommit
)

// FileStore is the file-backed Store implementation.
type FileStore struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	w      *bufio.Writer
	logger *slog.Logger

	arrays []*fileArray
	byName map[string]*fileArray
	closed bool
}

var _ Store = (*FileStore)(nil)

// Option configures a FileStore.
type Option func(*FileStore)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileStore) {
		s.logger = logger
	}
}

// Create creates a new metadata file at path, truncating any existing file.
func Create(path string, opts ...Option) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "Create", "open file")
	}

	s := &FileStore{
		path:   path,
		file:   file,
		w:      bufio.NewWriter(file),
		byName: make(map[string]*fileArray),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "FileStore", "path", path)

	var header [8]byte
	copy(header[:4], fileMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], fileVersion)
	if _, err := s.w.Write(header[:]); err != nil {
		file.Close()
		return nil, errors.WrapFatal(err, "FileStore", "Create", "write header")
	}

	return s, nil
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// CreateArray adds a new array to the store.
func (s *FileStore) CreateArray(def ArrayDef) (Array, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.WrapFatal(errors.ErrStoreClosed, "FileStore", "CreateArray", "check state")
	}
	if _, exists := s.byName[def.Name]; exists {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "FileStore", "CreateArray",
			fmt.Sprintf("array %s already exists", def.Name))
	}

	a := &fileArray{
		store:  s,
		id:     uint64(len(s.arrays)),
		def:    def,
		fill:   def.DefaultFill(),
		length: def.Shape,
	}

	payload := []byte{recCreateArray}
	payload = binary.AppendUvarint(payload, a.id)
	payload = binary.AppendUvarint(payload, uint64(len(def.Name)))
	payload = append(payload, def.Name...)
	payload = append(payload, byte(def.DType))
	payload = binary.AppendUvarint(payload, uint64(def.StringLength))
	payload = binary.AppendVarint(payload, def.MaxShape)
	payload = binary.AppendVarint(payload, def.Shape)
	payload = appendValue(payload, a.fill)

	if err := s.writeRecord(payload); err != nil {
		return nil, errors.WrapFatal(err, "FileStore", "CreateArray", "write record")
	}

	s.arrays = append(s.arrays, a)
	s.byName[def.Name] = a
	s.logger.Debug("Created array",
		"array", def.Name,
		"dtype", def.DType.String(),
		"shape", def.Shape,
		"max_shape", def.MaxShape)
	return a, nil
}

// Array looks up an array by name.
func (s *FileStore) Array(name string) (Array, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byName[name]
	return a, ok
}

// Flush writes a commit record, drains buffers and fsyncs, making all
// preceding writes durable and visible to readers.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileStore) flushLocked() error {
	if s.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, "FileStore", "Flush", "check state")
	}
	if err := s.writeRecord([]byte{recCommit}); err != nil {
		return errors.WrapFatal(err, "FileStore", "Flush", "write commit")
	}
	if err := s.w.Flush(); err != nil {
		return errors.WrapFatal(err, "FileStore", "Flush", "drain buffer")
	}
	if err := s.file.Sync(); err != nil {
		return errors.WrapFatal(err, "FileStore", "Flush", "sync")
	}
	return nil
}

// Close commits outstanding writes and closes the file. Closing an already
// closed store is a no-op.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	flushErr := s.flushLocked()
	s.closed = true

	if err := s.file.Close(); err != nil {
		return errors.WrapFatal(err, "FileStore", "Close", "close file")
	}
	s.logger.Debug("Store closed")
	return flushErr
}

// writeRecord frames and buffers a single record. Callers hold s.mu.
func (s *FileStore) writeRecord(payload []byte) error {
	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(payload)))
	if _, err := s.w.Write(frame[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(frame[:], crc32.ChecksumIEEE(payload))
	_, err := s.w.Write(frame[:])
	return err
}

// fileArray is the Array implementation for FileStore.
type fileArray struct {
	store  *FileStore
	id     uint64
	def    ArrayDef
	fill   Value
	length int64
}

var _ Array = (*fileArray)(nil)

func (a *fileArray) Name() string { return a.def.Name }

func (a *fileArray) DType() DType { return a.def.DType }

func (a *fileArray) Len() int64 {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()
	return a.length
}

func (a *fileArray) Resize(n int64) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	if a.store.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, "FileStore", "Resize", "check state")
	}
	if n < 0 {
		return errors.WrapInvalid(errors.ErrInvalidData, "FileStore", "Resize",
			fmt.Sprintf("array %s: negative extent %d", a.def.Name, n))
	}
	if a.def.MaxShape != Unbounded && n > a.def.MaxShape {
		return errors.WrapInvalid(errors.ErrInvalidData, "FileStore", "Resize",
			fmt.Sprintf("array %s: extent %d exceeds bound %d", a.def.Name, n, a.def.MaxShape))
	}

	payload := []byte{recResize}
	payload = binary.AppendUvarint(payload, a.id)
	payload = binary.AppendVarint(payload, n)
	if err := a.store.writeRecord(payload); err != nil {
		return errors.WrapFatal(err, "FileStore", "Resize", "write record")
	}
	a.length = n
	return nil
}

func (a *fileArray) WriteAt(offset int64, values []Value) error {
	if len(values) == 0 {
		return nil
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	if a.store.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, "FileStore", "WriteAt", "check state")
	}
	if offset < 0 || offset+int64(len(values)) > a.length {
		return errors.WrapInvalid(errors.ErrOffsetOutOfRange, "FileStore", "WriteAt",
			fmt.Sprintf("array %s: region [%d,%d) outside extent %d",
				a.def.Name, offset, offset+int64(len(values)), a.length))
	}
	if err := a.checkTypes(values); err != nil {
		return err
	}

	payload := []byte{recWriteAt}
	payload = binary.AppendUvarint(payload, a.id)
	payload = binary.AppendVarint(payload, offset)
	payload = binary.AppendUvarint(payload, uint64(len(values)))
	for _, v := range values {
		payload = appendValue(payload, a.bound(v))
	}
	if err := a.store.writeRecord(payload); err != nil {
		return errors.WrapFatal(err, "FileStore", "WriteAt", "write record")
	}
	return nil
}

func (a *fileArray) Append(values ...Value) error {
	if len(values) == 0 {
		return nil
	}

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	if a.store.closed {
		return errors.WrapFatal(errors.ErrStoreClosed, "FileStore", "Append", "check state")
	}
	if a.def.MaxShape != Unbounded && a.length+int64(len(values)) > a.def.MaxShape {
		return errors.WrapInvalid(errors.ErrInvalidData, "FileStore", "Append",
			fmt.Sprintf("array %s: append past bound %d", a.def.Name, a.def.MaxShape))
	}
	if err := a.checkTypes(values); err != nil {
		return err
	}

	payload := []byte{recAppend}
	payload = binary.AppendUvarint(payload, a.id)
	payload = binary.AppendUvarint(payload, uint64(len(values)))
	for _, v := range values {
		payload = appendValue(payload, a.bound(v))
	}
	if err := a.store.writeRecord(payload); err != nil {
		return errors.WrapFatal(err, "FileStore", "Append", "write record")
	}
	a.length += int64(len(values))
	return nil
}

func (a *fileArray) Flush() error {
	return a.store.Flush()
}

func (a *fileArray) checkTypes(values []Value) error {
	for _, v := range values {
		if v.DType() != a.def.DType {
			return errors.WrapInvalid(errors.ErrTypeMismatch, "FileStore", "write",
				fmt.Sprintf("array %s: %s value written to %s array",
					a.def.Name, v.DType(), a.def.DType))
		}
	}
	return nil
}

// bound truncates string values to the declared byte bound.
func (a *fileArray) bound(v Value) Value {
	if a.def.DType == String && a.def.StringLength > 0 && len(v.Str()) > a.def.StringLength {
		return StringValue(v.Str()[:a.def.StringLength])
	}
	return v
}

// appendValue encodes a single element.
func appendValue(payload []byte, v Value) []byte {
	switch v.DType() {
	case Int32:
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(v.Int64())))
	case Int64:
		payload = binary.LittleEndian.AppendUint64(payload, uint64(v.Int64()))
	case Float64:
		payload = binary.LittleEndian.AppendUint64(payload, math.Float64bits(v.Float64()))
	case String:
		payload = binary.AppendUvarint(payload, uint64(len(v.Str())))
		payload = append(payload, v.Str()...)
	}
	return payload
}
