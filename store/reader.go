package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"

	"github.com/dls-controls/odin-data/errors"
)

// ArraySnapshot is the committed state of one array.
type ArraySnapshot struct {
	Name   string
	DType  DType
	Values []Value
}

// Len returns the committed extent of the array.
func (a *ArraySnapshot) Len() int64 {
	return int64(len(a.Values))
}

// Snapshot is the committed state of a store file, as observed by a
// concurrent reader. Records after the last commit are not visible.
type Snapshot struct {
	Arrays []*ArraySnapshot
	byName map[string]*ArraySnapshot
}

// Array looks up an array snapshot by name.
func (s *Snapshot) Array(name string) (*ArraySnapshot, bool) {
	a, ok := s.byName[name]
	return a, ok
}

// op is one replayed record, buffered until its commit is seen.
type op struct {
	rec    byte
	id     uint64
	def    ArrayDef
	fill   Value
	offset int64
	n      int64
	values []Value
}

// Read opens a store file and replays it up to the last commit record.
// A torn tail beyond the last commit (an in-progress writer, or a crash
// between flushes) is silently ignored; a malformed header is fatal.
func Read(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Reader", "Read", "open file")
	}
	defer file.Close()

	r := bufio.NewReader(file)

	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.WrapFatal(errors.ErrDataCorrupted, "Reader", "Read", "read header")
	}
	if !bytes.Equal(header[:4], fileMagic[:]) {
		return nil, errors.WrapFatal(errors.ErrDataCorrupted, "Reader", "Read",
			fmt.Sprintf("bad magic %x", header[:4]))
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != fileVersion {
		return nil, errors.WrapFatal(errors.ErrDataCorrupted, "Reader", "Read",
			fmt.Sprintf("unsupported format version %d", v))
	}

	var arrays []*replayArray
	var pending []op

	// Element decoding needs each array's dtype, which comes from the
	// creating record. Creates always precede writes in the file, so the
	// table is populated as records are parsed, independent of commits.
	dtypes := make(map[uint64]DType)

	for {
		record, err := readRecord(r)
		if err != nil {
			// io.EOF is a clean end; anything else is a torn or corrupt
			// tail. Either way only committed records are visible.
			break
		}

		o, err := decodeOp(record, dtypes)
		if err != nil {
			break
		}

		if o.rec == recCreateArray {
			dtypes[o.id] = o.def.DType
		}
		if o.rec == recCommit {
			for _, p := range pending {
				arrays = applyOp(arrays, p)
			}
			pending = pending[:0]
			continue
		}
		pending = append(pending, o)
	}

	snap := &Snapshot{byName: make(map[string]*ArraySnapshot)}
	for _, ra := range arrays {
		as := &ArraySnapshot{Name: ra.def.Name, DType: ra.def.DType, Values: ra.values}
		snap.Arrays = append(snap.Arrays, as)
		snap.byName[as.Name] = as
	}
	return snap, nil
}

// replayArray accumulates one array's state during replay.
type replayArray struct {
	def    ArrayDef
	fill   Value
	values []Value
}

func (ra *replayArray) resize(n int64) {
	for int64(len(ra.values)) < n {
		ra.values = append(ra.values, ra.fill)
	}
	if int64(len(ra.values)) > n {
		ra.values = ra.values[:n]
	}
}

func applyOp(arrays []*replayArray, o op) []*replayArray {
	switch o.rec {
	case recCreateArray:
		ra := &replayArray{def: o.def, fill: o.fill}
		ra.resize(o.def.Shape)
		return append(arrays, ra)
	case recResize:
		if o.id < uint64(len(arrays)) {
			arrays[o.id].resize(o.n)
		}
	case recWriteAt:
		if o.id < uint64(len(arrays)) {
			ra := arrays[o.id]
			if o.offset >= 0 && o.offset+int64(len(o.values)) <= int64(len(ra.values)) {
				copy(ra.values[o.offset:], o.values)
			}
		}
	case recAppend:
		if o.id < uint64(len(arrays)) {
			ra := arrays[o.id]
			ra.values = append(ra.values, o.values...)
		}
	}
	return arrays
}

// readRecord reads one length/payload/checksum frame.
func readRecord(r *bufio.Reader) ([]byte, error) {
	var frame [4]byte
	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(frame[:])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, frame[:]); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(frame[:]) {
		return nil, errors.ErrDataCorrupted
	}
	return payload, nil
}

func decodeOp(record []byte, dtypes map[uint64]DType) (op, error) {
	if len(record) == 0 {
		return op{}, errors.ErrDataCorrupted
	}

	r := bytes.NewReader(record[1:])
	o := op{rec: record[0]}
	var err error

	switch o.rec {
	case recCommit:
		return o, nil

	case recCreateArray:
		if o.id, err = binary.ReadUvarint(r); err != nil {
			return op{}, err
		}
		nameLen, err := binary.ReadUvarint(r)
		if err != nil {
			return op{}, err
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return op{}, err
		}
		o.def.Name = string(name)
		dt, err := r.ReadByte()
		if err != nil {
			return op{}, err
		}
		o.def.DType = DType(dt)
		strLen, err := binary.ReadUvarint(r)
		if err != nil {
			return op{}, err
		}
		o.def.StringLength = int(strLen)
		if o.def.MaxShape, err = binary.ReadVarint(r); err != nil {
			return op{}, err
		}
		if o.def.Shape, err = binary.ReadVarint(r); err != nil {
			return op{}, err
		}
		if o.fill, err = readValue(r, o.def.DType); err != nil {
			return op{}, err
		}
		return o, nil

	case recResize:
		if o.id, err = binary.ReadUvarint(r); err != nil {
			return op{}, err
		}
		if o.n, err = binary.ReadVarint(r); err != nil {
			return op{}, err
		}
		return o, nil

	case recWriteAt, recAppend:
		if o.id, err = binary.ReadUvarint(r); err != nil {
			return op{}, err
		}
		if o.rec == recWriteAt {
			if o.offset, err = binary.ReadVarint(r); err != nil {
				return op{}, err
			}
		}
		count, err := binary.ReadUvarint(r)
		if err != nil {
			return op{}, err
		}
		dtype, ok := dtypes[o.id]
		if !ok {
			return op{}, errors.ErrDataCorrupted
		}
		o.values = make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			v, err := readValue(r, dtype)
			if err != nil {
				return op{}, err
			}
			o.values = append(o.values, v)
		}
		return o, nil

	default:
		return op{}, errors.ErrDataCorrupted
	}
}

func readValue(r *bytes.Reader, dtype DType) (Value, error) {
	switch dtype {
	case Int32:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, err
		}
		return Int32Value(int32(binary.LittleEndian.Uint32(buf[:]))), nil
	case Int64:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, err
		}
		return Int64Value(int64(binary.LittleEndian.Uint64(buf[:]))), nil
	case Float64:
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Value{}, err
		}
		return Float64Value(math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))), nil
	case String:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Value{}, err
		}
		return StringValue(string(buf)), nil
	default:
		return Value{}, errors.ErrDataCorrupted
	}
}
