// Package message defines the meta message contract: the header/body envelope
// produced by the transport decoding layer and consumed by the writer's
// dispatch table.
//
// A meta message arrives as two parts. The header part carries the message
// type tag under the "parameter" key plus a type-specific header mapping. The
// body part is either a field-to-value mapping or an opaque blob for
// non-parametric messages. Numeric fields decode as float64 (JSON numbers);
// the typed accessors coerce whole floats back to integers.
package message

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/dls-controls/odin-data/errors"
)

// Type is the message type tag carried in the header "parameter" field.
type Type string

// Message types understood by the acquisition writer's base dispatch table.
const (
	TypeStartAcquisition Type = "startacquisition"
	TypeCreateFile       Type = "createfile"
	TypeWriteFrame       Type = "writeframe"
	TypeCloseFile        Type = "closefile"
	TypeStopAcquisition  Type = "stopacquisition"
)

// Known checks whether the type is one of the base dispatch types. Unknown
// types are not an error at this layer; detectors may extend the table.
func (t Type) Known() bool {
	switch t {
	case TypeStartAcquisition, TypeCreateFile, TypeWriteFrame,
		TypeCloseFile, TypeStopAcquisition:
		return true
	}
	return false
}

// Well-known header field names.
const (
	FieldTotalFrames   = "totalFrames"
	FieldRank          = "rank"
	FieldAcquisitionID = "acqID"
)

// Well-known body field names, matching the base dataset names.
const (
	FieldFrame          = "frame"
	FieldOffset         = "offset"
	FieldCreateDuration = "create_duration"
	FieldWriteDuration  = "write_duration"
	FieldFlushDuration  = "flush_duration"
	FieldCloseDuration  = "close_duration"
)

// Header is the routing part of a meta message.
type Header struct {
	// Type is the message type tag, decoded from the "parameter" key.
	Type Type `json:"parameter"`
	// Fields carries the type-specific header values, decoded from the
	// nested "header" object.
	Fields Fields `json:"header"`
}

// AcquisitionID returns the acquisition this message belongs to, or the
// empty string when the header does not carry one.
func (h Header) AcquisitionID() string {
	id, _ := h.Fields.String(FieldAcquisitionID)
	return id
}

// Body is the payload part of a meta message. Exactly one of Fields or Blob
// is populated: Fields when the payload decoded as a JSON object, Blob
// otherwise.
type Body struct {
	Fields Fields
	Blob   []byte
}

// Fields is a decoded field-to-value mapping with typed accessors.
type Fields map[string]any

// Int64 returns the named field as an int64. JSON numbers decode as float64;
// whole floats coerce losslessly.
func (f Fields) Int64(name string) (int64, error) {
	raw, ok := f[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", errors.ErrMissingField, name)
	}
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: field %s is not an integer", errors.ErrInvalidData, name)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("%w: field %s has type %T", errors.ErrInvalidData, name, raw)
}

// String returns the named field as a string.
func (f Fields) String(name string) (string, error) {
	raw, ok := f[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrMissingField, name)
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: field %s has type %T", errors.ErrInvalidData, name, raw)
	}
	return s, nil
}

// Has reports whether the named field is present.
func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// Message is one decoded meta message. The ID is assigned at decode time and
// exists only for log correlation; it is not part of the wire contract.
type Message struct {
	ID     string
	Header Header
	Body   Body
}

// Decode parses the two wire parts of a meta message. The header part must
// be a JSON object carrying the type tag; the body part is decoded as a JSON
// object when possible and kept as an opaque blob otherwise.
func Decode(headerPart, bodyPart []byte) (*Message, error) {
	var header Header
	if err := json.Unmarshal(headerPart, &header); err != nil {
		return nil, errors.WrapInvalid(err, "Message", "Decode", "parse header")
	}
	if header.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "Message", "Decode",
			"read parameter field")
	}

	msg := &Message{
		ID:     uuid.NewString(),
		Header: header,
	}

	if len(bodyPart) > 0 {
		var fields Fields
		if err := json.Unmarshal(bodyPart, &fields); err != nil {
			msg.Body.Blob = bodyPart
		} else {
			msg.Body.Fields = fields
		}
	}
	return msg, nil
}
