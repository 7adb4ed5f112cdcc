package writer

import (
	"github.com/google/uuid"

	"github.com/dls-controls/odin-data/dataset"
	"github.com/dls-controls/odin-data/message"
)

// Detector supplies the detector-specific half of an acquisition: extra
// dataset definitions merged into the registry at store creation time, and
// the per-frame parameter names expected in buffered side channel records.
// A detector is injected into the writer at construction; the base writer
// carries no detector knowledge of its own.
type Detector interface {
	// Name identifies the detector in logs.
	Name() string

	// Datasets returns fresh dataset definitions for one acquisition.
	// Instances must not be shared between acquisitions.
	Datasets() []*dataset.Dataset

	// FrameParameters returns the field names a side channel record must
	// carry for each frame. An empty list disables the merge step.
	FrameParameters() []string
}

// MessageHandler is an optional Detector extension. When implemented, the
// writer routes message types outside the base dispatch table to it instead
// of dropping them. Handlers typically buffer per-frame records through
// AcquisitionWriter.StoreFrameData, or register datasets whose shape is
// unknown until first occurrence through AcquisitionWriter.AddDataset.
type MessageHandler interface {
	HandleMessage(msg *message.Message, w *AcquisitionWriter) error
}

// DummyDetector is a reference detector used in tests and demo wiring. It
// contributes a single temperature dataset fed by "dummyframe" messages.
type DummyDetector struct {
	id string
}

// NewDummyDetector creates a dummy detector with a unique instance ID.
func NewDummyDetector() *DummyDetector {
	return &DummyDetector{id: uuid.NewString()}
}

// TypeDummyFrame is the per-frame meta message type of the dummy detector.
const TypeDummyFrame message.Type = "dummyframe"

func (d *DummyDetector) Name() string {
	return "dummy-" + d.id[:8]
}

func (d *DummyDetector) Datasets() []*dataset.Dataset {
	return []*dataset.Dataset{
		dataset.Float64("temperature"),
	}
}

func (d *DummyDetector) FrameParameters() []string {
	return []string{"temperature"}
}

// HandleMessage buffers dummyframe records until their offset is known.
func (d *DummyDetector) HandleMessage(msg *message.Message, w *AcquisitionWriter) error {
	if msg.Header.Type != TypeDummyFrame {
		return nil
	}
	frame, err := msg.Body.Fields.Int64(message.FieldFrame)
	if err != nil {
		return err
	}
	w.StoreFrameData(frame, msg.Body.Fields)
	return nil
}
