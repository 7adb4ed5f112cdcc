package writer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dls-controls/odin-data/dataset"
	odinerrors "github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/message"
	"github.com/dls-controls/odin-data/store"
)

func msg(typ message.Type, header, body message.Fields) *message.Message {
	return &message.Message{
		ID:     "test-message",
		Header: message.Header{Type: typ, Fields: header},
		Body:   message.Body{Fields: body},
	}
}

func startMsg(totalFrames int64) *message.Message {
	return msg(message.TypeStartAcquisition,
		message.Fields{message.FieldTotalFrames: float64(totalFrames)}, nil)
}

func stopMsg(rank int64) *message.Message {
	return msg(message.TypeStopAcquisition,
		message.Fields{message.FieldRank: float64(rank)}, nil)
}

func writeFrameMsg(frame, offset int64) *message.Message {
	return msg(message.TypeWriteFrame, nil, message.Fields{
		message.FieldFrame:         float64(frame),
		message.FieldOffset:        float64(offset),
		message.FieldWriteDuration: float64(10),
		message.FieldFlushDuration: float64(2),
	})
}

func newTestWriter(t *testing.T, cfg Config, opts ...Option) *AcquisitionWriter {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	w := New("scan", cfg, opts...)
	t.Cleanup(func() { w.Stop() })
	return w
}

func readStore(t *testing.T, path string) *store.Snapshot {
	t.Helper()
	snap, err := store.Read(path)
	require.NoError(t, err)
	return snap
}

func int64At(t *testing.T, snap *store.Snapshot, name string, offset int64) int64 {
	t.Helper()
	a, ok := snap.Array(name)
	require.True(t, ok, "array %s", name)
	require.Less(t, offset, a.Len(), "array %s", name)
	return a.Values[offset].Int64()
}

func TestWriter_EndToEndFlushPolicy(t *testing.T) {
	cfg := Config{FlushFrameFrequency: 2, FlushTimeout: 1000 * time.Second}
	w := newTestWriter(t, cfg)

	require.NoError(t, w.ProcessMessage(startMsg(3)))
	status := w.Status()
	assert.True(t, status.FileOpen)
	assert.Equal(t, 1, status.ActiveProducers)
	assert.Equal(t, filepath.Join(w.config.Directory, "scan_meta.dat"), status.FullFilePath)

	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(1, 1)))

	// Exactly one flush after the second message
	snap := readStore(t, status.FullFilePath)
	assert.Equal(t, int64(0), int64At(t, snap, "frame", 0))
	assert.Equal(t, int64(1), int64At(t, snap, "frame", 1))
	assert.Equal(t, int64(-1), int64At(t, snap, "frame", 2))

	// The third write is cached but not yet flushed
	require.NoError(t, w.ProcessMessage(writeFrameMsg(2, 2)))
	snap = readStore(t, status.FullFilePath)
	assert.Equal(t, int64(-1), int64At(t, snap, "frame", 2))

	// Stop closes the store with a final flush
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	status = w.Status()
	assert.False(t, status.FileOpen)
	assert.True(t, status.Finished)
	assert.Equal(t, int64(3), status.WriteCount)

	snap = readStore(t, status.FullFilePath)
	for i := int64(0); i < 3; i++ {
		assert.Equal(t, i, int64At(t, snap, "frame", i))
		assert.Equal(t, i, int64At(t, snap, "offset", i))
		assert.Equal(t, int64(10), int64At(t, snap, "write_duration", i))
		assert.Equal(t, int64(2), int64At(t, snap, "flush_duration", i))
	}
}

func TestWriter_FlushTimeoutTrigger(t *testing.T) {
	// Frequency disabled, a tiny timeout makes every write flush
	cfg := Config{FlushFrameFrequency: 0, FlushTimeout: time.Nanosecond}
	w := newTestWriter(t, cfg)

	require.NoError(t, w.ProcessMessage(startMsg(2)))
	time.Sleep(time.Millisecond)
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))

	snap := readStore(t, w.Status().FullFilePath)
	assert.Equal(t, int64(0), int64At(t, snap, "frame", 0))
}

func TestWriter_LastWriterWinsPerOffset(t *testing.T) {
	cfg := Config{FlushFrameFrequency: 0, FlushTimeout: 0}
	w := newTestWriter(t, cfg)

	require.NoError(t, w.ProcessMessage(startMsg(2)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(7, 0)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(8, 0)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))

	snap := readStore(t, w.Status().FullFilePath)
	assert.Equal(t, int64(8), int64At(t, snap, "frame", 0))
}

func TestWriter_ProducerCountNeverNegative(t *testing.T) {
	w := newTestWriter(t, Config{})

	require.NoError(t, w.ProcessMessage(startMsg(1)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	// Duplicate and unmatched stops
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	require.NoError(t, w.ProcessMessage(stopMsg(1)))

	assert.Equal(t, 0, w.Status().ActiveProducers)
}

func TestWriter_StoreCreatedOncePerRun(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1})

	require.NoError(t, w.ProcessMessage(startMsg(3)))
	// A second producer joins; its declared count is ignored
	require.NoError(t, w.ProcessMessage(startMsg(99)))
	assert.Equal(t, 2, w.Status().ActiveProducers)

	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	assert.True(t, w.Status().FileOpen, "store stays open until the last producer stops")
	require.NoError(t, w.ProcessMessage(stopMsg(1)))
	assert.False(t, w.Status().FileOpen)

	// Arrays were sized by the first declaration
	snap := readStore(t, w.Status().FullFilePath)
	frame, ok := snap.Array("frame")
	require.True(t, ok)
	assert.Equal(t, int64(3), frame.Len())
}

func TestWriter_OutOfRangeOffsetRejected(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1})

	require.NoError(t, w.ProcessMessage(startMsg(2)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	// Offset beyond the declared frame count is dropped, not fatal
	require.NoError(t, w.ProcessMessage(writeFrameMsg(5, 5)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))

	snap := readStore(t, w.Status().FullFilePath)
	assert.Equal(t, int64(0), int64At(t, snap, "frame", 0))
	assert.Equal(t, int64(-1), int64At(t, snap, "frame", 1))
}

func TestWriter_WriteWhileNotOpenIsDropped(t *testing.T) {
	w := newTestWriter(t, Config{})

	// Never started
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	assert.Equal(t, int64(0), w.Status().WriteCount)

	// Already finished
	require.NoError(t, w.ProcessMessage(startMsg(1)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	assert.True(t, w.Status().Finished)
}

func TestWriter_ReuseAfterClose(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1})

	require.NoError(t, w.ProcessMessage(startMsg(1)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	assert.True(t, w.Status().Finished)

	// The same writer accepts a fresh acquisition
	require.NoError(t, w.ProcessMessage(startMsg(2)))
	status := w.Status()
	assert.True(t, status.FileOpen)
	assert.False(t, status.Finished)

	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	require.NoError(t, w.ProcessMessage(writeFrameMsg(1, 1)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))

	snap := readStore(t, status.FullFilePath)
	frame, ok := snap.Array("frame")
	require.True(t, ok)
	assert.Equal(t, int64(2), frame.Len())
}

func TestWriter_UnknownMessageTypeIgnored(t *testing.T) {
	w := newTestWriter(t, Config{})

	require.NoError(t, w.ProcessMessage(startMsg(1)))
	require.NoError(t, w.ProcessMessage(msg("bogus", nil, nil)))
	assert.True(t, w.Status().FileOpen)
}

func TestWriter_DurationMarkers(t *testing.T) {
	w := newTestWriter(t, Config{})

	require.NoError(t, w.ProcessMessage(startMsg(1)))
	require.NoError(t, w.ProcessMessage(msg(message.TypeCreateFile, nil,
		message.Fields{message.FieldCreateDuration: float64(123)})))
	require.NoError(t, w.ProcessMessage(msg(message.TypeCreateFile, nil,
		message.Fields{message.FieldCreateDuration: float64(456)})))
	require.NoError(t, w.ProcessMessage(msg(message.TypeCloseFile, nil,
		message.Fields{message.FieldCloseDuration: float64(789)})))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))

	snap := readStore(t, w.Status().FullFilePath)
	create, ok := snap.Array("create_duration")
	require.True(t, ok)
	// Append mode: one entry per producer message, in arrival order
	require.Equal(t, int64(2), create.Len())
	assert.Equal(t, int64(123), create.Values[0].Int64())
	assert.Equal(t, int64(456), create.Values[1].Int64())
	assert.Equal(t, int64(789), int64At(t, snap, "close_duration", 0))
}

func TestWriter_SideChannelMerge(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1}, WithDetector(NewDummyDetector()))

	require.NoError(t, w.ProcessMessage(startMsg(3)))

	// Detector data for frame 5 arrives before its write frame message
	require.NoError(t, w.ProcessMessage(msg(TypeDummyFrame, nil, message.Fields{
		message.FieldFrame: float64(5),
		"temperature":      21.5,
	})))

	require.NoError(t, w.ProcessMessage(writeFrameMsg(5, 2)))
	snap := readStore(t, w.Status().FullFilePath)
	temp, ok := snap.Array("temperature")
	require.True(t, ok)
	assert.Equal(t, 21.5, temp.Values[2].Float64())
	assert.Equal(t, int64(5), int64At(t, snap, "frame", 2))

	// A frame with no side channel record writes only base fields
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	snap = readStore(t, w.Status().FullFilePath)
	assert.Equal(t, int64(0), int64At(t, snap, "frame", 0))
	assert.Equal(t, -1.0, temp.Values[0].Float64())
}

func TestWriter_SideChannelEvictionOnFlush(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1},
		WithDetector(NewDummyDetector()),
		WithSideChannelTTL(time.Nanosecond))

	require.NoError(t, w.ProcessMessage(startMsg(2)))
	w.StoreFrameData(9, message.Fields{"temperature": 1.0})
	time.Sleep(time.Millisecond)

	// The flush sweep drops the record whose offset never arrived
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	w.mu.Lock()
	assert.Equal(t, 0, w.sideChannel.Len())
	w.mu.Unlock()
}

func TestWriter_ConfigureAndStatus(t *testing.T) {
	w := newTestWriter(t, DefaultConfig(t.TempDir()))

	err := w.Configure(map[string]any{
		KeyFilePrefix:          "beamline",
		KeyFlushFrameFrequency: float64(10),
		"bogus_key":            1,
	})
	require.Error(t, err, "unknown key is reported")

	// Recognized keys in the same call still applied
	current := w.CurrentConfiguration()
	assert.Equal(t, "beamline", current[KeyFilePrefix])
	assert.Equal(t, int64(10), current[KeyFlushFrameFrequency])

	require.NoError(t, w.ProcessMessage(startMsg(1)))
	assert.Equal(t, filepath.Join(current[KeyDirectory].(string), "beamline_meta.dat"),
		w.Status().FullFilePath)
}

func TestWriter_NegativeFrameCountDropped(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1})

	require.NotPanics(t, func() {
		require.NoError(t, w.ProcessMessage(startMsg(-5)))
	})

	status := w.Status()
	assert.False(t, status.FileOpen, "malformed start must not open a store")
	assert.False(t, status.Finished)

	// A well formed start still opens a run afterwards
	require.NoError(t, w.ProcessMessage(startMsg(2)))
	assert.True(t, w.Status().FileOpen)
	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))

	// Both announced producers must stop before the store closes
	require.NoError(t, w.ProcessMessage(stopMsg(0)))
	require.NoError(t, w.ProcessMessage(stopMsg(1)))
	assert.True(t, w.Status().Finished)

	snap := readStore(t, w.Status().FullFilePath)
	assert.Equal(t, int64(0), int64At(t, snap, "frame", 0))
}

// spectrumDetector registers its dataset on first occurrence instead of
// declaring it up front.
type spectrumDetector struct{}

const typeSpectrumFrame message.Type = "spectrumframe"

func (spectrumDetector) Name() string                 { return "spectrum" }
func (spectrumDetector) Datasets() []*dataset.Dataset { return nil }
func (spectrumDetector) FrameParameters() []string    { return nil }

func (spectrumDetector) HandleMessage(m *message.Message, w *AcquisitionWriter) error {
	sum, err := m.Body.Fields.Int64("sum")
	if err != nil {
		return err
	}
	return w.AddDataset("spectrum_sum", []store.Value{store.Int64Value(sum)})
}

func TestWriter_DetectorAddsDatasetDynamically(t *testing.T) {
	w := newTestWriter(t, Config{FlushFrameFrequency: 1}, WithDetector(spectrumDetector{}))

	// Registration before a run is open is refused
	err := w.AddDataset("spectrum_sum", []store.Value{store.Int64Value(1)})
	require.Error(t, err)
	assert.ErrorIs(t, err, odinerrors.ErrStoreNotOpen)

	require.NoError(t, w.ProcessMessage(startMsg(2)))
	require.NoError(t, w.ProcessMessage(msg(typeSpectrumFrame, nil, message.Fields{
		"sum": float64(40),
	})))
	// Re-registering the same name is a no-op
	require.NoError(t, w.ProcessMessage(msg(typeSpectrumFrame, nil, message.Fields{
		"sum": float64(41),
	})))

	require.NoError(t, w.ProcessMessage(writeFrameMsg(0, 0)))
	require.NoError(t, w.ProcessMessage(stopMsg(0)))

	snap := readStore(t, w.Status().FullFilePath)
	assert.Equal(t, int64(40), int64At(t, snap, "spectrum_sum", 0))
}
