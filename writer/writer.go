// Package writer implements the acquisition writer: the component that owns
// the persistent store handle, the acquisition lifecycle state machine, the
// per-dataset flush policy and the meta message dispatch table.
//
// A writer moves through three states. Idle: no store open, the expected
// frame count is unknown. Open: the first startacquisition message created
// the store and all registered datasets sized to the declared frame count.
// Closed: the last producer stopped, datasets were flushed and the store
// closed; the writer resets to Idle so a new acquisition can reuse it.
//
// Message processing is strictly one message at a time. Multiple producer
// processes are a logical concern tracked by a counter, not concurrent
// execution inside the writer.
package writer

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/dls-controls/odin-data/dataset"
	"github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/message"
	"github.com/dls-controls/odin-data/metric"
	"github.com/dls-controls/odin-data/store"
)

// FileSuffix is appended to the configured prefix or writer name to form
// the meta file name.
const FileSuffix = "_meta.dat"

// Status is a point-in-time snapshot of a writer, readable at any time.
type Status struct {
	Name            string `json:"name"`
	FullFilePath    string `json:"full_file_path"`
	FileOpen        bool   `json:"file_open"`
	ActiveProducers int    `json:"active_producers"`
	WriteCount      int64  `json:"write_count"`
	Finished        bool   `json:"finished"`
}

// AcquisitionWriter handles meta messages for one acquisition stream and
// writes their parameters to a persistent array store.
type AcquisitionWriter struct {
	mu       sync.Mutex
	name     string
	logger   *slog.Logger
	metrics  *metric.Metrics
	detector Detector
	config   Config

	fullFilePath    string
	expectedFrames  int64 // -1 until the first startacquisition
	activeProducers int
	writeCount      int64
	lastFlushed     time.Time
	finished        bool

	store       store.Store
	registry    *dataset.Registry
	sideChannel *SideChannelBuffer
}

// Option configures an AcquisitionWriter at construction.
type Option func(*AcquisitionWriter)

// WithDetector injects a detector capability.
func WithDetector(d Detector) Option {
	return func(w *AcquisitionWriter) { w.detector = d }
}

// WithLogger sets the writer's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *AcquisitionWriter) { w.logger = logger }
}

// WithMetrics enables metric recording.
func WithMetrics(m *metric.Metrics) Option {
	return func(w *AcquisitionWriter) { w.metrics = m }
}

// WithSideChannelTTL overrides the side channel eviction age.
func WithSideChannelTTL(ttl time.Duration) Option {
	return func(w *AcquisitionWriter) { w.sideChannel = NewSideChannelBuffer(ttl) }
}

// New creates an idle writer. The name keys log messages and forms the file
// name when no prefix is configured.
func New(name string, cfg Config, opts ...Option) *AcquisitionWriter {
	w := &AcquisitionWriter{
		name:           name,
		config:         cfg,
		expectedFrames: -1,
		lastFlushed:    time.Now(),
		sideChannel:    NewSideChannelBuffer(0),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.logger = w.logger.With("writer", name)
	return w
}

// Name returns the writer's unique name.
func (w *AcquisitionWriter) Name() string {
	return w.name
}

// baseDatasets returns fresh instances of the standard datasets for one
// acquisition. The duration markers emitted once per producer are
// append-mode; everything else is offset-addressed and cached.
func (w *AcquisitionWriter) baseDatasets() []*dataset.Dataset {
	logOpt := dataset.WithLogger(w.logger)
	return []*dataset.Dataset{
		dataset.Int64(message.FieldFrame, logOpt),
		dataset.Int64(message.FieldOffset, logOpt),
		dataset.Int64(message.FieldCreateDuration, dataset.WithoutCache(), logOpt),
		dataset.Int64(message.FieldWriteDuration, logOpt),
		dataset.Int64(message.FieldFlushDuration, logOpt),
		dataset.Int64(message.FieldCloseDuration, dataset.WithoutCache(), logOpt),
	}
}

// ProcessMessage routes one decoded meta message to its handler. Protocol,
// bounds and lifecycle errors are logged and absorbed; only store failures
// return an error, since a broken store invalidates the acquisition.
func (w *AcquisitionWriter) ProcessMessage(msg *message.Message) error {
	typ := msg.Header.Type
	if w.metrics != nil {
		w.metrics.RecordMessageReceived(w.name, string(typ))
	}

	var err error
	switch typ {
	case message.TypeStartAcquisition:
		err = w.handleStartAcquisition(msg.Header.Fields)
	case message.TypeCreateFile:
		w.handleCreateFile(msg.Body.Fields)
	case message.TypeWriteFrame:
		err = w.handleWriteFrame(msg.Body.Fields)
	case message.TypeCloseFile:
		w.handleCloseFile(msg.Body.Fields)
	case message.TypeStopAcquisition:
		err = w.handleStopAcquisition(msg.Header.Fields)
	default:
		if handler, ok := w.detector.(MessageHandler); ok {
			err = handler.HandleMessage(msg, w)
		} else {
			w.logger.Error("Unknown message type", "type", typ, "message_id", msg.ID)
			if w.metrics != nil {
				w.metrics.RecordError(w.name, "unknown_message_type")
			}
		}
	}

	if w.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		w.metrics.RecordMessageProcessed(w.name, string(typ), status)
	}
	return err
}

// handleStartAcquisition registers a producer and, on the first message of a
// run, creates the store and every registered dataset sized to the declared
// frame count. Later producers only bump the counter; their declared counts
// are ignored.
func (w *AcquisitionWriter) handleStartAcquisition(header message.Fields) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Handling start acquisition message")

	w.activeProducers++
	if w.metrics != nil {
		w.metrics.RecordActiveProducers(w.name, w.activeProducers)
	}

	if w.expectedFrames != -1 {
		return nil
	}

	total, err := header.Int64(message.FieldTotalFrames)
	if err != nil {
		w.logger.Error("Start acquisition missing frame count", "error", err)
		return nil
	}
	if total < 0 {
		w.logger.Error("Start acquisition with negative frame count", "total_frames", total)
		if w.metrics != nil {
			w.metrics.RecordError(w.name, "negative_frame_count")
		}
		return nil
	}

	w.expectedFrames = total
	w.fullFilePath = w.generateFullFilePath()
	if err := w.createStore(); err != nil {
		w.expectedFrames = -1
		return err
	}
	w.finished = false
	w.writeCount = 0
	w.lastFlushed = time.Now()
	w.logger.Info("Opened store", "path", w.fullFilePath, "expected_frames", total)
	return nil
}

func (w *AcquisitionWriter) generateFullFilePath() string {
	prefix := w.config.FilePrefix
	if prefix == "" {
		prefix = w.name
	}
	return filepath.Join(w.config.Directory, prefix+FileSuffix)
}

func (w *AcquisitionWriter) createStore() error {
	datasets := w.baseDatasets()
	if w.detector != nil {
		datasets = append(datasets, w.detector.Datasets()...)
	}

	registry, err := dataset.NewRegistry(w.logger, datasets...)
	if err != nil {
		return errors.WrapFatal(err, "AcquisitionWriter", "createStore", "build registry")
	}

	s, err := store.Create(w.fullFilePath, store.WithLogger(w.logger))
	if err != nil {
		return errors.WrapFatal(err, "AcquisitionWriter", "createStore", "create store")
	}
	if err := registry.CreateAll(s, w.expectedFrames); err != nil {
		s.Close()
		return errors.WrapFatal(err, "AcquisitionWriter", "createStore", "create datasets")
	}

	w.store = s
	w.registry = registry
	return nil
}

// storeOpen verifies the store is open, logging the reason when it is not.
func (w *AcquisitionWriter) storeOpen() bool {
	if w.store == nil {
		reason := "Have not received startacquisition yet"
		if w.finished {
			reason = "Already finished writing"
		}
		w.logger.Info("Store not open", "reason", reason)
		return false
	}
	return true
}

// handleCreateFile records a per-producer file creation duration marker.
func (w *AcquisitionWriter) handleCreateFile(data message.Fields) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Handling create file message")
	w.recordDuration(message.FieldCreateDuration, data)
}

// handleCloseFile records a per-producer completion marker, independent of
// store lifecycle.
func (w *AcquisitionWriter) handleCloseFile(data message.Fields) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Handling close file message")
	w.recordDuration(message.FieldCloseDuration, data)
}

func (w *AcquisitionWriter) recordDuration(parameter string, data message.Fields) {
	if !w.storeOpen() {
		return
	}
	value, ok := data[parameter]
	if !ok {
		w.logger.Error("Expected parameter not found in data", "parameter", parameter)
		return
	}
	if err := w.registry.WriteValue(parameter, value, 0); err != nil {
		w.logger.Error("Failed to record duration", "parameter", parameter, "error", err)
	}
}

// handleWriteFrame writes the base per-frame parameters at the offset named
// in the body, merges any buffered detector record for the frame, and
// evaluates the flush policy.
func (w *AcquisitionWriter) handleWriteFrame(data message.Fields) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Handling write frame message")

	if !w.storeOpen() {
		return nil
	}

	offset, err := data.Int64(message.FieldOffset)
	if err != nil {
		w.logger.Error("Write frame missing offset", "error", err)
		if w.metrics != nil {
			w.metrics.RecordError(w.name, "missing_offset")
		}
		return nil
	}

	parameters := []string{
		message.FieldFrame,
		message.FieldOffset,
		message.FieldWriteDuration,
		message.FieldFlushDuration,
	}
	w.registry.WriteValues(parameters, data, offset)

	w.writeCount++
	if w.metrics != nil {
		w.metrics.RecordWrite(w.name)
	}

	// Merge detector data for this frame, now that we know the offset
	if frame, err := data.Int64(message.FieldFrame); err == nil {
		w.writeDetectorFrameData(frame, offset)
	} else {
		w.logger.Error("Write frame missing frame number", "error", err)
	}

	flush := false
	if w.config.FlushTimeout > 0 && time.Since(w.lastFlushed) >= w.config.FlushTimeout {
		flush = true
	}
	if w.config.FlushFrameFrequency > 0 && w.writeCount%w.config.FlushFrameFrequency == 0 {
		flush = true
	}
	if flush {
		if err := w.flushDatasets(); err != nil {
			return err
		}
		w.lastFlushed = time.Now()
	}
	return nil
}

// writeDetectorFrameData merges the buffered side channel record for a frame
// into the detector datasets at the now-known offset. A frame with no record
// is reported and skipped; some frames legitimately lack detector metadata.
func (w *AcquisitionWriter) writeDetectorFrameData(frame, offset int64) {
	if w.detector == nil {
		return
	}
	parameters := w.detector.FrameParameters()
	if len(parameters) == 0 {
		return
	}

	fields, ok := w.sideChannel.Take(frame)
	if !ok {
		w.logger.Error("No detector meta data stored for frame", "frame", frame)
		return
	}

	w.logger.Debug("Writing detector data", "frame", frame, "offset", offset)
	w.registry.WriteValues(parameters, fields, offset)
}

// flushDatasets publishes every dataset cache to the store and evicts stale
// side channel records. Callers hold w.mu.
func (w *AcquisitionWriter) flushDatasets() error {
	w.logger.Debug("Flushing datasets")
	start := time.Now()
	err := w.registry.FlushAll()
	if w.metrics != nil {
		w.metrics.RecordFlush(w.name, time.Since(start))
	}

	for _, frame := range w.sideChannel.Sweep(time.Now()) {
		w.logger.Warn("Evicted stale side channel record", "frame", frame)
		if w.metrics != nil {
			w.metrics.RecordSideChannelEviction(w.name)
		}
	}

	if err != nil {
		return errors.WrapFatal(err, "AcquisitionWriter", "flushDatasets", "flush datasets")
	}
	return nil
}

// handleStopAcquisition deregisters a producer. When the last one stops the
// datasets are flushed, the store closed and the writer reset to idle.
func (w *AcquisitionWriter) handleStopAcquisition(header message.Fields) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Handling stop acquisition message")

	if w.activeProducers > 0 {
		w.activeProducers--
	}
	if w.metrics != nil {
		w.metrics.RecordActiveProducers(w.name, w.activeProducers)
	}

	if rank, err := header.Int64(message.FieldRank); err == nil {
		w.logger.Debug("Producer stopped", "rank", rank)
	}

	if w.activeProducers == 0 {
		w.logger.Info("Last producer stopped")
		return w.stopLocked()
	}
	return nil
}

// Stop forces a flush and close of whatever state exists, regardless of the
// active producer count. It is the only externally triggered abort path.
func (w *AcquisitionWriter) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopLocked()
}

func (w *AcquisitionWriter) stopLocked() error {
	var err error
	if w.store != nil {
		w.logger.Info("Closing store", "path", w.fullFilePath)
		flushErr := w.flushDatasets()
		closeErr := w.store.Close()
		w.store = nil
		w.registry = nil
		if flushErr != nil {
			err = flushErr
		} else if closeErr != nil {
			err = errors.WrapFatal(closeErr, "AcquisitionWriter", "stop", "close store")
		}
	}

	w.finished = true
	w.expectedFrames = -1
	w.logger.Info("Finished")
	return err
}

// StoreFrameData buffers a detector record for a frame whose storage offset
// is not yet known. Detector message handlers call this before the frame's
// write frame message arrives.
func (w *AcquisitionWriter) StoreFrameData(frame int64, fields message.Fields) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sideChannel.Put(frame, fields)
}

// AddDataset registers a cache-disabled dataset seeded with the given
// values, for detector data whose shape and type are unknown until first
// occurrence. Adding a name that already exists is a no-op. The store must
// be open.
func (w *AcquisitionWriter) AddDataset(name string, values []store.Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.storeOpen() {
		return errors.WrapInvalid(errors.ErrStoreNotOpen, "AcquisitionWriter", "AddDataset",
			"register dataset "+name)
	}
	return w.registry.AddDynamic(name, values, w.expectedFrames)
}

// Configure applies runtime settings. Unknown keys produce per-key errors
// while recognized keys still apply.
func (w *AcquisitionWriter) Configure(settings map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logger.Debug("Applying configuration", "settings", settings)
	return w.config.Configure(settings)
}

// CurrentConfiguration returns the current value of every recognized
// configuration key.
func (w *AcquisitionWriter) CurrentConfiguration() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.config.Current()
}

// Status returns a snapshot of the writer's externally visible state.
func (w *AcquisitionWriter) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Name:            w.name,
		FullFilePath:    w.fullFilePath,
		FileOpen:        w.store != nil,
		ActiveProducers: w.activeProducers,
		WriteCount:      w.writeCount,
		Finished:        w.finished,
	}
}
