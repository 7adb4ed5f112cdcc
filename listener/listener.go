// Package listener implements the meta listener: one process serving many
// acquisitions. Inbound meta messages carry an acquisition ID in their
// header; the listener creates an acquisition writer per ID on demand and
// routes every message through a single dispatcher goroutine, so each
// writer sees strictly serialized message handling.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dls-controls/odin-data/errors"
	"github.com/dls-controls/odin-data/message"
	"github.com/dls-controls/odin-data/metric"
	"github.com/dls-controls/odin-data/natsclient"
	"github.com/dls-controls/odin-data/writer"
)

// MetaHeaderKey is the NATS header key carrying the meta header part of a
// message. The message body travels as the NATS payload.
const MetaHeaderKey = "Odin-Meta-Header"

// Defaults.
const (
	DefaultSubject   = "odin.meta"
	DefaultQueueSize = 1024
	DefaultLinger    = 5 * time.Minute
)

// Status is a snapshot of the listener and every writer it manages.
type Status struct {
	Subject string          `json:"subject"`
	Running bool            `json:"running"`
	Writers []writer.Status `json:"writers"`
}

// MetaListener subscribes to the meta subject and manages one acquisition
// writer per acquisition ID.
type MetaListener struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	client  *natsclient.Client

	subject    string
	queueGroup string
	queueSize  int
	linger     time.Duration

	writerConfig    writer.Config
	sideChannelTTL  time.Duration
	detectorFactory func() writer.Detector

	writers    map[string]*writer.AcquisitionWriter
	finishedAt map[string]time.Time

	queue    chan *message.Message
	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	mu       sync.Mutex
}

// Option configures a MetaListener at construction.
type Option func(*MetaListener)

// WithSubject sets the NATS subject to subscribe to.
func WithSubject(subject string) Option {
	return func(l *MetaListener) { l.subject = subject }
}

// WithQueueGroup subscribes as a queue group member, for running several
// listener processes against one subject.
func WithQueueGroup(group string) Option {
	return func(l *MetaListener) { l.queueGroup = group }
}

// WithQueueSize sets the dispatch queue depth.
func WithQueueSize(n int) Option {
	return func(l *MetaListener) { l.queueSize = n }
}

// WithLinger sets how long finished writers are kept before pruning.
func WithLinger(d time.Duration) Option {
	return func(l *MetaListener) { l.linger = d }
}

// WithWriterConfig sets the configuration applied to each new writer.
func WithWriterConfig(cfg writer.Config) Option {
	return func(l *MetaListener) { l.writerConfig = cfg }
}

// WithSideChannelTTL sets the side channel retention for each new writer.
func WithSideChannelTTL(ttl time.Duration) Option {
	return func(l *MetaListener) { l.sideChannelTTL = ttl }
}

// WithDetectorFactory injects a detector into each new writer.
func WithDetectorFactory(fn func() writer.Detector) Option {
	return func(l *MetaListener) { l.detectorFactory = fn }
}

// WithLogger sets the listener's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *MetaListener) { l.logger = logger }
}

// WithMetrics enables metric recording for the listener and its writers.
func WithMetrics(m *metric.Metrics) Option {
	return func(l *MetaListener) { l.metrics = m }
}

// New creates a listener using the given NATS client for transport.
func New(client *natsclient.Client, opts ...Option) *MetaListener {
	l := &MetaListener{
		client:     client,
		subject:    DefaultSubject,
		queueSize:  DefaultQueueSize,
		linger:     DefaultLinger,
		writers:    make(map[string]*writer.AcquisitionWriter),
		finishedAt: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	l.logger = l.logger.With("component", "metalistener")
	return l
}

// Initialize validates the listener configuration.
func (l *MetaListener) Initialize() error {
	if l.client == nil {
		return errors.WrapInvalid(fmt.Errorf("nil NATS client"),
			"MetaListener", "Initialize", "client validation")
	}
	if l.subject == "" {
		return errors.WrapInvalid(fmt.Errorf("empty subject"),
			"MetaListener", "Initialize", "subject validation")
	}
	if l.queueSize <= 0 {
		return errors.WrapInvalid(fmt.Errorf("queue size %d", l.queueSize),
			"MetaListener", "Initialize", "queue validation")
	}
	return nil
}

// Start subscribes to the meta subject and starts the dispatcher goroutine.
func (l *MetaListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return nil // Already running, idempotent
	}

	l.queue = make(chan *message.Message, l.queueSize)
	l.shutdown = make(chan struct{})
	l.done = make(chan struct{})

	var err error
	if l.queueGroup != "" {
		err = l.client.QueueSubscribe(l.subject, l.queueGroup, l.onNATSMessage)
	} else {
		err = l.client.Subscribe(l.subject, l.onNATSMessage)
	}
	if err != nil {
		return errors.WrapTransient(err, "MetaListener", "Start", "subscribe")
	}

	l.running.Store(true)
	go func() {
		defer close(l.done)
		l.dispatchLoop(ctx)
	}()

	l.logger.Info("Listening for meta messages", "subject", l.subject)
	return nil
}

// onNATSMessage decodes a transport message and enqueues it for dispatch.
// Undecodable messages and queue overflow are reported and dropped; the
// subscription callback never blocks.
func (l *MetaListener) onNATSMessage(natsMsg *nats.Msg) {
	headerPart := []byte(natsMsg.Header.Get(MetaHeaderKey))
	msg, err := message.Decode(headerPart, natsMsg.Data)
	if err != nil {
		l.logger.Error("Dropping undecodable message", "subject", natsMsg.Subject, "error", err)
		if l.metrics != nil {
			l.metrics.RecordError("", "decode")
		}
		return
	}

	select {
	case l.queue <- msg:
	default:
		l.logger.Error("Dispatch queue full, dropping message",
			"type", msg.Header.Type, "message_id", msg.ID)
		if l.metrics != nil {
			l.metrics.RecordError("", "queue_full")
		}
	}
}

func (l *MetaListener) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.shutdown:
			return
		case msg := <-l.queue:
			l.dispatch(msg)
		}
	}
}

// dispatch routes one message to its acquisition's writer, creating the
// writer on first sight of the ID.
func (l *MetaListener) dispatch(msg *message.Message) {
	acqID := msg.Header.AcquisitionID()
	if acqID == "" {
		l.logger.Error("Message has no acquisition ID",
			"type", msg.Header.Type, "message_id", msg.ID)
		if l.metrics != nil {
			l.metrics.RecordError("", "missing_acquisition_id")
		}
		return
	}

	w := l.writerFor(acqID)
	if err := w.ProcessMessage(msg); err != nil {
		// Store failures invalidate the acquisition but not the listener
		l.logger.Error("Writer failed", "acquisition", acqID, "error", err)
	}

	if w.Status().Finished {
		l.markFinished(acqID)
	}
	l.prune()
}

func (l *MetaListener) writerFor(acqID string) *writer.AcquisitionWriter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if w, ok := l.writers[acqID]; ok {
		return w
	}

	l.logger.Info("Creating writer", "acquisition", acqID)
	opts := []writer.Option{writer.WithLogger(l.logger)}
	if l.metrics != nil {
		opts = append(opts, writer.WithMetrics(l.metrics))
	}
	if l.detectorFactory != nil {
		opts = append(opts, writer.WithDetector(l.detectorFactory()))
	}
	if l.sideChannelTTL > 0 {
		opts = append(opts, writer.WithSideChannelTTL(l.sideChannelTTL))
	}

	w := writer.New(acqID, l.writerConfig, opts...)
	l.writers[acqID] = w
	delete(l.finishedAt, acqID)
	if l.metrics != nil {
		l.metrics.RecordWritersActive(len(l.writers))
	}
	return w
}

func (l *MetaListener) markFinished(acqID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.finishedAt[acqID]; !ok {
		l.finishedAt[acqID] = time.Now()
	}
}

// prune removes writers that finished longer than the linger period ago. A
// finished writer is kept around so late status reads and a reopening
// startacquisition still find it.
func (l *MetaListener) prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for acqID, finished := range l.finishedAt {
		if now.Sub(finished) < l.linger {
			continue
		}
		if w, ok := l.writers[acqID]; ok && !w.Status().Finished {
			// Reopened since it was marked
			delete(l.finishedAt, acqID)
			continue
		}
		l.logger.Info("Pruning finished writer", "acquisition", acqID)
		delete(l.writers, acqID)
		delete(l.finishedAt, acqID)
	}
	if l.metrics != nil {
		l.metrics.RecordWritersActive(len(l.writers))
	}
}

// Configure buffers writer settings. They apply to every existing writer and
// to writers created later, so clients need not order configuration against
// acquisition creation.
func (l *MetaListener) Configure(settings map[string]any) error {
	l.mu.Lock()
	writers := make([]*writer.AcquisitionWriter, 0, len(l.writers))
	for _, w := range l.writers {
		writers = append(writers, w)
	}
	err := l.writerConfig.Configure(settings)
	l.mu.Unlock()

	for _, w := range writers {
		if werr := w.Configure(settings); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// Status returns a snapshot of the listener and all managed writers.
func (l *MetaListener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	status := Status{
		Subject: l.subject,
		Running: l.running.Load(),
		Writers: make([]writer.Status, 0, len(l.writers)),
	}
	for _, w := range l.writers {
		status.Writers = append(status.Writers, w.Status())
	}
	return status
}

// StopAcquisition force-closes one acquisition's writer.
func (l *MetaListener) StopAcquisition(acqID string) error {
	l.mu.Lock()
	w, ok := l.writers[acqID]
	l.mu.Unlock()

	if !ok {
		return errors.WrapInvalid(fmt.Errorf("no writer for acquisition %s", acqID),
			"MetaListener", "StopAcquisition", "lookup writer")
	}
	err := w.Stop()
	l.markFinished(acqID)
	return err
}

// StopAll force-closes every writer. The first error is returned; all
// writers are still stopped.
func (l *MetaListener) StopAll() error {
	l.mu.Lock()
	writers := make(map[string]*writer.AcquisitionWriter, len(l.writers))
	for acqID, w := range l.writers {
		writers[acqID] = w
	}
	l.mu.Unlock()

	var firstErr error
	for acqID, w := range writers {
		if err := w.Stop(); err != nil {
			l.logger.Error("Writer stop failed", "acquisition", acqID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		l.markFinished(acqID)
	}
	return firstErr
}

// Stop shuts down the dispatcher and force-closes every writer.
func (l *MetaListener) Stop(timeout time.Duration) error {
	if !l.running.Load() {
		return nil
	}
	l.running.Store(false)

	l.mu.Lock()
	if l.shutdown != nil {
		select {
		case <-l.shutdown:
		default:
			close(l.shutdown)
		}
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"MetaListener", "Stop", "graceful shutdown")
	}

	return l.StopAll()
}
