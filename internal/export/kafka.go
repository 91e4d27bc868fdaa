// Package export publishes radio events to Kafka.
// Records are JSON, keyed by session so one session's events stay ordered on
// one partition. Publishing never blocks the caller; a full queue drops.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/cv2x/internal/config"
	"firestige.xyz/cv2x/internal/core"
	"firestige.xyz/cv2x/internal/metadata"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	defaultQueueSize    = 1024
	writeTimeout        = 5 * time.Second
)

// messageWriter is the part of *kafka.Writer the exporter uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats reports exporter counters.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Dropped uint64
}

// Exporter batches events to a Kafka topic.
type Exporter struct {
	w         messageWriter
	queue     chan kafka.Message
	batchSize int

	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	closed atomic.Bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// New creates an exporter writing to cfg.Topic on cfg.Brokers.
func New(cfg config.KafkaConfig) (*Exporter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka exporter requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka exporter requires a topic")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  cfg.MaxAttempts,
	}
	switch cfg.Compression {
	case "none", "":
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	e := newExporter(kafka.NewWriter(writerConfig), cfg.BatchSize, cfg.QueueSize)
	slog.Info("kafka exporter started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return e, nil
}

func newExporter(w messageWriter, batchSize, queueSize int) *Exporter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	e := &Exporter{
		w:         w,
		queue:     make(chan kafka.Message, queueSize),
		batchSize: batchSize,
		stop:      make(chan struct{}),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Publish queues ev. It returns false when the event was dropped.
func (e *Exporter) Publish(ev Event) bool {
	if e.closed.Load() {
		e.dropped.Add(1)
		return false
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		e.failed.Add(1)
		slog.Warn("export event encode failed", "type", ev.Type, "error", err)
		return false
	}
	msg := kafka.Message{
		Key:     []byte(ev.Session),
		Value:   value,
		Time:    ev.Time,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Type)}},
	}
	select {
	case e.queue <- msg:
		return true
	default:
		e.dropped.Add(1)
		return false
	}
}

func (e *Exporter) run() {
	defer e.wg.Done()
	for {
		select {
		case msg := <-e.queue:
			e.write(e.drain(msg))
		case <-e.stop:
			for {
				select {
				case msg := <-e.queue:
					e.write(e.drain(msg))
				default:
					return
				}
			}
		}
	}
}

// drain collects whatever is already queued behind first, up to one batch.
func (e *Exporter) drain(first kafka.Message) []kafka.Message {
	batch := []kafka.Message{first}
	for len(batch) < e.batchSize {
		select {
		case msg := <-e.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (e *Exporter) write(batch []kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.w.WriteMessages(ctx, batch...); err != nil {
		e.failed.Add(uint64(len(batch)))
		slog.Warn("kafka write failed", "messages", len(batch), "error", err)
		return
	}
	e.sent.Add(uint64(len(batch)))
}

// Stats returns a snapshot of the counters.
func (e *Exporter) Stats() Stats {
	return Stats{Sent: e.sent.Load(), Failed: e.failed.Load(), Dropped: e.dropped.Load()}
}

// Close flushes queued events and closes the writer.
func (e *Exporter) Close() error {
	var err error
	e.once.Do(func() {
		e.closed.Store(true)
		close(e.stop)
		e.wg.Wait()
		if err = e.w.Close(); err != nil {
			slog.Error("error closing kafka writer", "error", err)
		}
		st := e.Stats()
		slog.Info("kafka exporter stopped",
			"total_sent", st.Sent, "total_failed", st.Failed, "total_dropped", st.Dropped)
	})
	return err
}

// SessionListener exports the status changes of one session.
type SessionListener struct {
	e       *Exporter
	session string
}

// ForSession returns a status listener tagging events with session.
func (e *Exporter) ForSession(session string) *SessionListener {
	return &SessionListener{e: e, session: session}
}

func (l *SessionListener) OnStatusChanged(s core.RadioStatus) {
	l.e.Publish(StatusEvent(l.session, s))
}

// OnFilterRateAdjustment exports a throttle adjustment.
func (e *Exporter) OnFilterRateAdjustment(delta int) {
	e.Publish(Event{Type: TypeAdjustment, Session: throttleSession, Delta: &delta})
}

// OnServiceStatusChange exports a throttle service transition.
func (e *Exporter) OnServiceStatusChange(s core.ServiceStatus) {
	e.Publish(Event{Type: TypeThrottleStatus, Session: throttleSession, Service: s.String()})
}

// Packet exports the metadata outcome of one received datagram.
func (e *Exporter) Packet(session string, subscriptionID uint32, status metadata.Status,
	reports []metadata.Report, payloadBytes int) {
	e.Publish(PacketEvent(session, subscriptionID, status, reports, payloadBytes))
}
