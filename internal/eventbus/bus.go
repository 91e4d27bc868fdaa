// Package eventbus implements the bounded, key-partitioned dispatcher that
// runs transport notifications and listener callbacks.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/cv2x/internal/metrics"
)

var (
	ErrClosed    = errors.New("cv2x: dispatcher closed")
	ErrQueueFull = errors.New("cv2x: dispatch queue full")
)

// Dispatcher accepts events and runs them on a bounded pool of workers.
type Dispatcher interface {
	Publish(event *Event) error
	PublishWait(ctx context.Context, event *Event) error
	Close() error
	GetStats() *Stats
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	DroppedCount   int64
	PartitionCount int
	QueuedCount    []int
}

// InMemoryBus routes each event to one partition chosen by consistent hashing
// of its key, so events sharing a key never reorder.
type InMemoryBus struct {
	partitions     []*partition
	partitionNodes []string
	hashRing       *hashring.HashRing

	mu     sync.RWMutex // held for reading while enqueueing, for writing on Close
	closed bool
	wg     sync.WaitGroup

	publishedCount int64
	processedCount int64
	droppedCount   int64
}

// NewInMemoryBus starts partitionCount workers, each with a queue of
// queueSize events. Both values are raised to 1 when smaller.
func NewInMemoryBus(partitionCount, queueSize int) *InMemoryBus {
	partitionCount = max(partitionCount, 1)
	queueSize = max(queueSize, 1)

	b := &InMemoryBus{
		partitions:     make([]*partition, partitionCount),
		partitionNodes: make([]string, partitionCount),
	}
	for i := 0; i < partitionCount; i++ {
		b.partitionNodes[i] = "partition-" + strconv.Itoa(i)
	}
	b.hashRing = hashring.New(b.partitionNodes)

	for i := 0; i < partitionCount; i++ {
		p := &partition{id: i, queue: make(chan *Event, queueSize)}
		b.partitions[i] = p
		b.wg.Add(1)
		go b.runPartition(p)
	}
	return b
}

// Publish enqueues event without blocking.
func (b *InMemoryBus) Publish(event *Event) error {
	if event == nil || event.Run == nil {
		return fmt.Errorf("cv2x: nil event")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	p := b.partitions[b.getPartitionID(event.Key)]
	select {
	case p.queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		atomic.AddInt64(&b.droppedCount, 1)
		metrics.DispatchDroppedTotal.WithLabelValues(event.Topic).Inc()
		return fmt.Errorf("%w: partition %d", ErrQueueFull, p.id)
	}
}

// PublishWait enqueues event, waiting for room in its partition until ctx is
// done. A full partition then fails with ErrQueueFull.
func (b *InMemoryBus) PublishWait(ctx context.Context, event *Event) error {
	if event == nil || event.Run == nil {
		return fmt.Errorf("cv2x: nil event")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	p := b.partitions[b.getPartitionID(event.Key)]
	select {
	case p.queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	case <-ctx.Done():
		atomic.AddInt64(&b.droppedCount, 1)
		metrics.DispatchDroppedTotal.WithLabelValues(event.Topic).Inc()
		return fmt.Errorf("%w: partition %d: %v", ErrQueueFull, p.id, ctx.Err())
	}
}

// Close stops accepting events and waits until queued events have run.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, p := range b.partitions {
		close(p.queue)
	}
	b.mu.Unlock()

	b.wg.Wait()
	slog.Debug("dispatcher closed", "processed", atomic.LoadInt64(&b.processedCount))
	return nil
}

// GetStats returns current counters.
func (b *InMemoryBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		DroppedCount:   atomic.LoadInt64(&b.droppedCount),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryBus) getPartitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.partitionNodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryBus) runPartition(p *partition) {
	defer b.wg.Done()
	for event := range p.queue {
		b.run(p.id, event)
	}
}

// run executes one event; a panicking callback does not take the worker down.
func (b *InMemoryBus) run(id int, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch callback panicked",
				"partition", id, "topic", event.Topic, "key", event.Key, "panic", r)
		}
		atomic.AddInt64(&b.processedCount, 1)
	}()
	event.Run()
}
