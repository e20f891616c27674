// Package eventbus is an in-memory bus whose partitions are chosen through a
// consistent hash ring, so that all events of one key are serialized.
package eventbus

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/srte/internal/log"
)

// EventBus publishes keyed events to topic handlers.
type EventBus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler) error
	Close() error
	GetStats() *Stats
}

// Stats is a snapshot of bus counters.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	FailedCount    int64
	PartitionCount int
	QueuedCount    []int
}

// InMemoryEventBus runs one goroutine per partition.
type InMemoryEventBus struct {
	partitions  []*partition
	byNode      map[string]int
	hashRing    *hashring.HashRing
	subscribers map[string]Handler
	logger      log.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	publishedCount atomic.Int64
	processedCount atomic.Int64
	failedCount    atomic.Int64
}

// NewInMemoryEventBus starts partitionCount consumers, each with a queue of
// queueSize events.
func NewInMemoryEventBus(partitionCount, queueSize int, logger log.Logger) *InMemoryEventBus {
	if partitionCount < 1 {
		partitionCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	b := &InMemoryEventBus{
		partitions:  make([]*partition, partitionCount),
		byNode:      make(map[string]int, partitionCount),
		subscribers: make(map[string]Handler),
		logger:      logger.WithField("component", "eventbus"),
	}

	nodes := make([]string, partitionCount)
	for i := range nodes {
		nodes[i] = "partition-" + strconv.Itoa(i)
		b.byNode[nodes[i]] = i
		b.partitions[i] = &partition{id: i, node: nodes[i], queue: make(chan *Event, queueSize)}
	}
	b.hashRing = hashring.New(nodes)

	b.wg.Add(partitionCount)
	for _, p := range b.partitions {
		go b.runPartition(p)
	}
	return b
}

// Publish queues event on its partition without blocking.
func (b *InMemoryEventBus) Publish(event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	p := b.partitions[b.partitionID(event.Key)]
	select {
	case p.queue <- event:
		b.publishedCount.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: partition %d", ErrQueueFull, p.id)
	}
}

// Subscribe sets the handler of topic, replacing any previous one.
func (b *InMemoryEventBus) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.subscribers[topic] = handler
	b.logger.WithField("topic", topic).Debug("subscribed")
	return nil
}

// Close stops accepting events and waits for queued ones to be handled.
func (b *InMemoryEventBus) Close() error {
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
	b.logger.Debug("event bus closed")
	return nil
}

// GetStats returns the counters and current queue depths.
func (b *InMemoryEventBus) GetStats() *Stats {
	stats := &Stats{
		PublishedCount: b.publishedCount.Load(),
		ProcessedCount: b.processedCount.Load(),
		FailedCount:    b.failedCount.Load(),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		stats.QueuedCount[i] = len(p.queue)
	}
	return stats
}

func (b *InMemoryEventBus) partitionID(key string) int {
	node, ok := b.hashRing.GetNode(key)
	if !ok {
		return 0
	}
	return b.byNode[node]
}

func (b *InMemoryEventBus) handler(topic string) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.subscribers[topic]
	return h, ok
}

func (b *InMemoryEventBus) runPartition(p *partition) {
	defer b.wg.Done()
	for event := range p.queue {
		h, ok := b.handler(event.Topic)
		if !ok {
			b.logger.WithField("topic", event.Topic).Debug("no handler for topic")
			continue
		}
		if err := h(event); err != nil {
			b.failedCount.Add(1)
			b.logger.WithError(err).WithField("partition", p.id).WithField("topic", event.Topic).Warn("event handler failed")
			continue
		}
		b.processedCount.Add(1)
	}
}
