package actions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/feedstack/recommender/pkg/kafka"
)

// Collector accumulates action records in memory and flushes them in bulk:
// each batch is appended to the Store and, when a producer is configured,
// published to the user-actions topic for downstream training consumers.
// Callers never see flush failures; a bounded re-queue keeps at most three
// batches of backlog before dropping the oldest records.
type Collector struct {
	store         Store
	producer      *kafka.Producer
	mu            sync.Mutex
	buffer        []UserActionRecord
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	done          chan struct{}
}

// NewCollector creates a Collector that flushes when the buffer reaches
// batchSize records or after flushInterval, whichever comes first. producer
// may be nil, in which case records are only persisted to the store.
func NewCollector(store Store, producer *kafka.Producer, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		store:         store,
		producer:      producer,
		buffer:        make([]UserActionRecord, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        slog.Default().With("component", "action-collector"),
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which runs until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.flush(ctx)
			case <-ctx.Done():
				// Final flush with a short deadline.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				c.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	c.logger.Info("action collector started",
		"batch_size", c.batchSize,
		"flush_interval", c.flushInterval,
	)
}

// Record adds records to the buffer. If the buffer reaches batchSize,
// an immediate flush is triggered.
func (c *Collector) Record(records ...UserActionRecord) {
	if len(records) == 0 {
		return
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, records...)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		go c.flush(context.Background())
	}
}

// Close waits for the background flush loop to finish.
func (c *Collector) Close() {
	<-c.done
}

// BufferLen returns the current number of buffered records.
func (c *Collector) BufferLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]UserActionRecord, 0, c.batchSize)
	c.mu.Unlock()

	if err := c.store.LogActions(ctx, batch); err != nil {
		c.logger.Error("batch flush failed",
			"batch_size", len(batch),
			"error", err,
		)
		// Re-queue failed records (best-effort, may drop on repeated failure).
		c.mu.Lock()
		c.buffer = append(batch, c.buffer...)
		if len(c.buffer) > c.batchSize*3 {
			dropped := len(c.buffer) - c.batchSize*3
			c.buffer = c.buffer[:c.batchSize*3]
			c.logger.Warn("buffer overflow, records dropped", "dropped", dropped)
		}
		c.mu.Unlock()
		return
	}

	if c.producer != nil {
		events := make([]kafka.Event, 0, len(batch))
		for _, r := range batch {
			events = append(events, kafka.Event{Key: r.UserID, Value: r})
		}
		if err := c.producer.PublishBatch(ctx, events); err != nil {
			// The store write already succeeded; the stream is lossy.
			c.logger.Error("publishing action batch failed",
				"batch_size", len(events),
				"error", err,
			)
		}
	}
	c.logger.Debug("batch flushed", "batch_size", len(batch))
}
