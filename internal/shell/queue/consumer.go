package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// ConsumerConfig configures a polling consumer.
type ConsumerConfig struct {
	// Interval between polls.
	Interval time.Duration

	// Name identifies the consumer in logs.
	Name string
}

// DefaultConsumerConfig returns default configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Interval: time.Second,
		Name:     "consumer-0",
	}
}

// Consumer polls a Source on a fixed interval and dispatches at most one id at
// a time. While a dispatch is running, ticks do not dequeue.
type Consumer struct {
	source  Source
	process ProcessFunc
	config  ConsumerConfig
	logger  *slog.Logger

	busy     atomic.Bool
	inflight sync.WaitGroup

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewConsumer creates a consumer for source that hands ids to process.
func NewConsumer(source Source, process ProcessFunc, config ConsumerConfig, logger *slog.Logger) *Consumer {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.Name == "" {
		config.Name = "consumer-0"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		source:  source,
		process: process,
		config:  config,
		logger:  logger.With("component", "queue_consumer", "consumer", config.Name),
	}
}

// Start begins polling. Calling Start on a running consumer is a no-op.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running = true
	c.wg.Add(1)
	go c.run(c.ctx)
	c.logger.Info("queue consumer started", "interval", c.config.Interval)
}

// Stop halts polling. An in-flight dispatch is not cancelled; use Wait to
// block until it finishes.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("queue consumer stopped")
}

// Wait stops polling, then blocks until the in-flight dispatch, if any, has
// finished or ctx is done. No dispatch can start once polling has stopped.
func (c *Consumer) Wait(ctx context.Context) error {
	c.Stop()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Busy reports whether a dispatch is in flight.
func (c *Consumer) Busy() bool {
	return c.busy.Load()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

// poll dequeues one id if the slot is free and dispatches it asynchronously.
// It reports whether a dispatch was started.
func (c *Consumer) poll() bool {
	if !c.busy.CompareAndSwap(false, true) {
		return false
	}

	id, ok := c.source.Dequeue()
	if !ok {
		c.busy.Store(false)
		return false
	}

	c.inflight.Add(1)
	go c.dispatch(id)
	return true
}

func (c *Consumer) dispatch(id string) {
	defer c.inflight.Done()
	defer c.busy.Store(false)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("deployment processing panicked",
				"deployment_id", id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()

	start := time.Now()
	// Processing runs to completion even if the consumer is stopped.
	if err := c.process(context.Background(), id); err != nil {
		c.logger.Error("deployment processing failed",
			"deployment_id", id,
			"error", err,
			"duration", time.Since(start),
		)
		return
	}
	c.logger.Debug("deployment processed", "deployment_id", id, "duration", time.Since(start))
}
