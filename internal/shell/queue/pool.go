package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Size is the number of independent single-slot consumers.
	Size int

	// Interval between polls of each consumer.
	Interval time.Duration
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Size:     1,
		Interval: time.Second,
	}
}

// Pool runs Size consumers against one Source, bounding concurrent
// processing to Size deployments. With Size 1 processing is strictly FIFO and
// one at a time.
type Pool struct {
	consumers []*Consumer
	logger    *slog.Logger
}

// NewPool creates a pool of consumers sharing source.
func NewPool(source Source, process ProcessFunc, config PoolConfig, logger *slog.Logger) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{logger: logger.With("component", "queue_pool")}
	for i := 0; i < config.Size; i++ {
		p.consumers = append(p.consumers, NewConsumer(source, process, ConsumerConfig{
			Interval: config.Interval,
			Name:     fmt.Sprintf("consumer-%d", i),
		}, logger))
	}
	return p
}

// Size returns the number of consumers.
func (p *Pool) Size() int {
	return len(p.consumers)
}

// Start starts every consumer.
func (p *Pool) Start() {
	for _, c := range p.consumers {
		c.Start()
	}
	p.logger.Info("queue pool started", "size", len(p.consumers))
}

// Stop halts polling on every consumer without cancelling in-flight work.
func (p *Pool) Stop() {
	for _, c := range p.consumers {
		c.Stop()
	}
	p.logger.Info("queue pool stopped")
}

// Wait stops every consumer and blocks until all in-flight dispatches finish
// or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	for _, c := range p.consumers {
		if err := c.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Busy returns the number of consumers with a dispatch in flight.
func (p *Pool) Busy() int {
	n := 0
	for _, c := range p.consumers {
		if c.Busy() {
			n++
		}
	}
	return n
}
