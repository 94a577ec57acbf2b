package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tphakala/callaudio/internal/logger"
)

// Config holds event bus configuration
type Config struct {
	BufferSize int
	// Workers above one trade delivery order for throughput.
	Workers int
	// DedupTTL enables per-consumer suppression of identical consecutive
	// events. Zero disables it.
	DedupTTL time.Duration
}

// DefaultConfig returns the default event bus configuration
func DefaultConfig() Config {
	return Config{
		BufferSize: 1000,
		Workers:    1,
		DedupTTL:   time.Minute,
	}
}

// Observer receives bus counters.
type Observer interface {
	EventDropped(eventType EventType)
}

// EventBus provides asynchronous event processing with non-blocking guarantees
type EventBus struct {
	eventChan chan Event
	workers   int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	stopped atomic.Bool

	mu        sync.Mutex
	consumers []EventConsumer

	dedup    *Deduplicator
	observer Observer

	received   atomic.Uint64
	suppressed atomic.Uint64
	processed  atomic.Uint64
	dropped    atomic.Uint64
	errCount   atomic.Uint64

	log logger.Logger
}

// New creates an event bus. Workers start with the first consumer.
func New(cfg Config, log logger.Logger) *EventBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = logger.Global().Module("events")
	}
	ctx, cancel := context.WithCancel(context.Background())
	eb := &EventBus{
		eventChan: make(chan Event, cfg.BufferSize),
		workers:   cfg.Workers,
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
	}
	if cfg.DedupTTL > 0 {
		eb.dedup = NewDeduplicator(cfg.DedupTTL)
	}
	log.Info("event bus initialized",
		logger.Int("buffer_size", cfg.BufferSize),
		logger.Int("workers", cfg.Workers))
	return eb
}

// SetObserver installs a drop counter. Call before publishing.
func (eb *EventBus) SetObserver(o Observer) { eb.observer = o }

// RegisterConsumer adds a new event consumer
func (eb *EventBus) RegisterConsumer(consumer EventConsumer) error {
	if eb == nil {
		return fmt.Errorf("event bus not initialized")
	}
	if eb.stopped.Load() {
		return fmt.Errorf("event bus is shut down")
	}

	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, existing := range eb.consumers {
		if existing.Name() == consumer.Name() {
			return fmt.Errorf("consumer %s already registered", consumer.Name())
		}
	}
	eb.consumers = append(eb.consumers, consumer)
	eb.log.Info("registered event consumer", logger.String("consumer", consumer.Name()))

	if len(eb.consumers) == 1 {
		eb.start()
	}
	return nil
}

// TryPublish attempts to publish an event without blocking.
// Returns true if the event was accepted, false if dropped.
func (eb *EventBus) TryPublish(event Event) bool {
	if eb == nil || !eb.running.Load() || eb.stopped.Load() {
		return false
	}

	select {
	case eb.eventChan <- event:
		eb.received.Add(1)
		return true
	default:
		eb.dropped.Add(1)
		if eb.observer != nil {
			eb.observer.EventDropped(event.Type())
		}
		eb.log.Debug("event dropped due to full buffer", logger.String("type", string(event.Type())))
		return false
	}
}

// start begins the worker goroutines
func (eb *EventBus) start() {
	if eb.running.Swap(true) {
		return
	}
	eb.log.Debug("starting event bus workers", logger.Int("count", eb.workers))
	for id := range eb.workers {
		eb.wg.Go(func() { eb.worker(id) })
	}
}

// worker delivers events until shutdown, then drains what is still queued.
func (eb *EventBus) worker(id int) {
	log := eb.log.With(logger.Int("worker_id", id))
	for {
		select {
		case <-eb.ctx.Done():
			for {
				select {
				case event := <-eb.eventChan:
					eb.processEvent(event, log)
				default:
					return
				}
			}
		case event := <-eb.eventChan:
			eb.processEvent(event, log)
		}
	}
}

// processEvent sends the event to all registered consumers
func (eb *EventBus) processEvent(event Event, log logger.Logger) {
	eb.mu.Lock()
	consumers := make([]EventConsumer, len(eb.consumers))
	copy(consumers, eb.consumers)
	eb.mu.Unlock()

	for _, consumer := range consumers {
		if eb.dedup != nil && !eb.dedup.ShouldProcess(consumer.Name(), event) {
			eb.suppressed.Add(1)
			continue
		}
		eb.deliver(consumer, event, log)
	}
}

func (eb *EventBus) deliver(consumer EventConsumer, event Event, log logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			eb.errCount.Add(1)
			log.Error("consumer panicked",
				logger.String("consumer", consumer.Name()),
				logger.Any("panic", r),
				logger.String("type", string(event.Type())))
		}
	}()

	if err := consumer.ProcessEvent(event); err != nil {
		eb.errCount.Add(1)
		log.Warn("consumer error",
			logger.String("consumer", consumer.Name()),
			logger.Error(err),
			logger.String("type", string(event.Type())))
		return
	}
	eb.processed.Add(1)
}

// Shutdown stops accepting events, lets workers drain the buffer and waits
// for them up to timeout.
func (eb *EventBus) Shutdown(timeout time.Duration) error {
	if eb == nil || eb.stopped.Swap(true) {
		return nil
	}
	eb.log.Info("shutting down event bus", logger.Duration("timeout", timeout))
	eb.cancel()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.log.Info("event bus shutdown complete")
		return nil
	case <-time.After(timeout):
		eb.log.Warn("event bus shutdown timeout exceeded")
		return fmt.Errorf("event bus shutdown timeout exceeded")
	}
}

// GetStats returns current event bus statistics
func (eb *EventBus) GetStats() EventBusStats {
	if eb == nil {
		return EventBusStats{}
	}
	return EventBusStats{
		EventsReceived:   eb.received.Load(),
		EventsSuppressed: eb.suppressed.Load(),
		EventsProcessed:  eb.processed.Load(),
		EventsDropped:    eb.dropped.Load(),
		ConsumerErrors:   eb.errCount.Load(),
	}
}
