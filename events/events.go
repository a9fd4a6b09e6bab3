// Package events decouples decision and charging notifications from the
// request path. Publish never blocks: when the buffer is full the event is
// dropped and counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names an event kind.
type Type string

const (
	PolicyDecision     Type = "policy.decision"
	QuotaThreshold     Type = "quota.threshold_reached"
	QuotaExceeded      Type = "quota.exceeded"
	QuotaReset         Type = "quota.reset"
	ZeroRatedUsage     Type = "quota.zero_rated_usage"
	ChargingAuthorized Type = "charging.authorized"
	ChargingDeclined   Type = "charging.declined"
	ChargeRecordFailed Type = "charging.cdr_failed"
	SessionTerminated  Type = "diameter.session_terminated"
	AnomalyDetected    Type = "ai.anomaly_detected"
)

// Event is one notification.
type Event struct {
	ID           string    `json:"id"`
	Type         Type      `json:"type"`
	SubscriberID string    `json:"subscriber_id,omitempty"`
	At           time.Time `json:"at"`
	Data         any       `json:"data,omitempty"`
}

// New stamps an event with an id and the current time.
func New(typ Type, subscriberID string, data any) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         typ,
		SubscriberID: subscriberID,
		At:           time.Now().UTC(),
		Data:         data,
	}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(evt Event)
}

// Sink delivers a batch of events to a transport.
type Sink interface {
	Write(ctx context.Context, batch []Event) error
}

// Nop discards everything.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}

// Config tunes an Emitter.
type Config struct {
	Buffer       int           `mapstructure:"buffer"`
	BatchSize    int           `mapstructure:"batch_size"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = 1024
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushEvery <= 0 {
		c.FlushEvery = 200 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	return c
}

// Emitter buffers events and hands them to a Sink from a single goroutine.
type Emitter struct {
	cfg     Config
	sink    Sink
	logger  *zap.Logger
	ch      chan Event
	dropped atomic.Int64
	written atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewEmitter starts the delivery loop. Call Close to flush and stop it.
func NewEmitter(sink Sink, cfg Config, logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	e := &Emitter{
		cfg:    cfg,
		sink:   sink,
		logger: logger,
		ch:     make(chan Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Publish enqueues evt or drops it when the buffer is full.
func (e *Emitter) Publish(evt Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.ch <- evt:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Written returns the number of events accepted by the sink.
func (e *Emitter) Written() int64 {
	return e.written.Load()
}

// Close stops accepting events and flushes what is buffered.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	e.mu.Unlock()
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	ticker := time.NewTicker(e.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]Event, 0, e.cfg.BatchSize)
	for {
		select {
		case evt, ok := <-e.ch:
			if !ok {
				e.flush(batch)
				return
			}
			batch = append(batch, evt)
			if len(batch) >= e.cfg.BatchSize {
				e.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (e *Emitter) flush(batch []Event) {
	if len(batch) == 0 || e.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WriteTimeout)
	defer cancel()
	if err := e.sink.Write(ctx, batch); err != nil {
		e.dropped.Add(int64(len(batch)))
		e.logger.Warn("event batch dropped", zap.Int("events", len(batch)), zap.Error(err))
		return
	}
	e.written.Add(int64(len(batch)))
}

// LogSink writes events to a zap logger.
type LogSink struct {
	Logger *zap.Logger
}

// Write implements Sink.
func (s LogSink) Write(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.Logger.Info("event",
			zap.String("type", string(evt.Type)),
			zap.String("subscriber_id", evt.SubscriberID),
			zap.Any("data", evt.Data),
		)
	}
	return nil
}
