package diameter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/obs"
)

// Sender delivers one record to the charging gateway.
type Sender interface {
	Send(ctx context.Context, rec charging.ChargeRecord) error
}

// LogSender writes records to a logger. It stands in for a CGF in
// development.
type LogSender struct {
	Logger *zap.Logger
}

// Send implements Sender.
func (s LogSender) Send(_ context.Context, rec charging.ChargeRecord) error {
	s.Logger.Info("charge record",
		zap.String("record_id", rec.RecordID),
		zap.String("subscriber_id", rec.SubscriberID),
		zap.String("session_id", rec.SessionID),
		zap.String("record_type", string(rec.Type)),
		zap.Int64("used_bytes", rec.UsedBytes),
		zap.String("amount", rec.Amount.StringFixed(4)),
	)
	return nil
}

// DispatcherConfig tunes the Gz dispatcher.
type DispatcherConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	MaxRetries  uint64        `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// GzDispatcher delivers offline charge records in the background. Submit
// never blocks; a full queue drops the record.
type GzDispatcher struct {
	cfg       DispatcherConfig
	sender    Sender
	logger    *zap.Logger
	publisher events.Publisher

	mu     sync.RWMutex
	closed bool
	queue  chan charging.ChargeRecord
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

var _ charging.RecordSink = (*GzDispatcher)(nil)

// NewGzDispatcher starts the workers.
func NewGzDispatcher(sender Sender, cfg DispatcherConfig, logger *zap.Logger, publisher events.Publisher) *GzDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &GzDispatcher{
		cfg:       cfg,
		sender:    sender,
		logger:    logger,
		publisher: publisher,
		queue:     make(chan charging.ChargeRecord, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Submit queues rec and reports whether it was accepted.
func (d *GzDispatcher) Submit(rec charging.ChargeRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(rec, "dispatcher closed")
		return false
	}
	select {
	case d.queue <- rec:
		return true
	default:
		d.drop(rec, "queue full")
		return false
	}
}

func (d *GzDispatcher) drop(rec charging.ChargeRecord, reason string) {
	d.dropped.Add(1)
	obs.RecordChargeRecord("dropped")
	d.logger.Warn("charge record dropped",
		zap.String("record_id", rec.RecordID),
		zap.String("subscriber_id", rec.SubscriberID),
		zap.String("reason", reason),
	)
}

// Close stops intake and waits for queued records until ctx ends, after
// which in-flight retries are abandoned.
func (d *GzDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Delivered returns the number of records the CGF accepted.
func (d *GzDispatcher) Delivered() int64 { return d.delivered.Load() }

// Failed returns the number of records given up after retries.
func (d *GzDispatcher) Failed() int64 { return d.failed.Load() }

// Dropped returns the number of records refused at Submit.
func (d *GzDispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *GzDispatcher) work() {
	defer d.wg.Done()
	for rec := range d.queue {
		d.deliver(rec)
	}
}

func (d *GzDispatcher) deliver(rec charging.ChargeRecord) {
	b := retry.WithCappedDuration(d.cfg.MaxBackoff, retry.NewExponential(d.cfg.BaseBackoff))
	b = retry.WithMaxRetries(d.cfg.MaxRetries, b)

	attempts := 0
	err := retry.Do(d.ctx, b, func(ctx context.Context) error {
		attempts++
		err := d.sender.Send(ctx, rec)
		if err == nil {
			return nil
		}
		if errors.Is(err, contract.ErrUpstreamUnavailable) || errors.Is(err, contract.ErrTimeout) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		d.delivered.Add(1)
		obs.RecordChargeRecord("delivered")
		return
	}

	d.failed.Add(1)
	obs.RecordChargeRecord("failed")
	d.logger.Error("charge record delivery failed",
		zap.String("record_id", rec.RecordID),
		zap.String("subscriber_id", rec.SubscriberID),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	d.publisher.Publish(events.New(events.ChargeRecordFailed, rec.SubscriberID, map[string]any{
		"record_id": rec.RecordID,
		"attempts":  attempts,
		"error":     err.Error(),
	}))
}
