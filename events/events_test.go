package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	err    error
}

func (s *memorySink) Write(ctx context.Context, batch []Event) error {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.events = append(s.events, batch...)
	s.mu.Unlock()
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestEmitterFlushesOnClose(t *testing.T) {
	sink := &memorySink{}
	e := NewEmitter(sink, Config{BatchSize: 100, FlushEvery: time.Hour}, nil)
	for i := 0; i < 5; i++ {
		e.Publish(New(PolicyDecision, "sub-1", nil))
	}
	e.Close()

	if sink.count() != 5 {
		t.Fatalf("expected 5 events, got %d", sink.count())
	}
	if e.Written() != 5 {
		t.Fatalf("expected written=5, got %d", e.Written())
	}
}

func TestEmitterDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	e := NewEmitter(sink, Config{Buffer: 1, BatchSize: 1, FlushEvery: time.Hour}, nil)

	start := time.Now()
	for i := 0; i < 50; i++ {
		e.Publish(New(QuotaThreshold, "sub-1", nil))
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish must not block on a slow sink")
	}
	if e.Dropped() == 0 {
		t.Fatal("expected events to be dropped when the buffer is full")
	}
	close(sink.block)
	e.Close()
}

func TestEmitterCountsFailedBatches(t *testing.T) {
	sink := &memorySink{err: errors.New("broker down")}
	e := NewEmitter(sink, Config{BatchSize: 2, FlushEvery: time.Hour}, nil)
	e.Publish(New(QuotaReset, "a", nil))
	e.Publish(New(QuotaReset, "b", nil))
	e.Close()
	if e.Dropped() != 2 {
		t.Fatalf("expected 2 dropped, got %d", e.Dropped())
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	e := NewEmitter(&memorySink{}, Config{}, nil)
	e.Close()
	e.Publish(New(QuotaReset, "a", nil))
	if e.Dropped() != 1 {
		t.Fatalf("expected late publish to be dropped, got %d", e.Dropped())
	}
}

func TestPublishRacingCloseAccountsEveryEvent(t *testing.T) {
	const publishers, perPublisher = 8, 200
	e := NewEmitter(&memorySink{}, Config{Buffer: 16}, nil)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < perPublisher; j++ {
				e.Publish(New(PolicyDecision, "a", nil))
			}
		}()
	}
	close(start)
	e.Close()
	wg.Wait()
	e.Close()

	if got := e.Written() + e.Dropped(); got != publishers*perPublisher {
		t.Fatalf("expected %d events written or dropped, got %d", publishers*perPublisher, got)
	}
}

type fakeKafkaWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSinkKeysBySubscriber(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := newKafkaSinkWithWriter(w)

	evt := New(QuotaExceeded, "sub-9", map[string]int64{"used": 10})
	if err := sink.Write(context.Background(), []Event{evt}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "sub-9" {
		t.Fatalf("expected subscriber key, got %q", msg.Key)
	}
	var decoded Event
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Type != QuotaExceeded || decoded.ID != evt.ID {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if err := sink.Close(); err != nil || !w.closed {
		t.Fatal("expected writer to be closed")
	}
}

func TestNewKafkaSinkValidates(t *testing.T) {
	if _, err := NewKafkaSink(nil, "t"); err == nil {
		t.Fatal("expected error without brokers")
	}
	if _, err := NewKafkaSink([]string{"localhost:9092"}, ""); err == nil {
		t.Fatal("expected error without topic")
	}
}
