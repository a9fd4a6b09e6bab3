package diameter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/searchforge/pcf/internal/contract"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSessionStore(client, "", ttl), mr
}

func storeContract(t *testing.T, st SessionStore) {
	t.Helper()
	ctx := context.Background()
	sess := Session{ID: "gx-1", SubscriberID: "1234567890", State: StateCreated, ServiceType: "video"}

	if err := st.Create(ctx, sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.Create(ctx, sess); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("expected ErrSessionExists, got %v", err)
	}

	got, err := st.Get(ctx, "gx-1")
	if err != nil || got.SubscriberID != "1234567890" || got.State != StateCreated {
		t.Fatalf("unexpected session %+v (%v)", got, err)
	}

	updated, err := st.Update(ctx, "gx-1", activate)
	if err != nil || updated.State != StateActive {
		t.Fatalf("activate: %+v (%v)", updated, err)
	}

	boom := errors.New("boom")
	if _, err := st.Update(ctx, "gx-1", func(s *Session) error {
		s.ServiceType = "voice"
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	got, _ = st.Get(ctx, "gx-1")
	if got.ServiceType != "video" {
		t.Fatalf("failed update must not persist, got %q", got.ServiceType)
	}

	if _, err := st.Update(ctx, "missing", activate); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := st.Delete(ctx, "gx-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := st.Delete(ctx, "gx-1"); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound on second delete, got %v", err)
	}
	if _, err := st.Get(ctx, "gx-1"); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestMemorySessionStore(t *testing.T) {
	storeContract(t, NewMemorySessionStore(time.Minute))
}

func TestRedisSessionStore(t *testing.T) {
	st, _ := newRedisStore(t, time.Minute)
	storeContract(t, st)
}

func TestMemorySessionStoreExpiry(t *testing.T) {
	st := NewMemorySessionStore(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	st.now = func() time.Time { return now }

	ctx := context.Background()
	if err := st.Create(ctx, Session{ID: "a", State: StateActive}); err != nil {
		t.Fatalf("create: %v", err)
	}
	now = now.Add(45 * time.Second)
	if _, err := st.Update(ctx, "a", func(*Session) error { return nil }); err != nil {
		t.Fatalf("update: %v", err)
	}
	now = now.Add(45 * time.Second)
	if _, err := st.Get(ctx, "a"); err != nil {
		t.Fatalf("update must refresh the ttl: %v", err)
	}
	if err := st.Create(ctx, Session{ID: "b"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if n := st.Sweep(); n != 2 {
		t.Fatalf("expected 2 expired sessions, got %d", n)
	}
	if _, err := st.Get(ctx, "a"); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
	if err := st.Create(ctx, Session{ID: "a"}); err != nil {
		t.Fatalf("expired id must be reusable: %v", err)
	}
}

func TestRedisSessionStoreRefreshesTTL(t *testing.T) {
	st, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()
	if err := st.Create(ctx, Session{ID: "a", State: StateCreated}); err != nil {
		t.Fatalf("create: %v", err)
	}
	mr.FastForward(45 * time.Second)
	if _, err := st.Update(ctx, "a", activate); err != nil {
		t.Fatalf("update: %v", err)
	}
	mr.FastForward(45 * time.Second)
	if _, err := st.Get(ctx, "a"); err != nil {
		t.Fatalf("update must refresh the ttl: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := st.Get(ctx, "a"); !errors.Is(err, contract.ErrSessionNotFound) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRedisSessionStoreConcurrentUpdates(t *testing.T) {
	st, _ := newRedisStore(t, time.Minute)
	ctx := context.Background()
	if err := st.Create(ctx, Session{ID: "a", State: StateActive}); err != nil {
		t.Fatalf("create: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.Update(ctx, "a", func(s *Session) error {
				s.RequestNumber++
				return nil
			}); err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RequestNumber != applied {
		t.Fatalf("expected %d applied updates, stored %d", applied, got.RequestNumber)
	}
}

func TestRedisSessionStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	st := NewRedisSessionStore(client, "", time.Minute)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := st.Create(ctx, Session{ID: "a"}); !errors.Is(err, contract.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if err := st.Ping(ctx); !errors.Is(err, contract.ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable from ping, got %v", err)
	}
}
