package diameter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/searchforge/pcf/internal/contract"
)

const (
	defaultKeyPrefix = "pcf:session:"
	maxWatchRetries  = 3
)

// RedisSessionStore shares sessions across PCF instances. Each session is
// one JSON value whose expiry is pushed back on every update.
type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionStore wraps client. An empty prefix selects the default.
func NewRedisSessionStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisSessionStore{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisSessionStore) key(id string) string {
	return r.prefix + id
}

func (r *RedisSessionStore) fail(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return contract.FromContext(ctx.Err())
	}
	return fmt.Errorf("%w: redis %s: %w", contract.ErrUpstreamUnavailable, op, err)
}

// Create stores s with SET NX.
func (r *RedisSessionStore) Create(ctx context.Context, s Session) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(s.ID), raw, r.ttl).Result()
	if err != nil {
		return r.fail(ctx, "create", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, s.ID)
	}
	return nil
}

// Get reads a session.
func (r *RedisSessionStore) Get(ctx context.Context, id string) (Session, error) {
	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, fmt.Errorf("%w: %s", contract.ErrSessionNotFound, id)
	}
	if err != nil {
		return Session{}, r.fail(ctx, "get", err)
	}
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// Update applies fn under WATCH and rewrites the value with a fresh TTL.
// A concurrent writer makes the transaction fail; it is retried a few times.
func (r *RedisSessionStore) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	key := r.key(id)
	var (
		out    Session
		domain error
	)
	txf := func(tx *redis.Tx) error {
		domain = nil
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			domain = fmt.Errorf("%w: %s", contract.ErrSessionNotFound, id)
			return domain
		}
		if err != nil {
			return err
		}
		var s Session
		if err := json.Unmarshal(raw, &s); err != nil {
			domain = fmt.Errorf("decode session %s: %w", id, err)
			return domain
		}
		if err := fn(&s); err != nil {
			domain = err
			return err
		}
		next, err := json.Marshal(s)
		if err != nil {
			domain = fmt.Errorf("encode session: %w", err)
			return domain
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, next, r.ttl)
			return nil
		})
		if err == nil {
			out = s
		}
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case domain != nil:
			return Session{}, domain
		default:
			return Session{}, r.fail(ctx, "update", err)
		}
	}
	return Session{}, fmt.Errorf("%w: redis update of %s contended", contract.ErrUpstreamUnavailable, id)
}

// Delete removes a session.
func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return r.fail(ctx, "delete", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", contract.ErrSessionNotFound, id)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.fail(ctx, "ping", err)
	}
	return nil
}
