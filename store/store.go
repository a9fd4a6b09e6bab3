// Package store holds subscriber profiles in a fixed arena of shards.
//
// A subscriber is owned by exactly one shard, chosen by hashing its
// identifier. Each shard is guarded by a one-slot semaphore so callers on
// the same subscriber serialize, callers on different shards never contend,
// and waiting for a shard honours context cancellation.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/searchforge/pcf/internal/contract"
)

// DefaultShards is used when New is given a non-positive shard count.
const DefaultShards = 64

type shard struct {
	sem      chan struct{}
	profiles map[string]*contract.SubscriberProfile
}

func (s *shard) lock(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return contract.FromContext(ctx.Err())
	}
}

func (s *shard) unlock() {
	<-s.sem
}

// Store is the sharded subscriber store.
type Store struct {
	shards []*shard
	now    func() time.Time
	rule   atomic.Pointer[QuotaRule]
}

// QuotaRule derives policy-dependent quota fields from the profile. It runs
// under the shard lock whenever a profile is registered or updated.
type QuotaRule func(profile contract.SubscriberProfile, q *contract.Quota)

// SetQuotaRule installs rule. The quota manager installs its exhaustion rule.
func (s *Store) SetQuotaRule(rule QuotaRule) {
	if rule == nil {
		s.rule.Store(nil)
		return
	}
	s.rule.Store(&rule)
}

func (s *Store) applyRule(p *contract.SubscriberProfile) {
	if rule := s.rule.Load(); rule != nil {
		(*rule)(p.Clone(), &p.Quota)
	}
}

// New constructs a store with n shards.
func New(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			sem:      make(chan struct{}, 1),
			profiles: make(map[string]*contract.SubscriberProfile),
		}
	}
	return &Store{
		shards: shards,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

// ShardIndex exposes the shard assignment of id.
func (s *Store) ShardIndex(id string) int {
	return int(xxhash.Sum64String(id) % uint64(len(s.shards)))
}

// Register inserts or replaces a profile. On replacement every non-quota
// field takes the new value and the stored quota is kept.
func (s *Store) Register(ctx context.Context, profile contract.SubscriberProfile) (contract.SubscriberProfile, error) {
	profile.SubscriberID = strings.TrimSpace(profile.SubscriberID)
	if err := profile.Validate(); err != nil {
		return contract.SubscriberProfile{}, err
	}

	sh := s.shardFor(profile.SubscriberID)
	if err := sh.lock(ctx); err != nil {
		return contract.SubscriberProfile{}, err
	}
	defer sh.unlock()

	now := s.now()
	next := profile.Clone()
	next.LastUpdate = now
	if existing, ok := sh.profiles[profile.SubscriberID]; ok {
		next.Quota = existing.Quota.Clone()
	} else {
		next.Quota = normalizeQuota(next.Quota, now)
	}
	s.applyRule(&next)

	if err := ctx.Err(); err != nil {
		return contract.SubscriberProfile{}, contract.FromContext(err)
	}
	sh.profiles[profile.SubscriberID] = &next
	return next.Clone(), nil
}

// Get returns a copy of the stored profile.
func (s *Store) Get(ctx context.Context, id string) (contract.SubscriberProfile, error) {
	sh := s.shardFor(id)
	if err := sh.lock(ctx); err != nil {
		return contract.SubscriberProfile{}, err
	}
	defer sh.unlock()

	p, ok := sh.profiles[id]
	if !ok {
		return contract.SubscriberProfile{}, fmt.Errorf("%w: %s", contract.ErrNotFound, id)
	}
	return p.Clone(), nil
}

// QuotaFunc mutates q in place. profile is a read-only copy.
type QuotaFunc func(profile contract.SubscriberProfile, q *contract.Quota) error

// UpdateQuota runs fn against a copy of the subscriber's quota and commits
// the copy only if fn succeeds and ctx is still live. It is the single
// entry point for quota mutation.
func (s *Store) UpdateQuota(ctx context.Context, id string, fn QuotaFunc) (contract.Quota, error) {
	sh := s.shardFor(id)
	if err := sh.lock(ctx); err != nil {
		return contract.Quota{}, err
	}
	defer sh.unlock()

	p, ok := sh.profiles[id]
	if !ok {
		return contract.Quota{}, fmt.Errorf("%w: %s", contract.ErrNotFound, id)
	}

	q := p.Quota.Clone()
	if err := fn(p.Clone(), &q); err != nil {
		return contract.Quota{}, err
	}
	if err := ctx.Err(); err != nil {
		return contract.Quota{}, contract.FromContext(err)
	}

	p.Quota = q
	p.LastUpdate = s.now()
	return q.Clone(), nil
}

// UpdateProfile applies fn to the non-quota fields of a profile. Any
// change fn makes to the quota is discarded.
func (s *Store) UpdateProfile(ctx context.Context, id string, fn func(p *contract.SubscriberProfile) error) (contract.SubscriberProfile, error) {
	sh := s.shardFor(id)
	if err := sh.lock(ctx); err != nil {
		return contract.SubscriberProfile{}, err
	}
	defer sh.unlock()

	p, ok := sh.profiles[id]
	if !ok {
		return contract.SubscriberProfile{}, fmt.Errorf("%w: %s", contract.ErrNotFound, id)
	}

	next := p.Clone()
	if err := fn(&next); err != nil {
		return contract.SubscriberProfile{}, err
	}
	next.SubscriberID = p.SubscriberID
	next.Quota = p.Quota.Clone()
	if err := next.Validate(); err != nil {
		return contract.SubscriberProfile{}, err
	}
	s.applyRule(&next)
	if err := ctx.Err(); err != nil {
		return contract.SubscriberProfile{}, contract.FromContext(err)
	}

	next.LastUpdate = s.now()
	sh.profiles[id] = &next
	return next.Clone(), nil
}

// Count returns the number of stored profiles.
func (s *Store) Count() int {
	total := 0
	for _, sh := range s.shards {
		sh.sem <- struct{}{}
		total += len(sh.profiles)
		sh.unlock()
	}
	return total
}

func normalizeQuota(q contract.Quota, now time.Time) contract.Quota {
	if q.UsedBytes < 0 {
		q.UsedBytes = 0
	}
	if q.UsedBytes > q.TotalBytes {
		q.UsedBytes = q.TotalBytes
	}
	q.RemainingBytes = q.TotalBytes - q.UsedBytes
	q.Exceeded = q.RemainingBytes == 0
	q.ThrottledBandwidthKbps = nil
	q.LastUpdate = now
	return q
}
