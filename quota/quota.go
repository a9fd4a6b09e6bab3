// Package quota accounts subscriber data usage against the allowance held in
// the subscriber store. All mutations go through store.UpdateQuota, so a
// subscriber's accounting is linearizable and either fully applied or not at all.
package quota

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/store"
)

// Result is the outcome of one accounting call.
type Result struct {
	Quota            contract.Quota
	ThresholdCrossed bool
	ExceededNow      bool
	ZeroRated        bool
	Policy           ProductPolicy
}

// Manager owns quota mutation.
type Manager struct {
	store     *store.Store
	catalog   *Catalog
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher delivers threshold, exceeded, reset and zero-rated events.
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publisher = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager over st.
func NewManager(st *store.Store, catalog *Catalog, opts ...Option) *Manager {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	m := &Manager{
		store:     st,
		catalog:   catalog,
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	st.SetQuotaRule(func(p contract.SubscriberProfile, q *contract.Quota) {
		m.enforce(p, q)
	})
	return m
}

// enforce sets the throttle of q from the subscriber's exhaustion policy:
// present only while exceeded under a throttling policy.
func (m *Manager) enforce(p contract.SubscriberProfile, q *contract.Quota) ProductPolicy {
	policy := m.catalog.Resolve(p.ActivePolicies)
	if q.Exceeded && policy.OnExhaustion == ActionThrottle {
		kbps := policy.ThrottleKbps
		q.ThrottledBandwidthKbps = &kbps
	} else {
		q.ThrottledBandwidthKbps = nil
	}
	return policy
}

// Catalog returns the exhaustion policy catalog.
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// CheckAndConsume accounts bytes of chargeable usage.
func (m *Manager) CheckAndConsume(ctx context.Context, subscriberID string, bytes int64) (Result, error) {
	return m.Account(ctx, contract.Usage{SubscriberID: subscriberID, Bytes: bytes})
}

// Account applies usage. Zero-rated usage leaves the counters untouched and
// is only reported. A zero-byte call refreshes the exhaustion state against
// the subscriber's current policies.
func (m *Manager) Account(ctx context.Context, usage contract.Usage) (Result, error) {
	if usage.Bytes < 0 {
		return Result{}, fmt.Errorf("%w: %d bytes for %s", contract.ErrInvalidUsage, usage.Bytes, usage.SubscriberID)
	}

	var res Result
	q, err := m.store.UpdateQuota(ctx, usage.SubscriberID, func(p contract.SubscriberProfile, q *contract.Quota) error {
		res = Result{ZeroRated: usage.ZeroRated}
		wasExceeded := q.Exceeded
		prevUsed := q.UsedBytes

		if !usage.ZeroRated {
			q.UsedBytes = saturatingAdd(q.UsedBytes, usage.Bytes, q.TotalBytes)
		}
		q.RemainingBytes = q.TotalBytes - q.UsedBytes
		q.Exceeded = q.RemainingBytes == 0

		res.Policy = m.enforce(p, q)
		q.LastUpdate = m.now()

		res.ThresholdCrossed = crossed(prevUsed, q.UsedBytes, q.TotalBytes, q.NotificationThreshold)
		res.ExceededNow = q.Exceeded && !wasExceeded
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	res.Quota = q
	m.notify(usage, res)
	return res, nil
}

// Reset zeroes usage and clears the exhausted state.
func (m *Manager) Reset(ctx context.Context, subscriberID string) (contract.Quota, error) {
	return m.reset(ctx, subscriberID, -1)
}

// Renew starts a new allowance of totalBytes with no usage, as on plan
// renewal or upgrade.
func (m *Manager) Renew(ctx context.Context, subscriberID string, totalBytes int64) (contract.Quota, error) {
	if totalBytes < 0 {
		return contract.Quota{}, fmt.Errorf("%w: negative total quota %d", contract.ErrInvalidRequest, totalBytes)
	}
	return m.reset(ctx, subscriberID, totalBytes)
}

// reset keeps the stored total when total is negative.
func (m *Manager) reset(ctx context.Context, subscriberID string, total int64) (contract.Quota, error) {
	q, err := m.store.UpdateQuota(ctx, subscriberID, func(p contract.SubscriberProfile, q *contract.Quota) error {
		if total >= 0 {
			q.TotalBytes = total
		}
		q.UsedBytes = 0
		q.RemainingBytes = q.TotalBytes
		q.Exceeded = q.TotalBytes == 0
		m.enforce(p, q)
		q.LastUpdate = m.now()
		return nil
	})
	if err != nil {
		return contract.Quota{}, err
	}
	m.logger.Info("quota reset",
		zap.String("subscriber_id", subscriberID),
		zap.Int64("total_quota_bytes", q.TotalBytes),
	)
	m.publisher.Publish(events.New(events.QuotaReset, subscriberID, q))
	return q, nil
}

// Snapshot returns the current quota without changing it.
func (m *Manager) Snapshot(ctx context.Context, subscriberID string) (contract.Quota, error) {
	p, err := m.store.Get(ctx, subscriberID)
	if err != nil {
		return contract.Quota{}, err
	}
	return p.Quota, nil
}

func (m *Manager) notify(usage contract.Usage, res Result) {
	if usage.ZeroRated && usage.Bytes > 0 {
		m.logger.Debug("zero-rated usage passed through",
			zap.String("subscriber_id", usage.SubscriberID),
			zap.String("service", usage.Service),
			zap.Int64("bytes", usage.Bytes),
		)
		m.publisher.Publish(events.New(events.ZeroRatedUsage, usage.SubscriberID, map[string]any{
			"service": usage.Service,
			"bytes":   usage.Bytes,
		}))
	}
	if res.ThresholdCrossed {
		m.logger.Info("quota threshold reached",
			zap.String("subscriber_id", usage.SubscriberID),
			zap.Int("threshold_percent", res.Quota.NotificationThreshold),
			zap.Int("usage_percent", res.Quota.UsagePercent()),
		)
		m.publisher.Publish(events.New(events.QuotaThreshold, usage.SubscriberID, res.Quota))
	}
	if res.ExceededNow {
		m.logger.Info("quota exceeded",
			zap.String("subscriber_id", usage.SubscriberID),
			zap.String("policy", res.Policy.Name),
			zap.String("action", string(res.Policy.OnExhaustion)),
		)
		m.publisher.Publish(events.New(events.QuotaExceeded, usage.SubscriberID, res.Quota))
	}
}

func saturatingAdd(used, bytes, total int64) int64 {
	if bytes >= total-used {
		return total
	}
	return used + bytes
}

// crossed reports whether usage moved from below the threshold boundary to
// at or above it. A zero threshold disables notification.
func crossed(prev, next, total int64, thresholdPercent int) bool {
	if thresholdPercent <= 0 || total <= 0 || next <= prev {
		return false
	}
	b := boundary(total, int64(thresholdPercent))
	return prev < b && next >= b
}

// boundary is ceil(total*pct/100) without overflowing for large totals.
func boundary(total, pct int64) int64 {
	whole := (total / 100) * pct
	rest := (total%100)*pct + 99
	return whole + rest/100
}
