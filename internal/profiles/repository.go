// Package profiles is the Postgres system of record for subscriber
// profiles. The engine reads through it on a store miss and writes
// registrations back to it.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/searchforge/pcf/internal/contract"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Repository reads and writes subscriber_profiles.
type Repository struct {
	db DB
}

// NewRepository wraps db.
func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

const selectProfile = `
	SELECT subscriber_id, imsi, plan_name, plan_type,
	       total_quota_bytes, used_quota_bytes, notification_threshold_percent,
	       active_policies, zero_rated_services, supported_networks, updated_at
	FROM subscriber_profiles WHERE subscriber_id = $1`

const upsertProfile = `
	INSERT INTO subscriber_profiles (
		subscriber_id, imsi, plan_name, plan_type,
		total_quota_bytes, used_quota_bytes, notification_threshold_percent,
		active_policies, zero_rated_services, supported_networks, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (subscriber_id) DO UPDATE SET
		imsi                           = EXCLUDED.imsi,
		plan_name                      = EXCLUDED.plan_name,
		plan_type                      = EXCLUDED.plan_type,
		total_quota_bytes              = EXCLUDED.total_quota_bytes,
		used_quota_bytes               = EXCLUDED.used_quota_bytes,
		notification_threshold_percent = EXCLUDED.notification_threshold_percent,
		active_policies                = EXCLUDED.active_policies,
		zero_rated_services            = EXCLUDED.zero_rated_services,
		supported_networks             = EXCLUDED.supported_networks,
		updated_at                     = EXCLUDED.updated_at`

// Lookup returns the stored profile or contract.ErrNotFound.
func (r *Repository) Lookup(ctx context.Context, subscriberID string) (contract.SubscriberProfile, error) {
	var (
		p         contract.SubscriberProfile
		planType  string
		total     int64
		used      int64
		threshold int
		networks  []string
		updatedAt time.Time
	)
	err := r.db.QueryRow(ctx, selectProfile, subscriberID).Scan(
		&p.SubscriberID, &p.IMSI, &p.PlanName, &planType,
		&total, &used, &threshold,
		&p.ActivePolicies, &p.ZeroRatedServices, &networks, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return contract.SubscriberProfile{}, fmt.Errorf("%w: %s", contract.ErrNotFound, subscriberID)
		}
		return contract.SubscriberProfile{}, classify(ctx, "lookup", err)
	}

	p.PlanType = contract.PlanType(planType)
	p.LastUpdate = updatedAt.UTC()
	p.Quota = quotaFromRow(total, used, threshold, p.LastUpdate)
	for _, raw := range networks {
		gen, err := contract.ParseNetworkGeneration(raw)
		if err != nil {
			return contract.SubscriberProfile{}, fmt.Errorf("profile %s: %w", subscriberID, err)
		}
		p.SupportedNetworks = append(p.SupportedNetworks, gen)
	}
	if err := p.Validate(); err != nil {
		return contract.SubscriberProfile{}, fmt.Errorf("profile %s: %w", subscriberID, err)
	}
	return p, nil
}

// Save upserts p, including its current quota usage.
func (r *Repository) Save(ctx context.Context, p contract.SubscriberProfile) error {
	networks := make([]string, 0, len(p.SupportedNetworks))
	for _, g := range p.SupportedNetworks {
		networks = append(networks, string(g))
	}
	updated := p.LastUpdate
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := r.db.Exec(ctx, upsertProfile,
		p.SubscriberID, p.IMSI, p.PlanName, string(p.PlanType),
		p.Quota.TotalBytes, p.Quota.UsedBytes, p.Quota.NotificationThreshold,
		nonNil(p.ActivePolicies), nonNil(p.ZeroRatedServices), networks, updated.UTC(),
	)
	if err != nil {
		return classify(ctx, "save", err)
	}
	return nil
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return classify(ctx, "ping", err)
	}
	return nil
}

func quotaFromRow(total, used int64, threshold int, at time.Time) contract.Quota {
	q := contract.NewQuota(total, threshold)
	if used > q.TotalBytes {
		used = q.TotalBytes
	}
	if used > 0 {
		q.UsedBytes = used
	}
	q.RemainingBytes = q.TotalBytes - q.UsedBytes
	q.Exceeded = q.RemainingBytes == 0
	q.LastUpdate = at
	return q
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return contract.FromContext(ctxErr)
	}
	return fmt.Errorf("%w: profiles %s: %w", contract.ErrUpstreamUnavailable, op, err)
}
