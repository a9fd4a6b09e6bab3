package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/quota"
)

// lookup resolves a profile from the store, then the external repository,
// then the provisioning template when provision is set.
func (e *Engine) lookup(ctx context.Context, id, imsi string, provision bool) (contract.SubscriberProfile, error) {
	p, err := e.store.Get(ctx, id)
	if err == nil || !errors.Is(err, contract.ErrNotFound) {
		return p, err
	}

	if e.profiles != nil {
		ext, err := e.profiles.Lookup(ctx, id)
		switch {
		case err == nil:
			e.logger.Debug("subscriber loaded from repository", zap.String("subscriber_id", id))
			return e.store.Register(ctx, ext)
		case !errors.Is(err, contract.ErrNotFound):
			return contract.SubscriberProfile{}, err
		}
	}

	if !provision {
		return contract.SubscriberProfile{}, fmt.Errorf("%w: %s", contract.ErrNotFound, id)
	}
	return e.provision(ctx, id, imsi)
}

func (e *Engine) provision(ctx context.Context, id, imsi string) (contract.SubscriberProfile, error) {
	t := e.cfg.Provision
	if strings.TrimSpace(imsi) == "" {
		imsi = id
	}
	profile := contract.SubscriberProfile{
		SubscriberID:      id,
		IMSI:              imsi,
		PlanName:          t.PlanName,
		PlanType:          t.PlanType,
		Quota:             contract.NewQuota(t.QuotaBytes, t.ThresholdPercent),
		ActivePolicies:    append([]string(nil), t.ActivePolicies...),
		SupportedNetworks: append([]contract.NetworkGeneration(nil), t.Networks...),
	}
	stored, err := e.RegisterSubscriber(ctx, profile)
	if err != nil {
		return contract.SubscriberProfile{}, err
	}
	e.logger.Info("subscriber auto-provisioned",
		zap.String("subscriber_id", id),
		zap.String("plan_name", stored.PlanName),
	)
	return stored, nil
}

// RegisterSubscriber upserts a profile. Re-registration keeps the stored
// quota. The repository copy is written best-effort.
func (e *Engine) RegisterSubscriber(ctx context.Context, profile contract.SubscriberProfile) (contract.SubscriberProfile, error) {
	stored, err := e.store.Register(ctx, profile)
	if err != nil {
		return contract.SubscriberProfile{}, err
	}
	e.save(ctx, stored)
	return stored, nil
}

func (e *Engine) save(ctx context.Context, p contract.SubscriberProfile) {
	if e.profiles == nil {
		return
	}
	if err := e.profiles.Save(ctx, p); err != nil {
		e.logger.Warn("profile repository write failed",
			zap.String("subscriber_id", p.SubscriberID),
			zap.Error(err),
		)
	}
}

// GetSubscriberProfile returns the profile, loading it from the repository
// when the store does not hold it.
func (e *Engine) GetSubscriberProfile(ctx context.Context, id string) (contract.SubscriberProfile, error) {
	return e.lookup(ctx, id, "", false)
}

// UpdateProfile changes the non-quota fields of a profile.
func (e *Engine) UpdateProfile(ctx context.Context, id string, fn func(p *contract.SubscriberProfile) error) (contract.SubscriberProfile, error) {
	p, err := e.store.UpdateProfile(ctx, id, fn)
	if err != nil {
		return contract.SubscriberProfile{}, err
	}
	e.save(ctx, p)
	return p, nil
}

// UpdateQuotaUsage consumes bytes of chargeable usage.
func (e *Engine) UpdateQuotaUsage(ctx context.Context, id string, bytes int64) (quota.Result, error) {
	return e.quota.CheckAndConsume(ctx, id, bytes)
}

// RecordUsage accounts reported usage. Usage of a zero-rated service leaves
// the allowance untouched. Offline-charged subscribers get an event CDR.
func (e *Engine) RecordUsage(ctx context.Context, usage contract.Usage) (quota.Result, error) {
	if usage.Bytes < 0 {
		return quota.Result{}, fmt.Errorf("%w: %d bytes for %s", contract.ErrInvalidUsage, usage.Bytes, usage.SubscriberID)
	}
	profile, err := e.lookup(ctx, usage.SubscriberID, "", false)
	if err != nil {
		return quota.Result{}, err
	}
	sel := e.charging.Select(profile, contract.PolicyRequest{
		SubscriberID:  usage.SubscriberID,
		ServiceType:   usage.Service,
		ApplicationID: usage.Service,
	})
	usage.ZeroRated = usage.ZeroRated || sel.ZeroRated

	res, err := e.quota.Account(ctx, usage)
	if err != nil {
		return quota.Result{}, err
	}
	if sel.Offline && usage.Bytes > 0 {
		e.submitRecord(charging.NewRecord(sel, usage.SubscriberID, "", charging.RecordEvent, usage.Bytes))
	}
	return res, nil
}

// ResetQuota restores the full allowance.
func (e *Engine) ResetQuota(ctx context.Context, id string) (contract.Quota, error) {
	return e.quota.Reset(ctx, id)
}

// RenewQuota starts a fresh allowance of totalBytes, as on plan renewal or
// upgrade.
func (e *Engine) RenewQuota(ctx context.Context, id string, totalBytes int64) (contract.Quota, error) {
	return e.quota.Renew(ctx, id, totalBytes)
}

// AuthorizeCredit prices a credit-control request and asks the OCS for it.
// Subscribers without online charging and zero-rated services are granted
// without an OCS round trip.
func (e *Engine) AuthorizeCredit(ctx context.Context, req charging.CreditRequest) (charging.Authorization, error) {
	if strings.TrimSpace(req.SubscriberID) == "" {
		return charging.Authorization{}, fmt.Errorf("%w: subscriber_id required", contract.ErrInvalidRequest)
	}
	if req.RequestedBytes < 0 || req.UsedBytes < 0 {
		return charging.Authorization{}, fmt.Errorf("%w: requested %d used %d",
			contract.ErrInvalidUsage, req.RequestedBytes, req.UsedBytes)
	}
	profile, err := e.lookup(ctx, req.SubscriberID, "", false)
	if err != nil {
		return charging.Authorization{}, err
	}

	sel := e.charging.Select(profile, contract.PolicyRequest{
		SubscriberID:  req.SubscriberID,
		ServiceType:   req.ServiceType,
		ApplicationID: req.ApplicationID,
		SessionID:     req.SessionID,
	})
	if !sel.Online || sel.ZeroRated {
		return charging.Authorization{GrantedBytes: req.RequestedBytes}, nil
	}
	return e.authorize(ctx, charging.AuthorizationRequest{
		SubscriberID:   req.SubscriberID,
		SessionID:      req.SessionID,
		RatingGroup:    sel.Rate.RatingGroup,
		RequestedBytes: req.RequestedBytes,
		UsedBytes:      req.UsedBytes,
		Amount:         sel.Rate.Cost(req.RequestedBytes),
	})
}

// TerminateSession accounts the final usage of a session and closes its
// offline charging with a stop record.
func (e *Engine) TerminateSession(ctx context.Context, req contract.PolicyRequest) error {
	if req.UsedBytes < 0 {
		return fmt.Errorf("%w: used_bytes %d", contract.ErrInvalidUsage, req.UsedBytes)
	}
	profile, err := e.lookup(ctx, req.SubscriberID, req.IMSI, false)
	if err != nil {
		return err
	}
	sel := e.charging.Select(profile, req)
	if req.UsedBytes > 0 {
		if _, err := e.quota.Account(ctx, contract.Usage{
			SubscriberID: req.SubscriberID,
			Bytes:        req.UsedBytes,
			ZeroRated:    sel.ZeroRated,
			Service:      usageService(req),
		}); err != nil {
			return err
		}
	}
	if sel.Offline {
		e.submitRecord(charging.NewRecord(sel, req.SubscriberID, req.SessionID, charging.RecordStop, req.UsedBytes))
	}
	e.publisher.Publish(events.New(events.SessionTerminated, req.SubscriberID, map[string]any{
		"session_id": req.SessionID,
		"used_bytes": req.UsedBytes,
	}))
	return nil
}

// ChargeRecord prices bytes for the subscriber in req as a CDR of type typ.
func (e *Engine) ChargeRecord(ctx context.Context, req contract.PolicyRequest, typ charging.RecordType, bytes int64) (charging.ChargeRecord, error) {
	if bytes < 0 {
		return charging.ChargeRecord{}, fmt.Errorf("%w: %d bytes", contract.ErrInvalidUsage, bytes)
	}
	profile, err := e.lookup(ctx, req.SubscriberID, req.IMSI, false)
	if err != nil {
		return charging.ChargeRecord{}, err
	}
	sel := e.charging.Select(profile, req)
	return charging.NewRecord(sel, req.SubscriberID, req.SessionID, typ, bytes), nil
}
