// Package engine is the single entry point for policy decisions. It
// coordinates the subscriber store, QoS resolution, charging selection,
// quota accounting and the AI hooks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/searchforge/pcf/aihook"
	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/events"
	"github.com/searchforge/pcf/guard"
	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/obs"
	"github.com/searchforge/pcf/qos"
	"github.com/searchforge/pcf/quota"
	"github.com/searchforge/pcf/store"
)

const (
	defaultValidityPeriod     = 3600
	quotaExceededReason       = "quota_exceeded"
	insufficientBalanceReason = "insufficient_balance"
)

// ProfileSource is an external system of record for subscriber profiles.
// Lookup returns contract.ErrNotFound when the subscriber is unknown.
type ProfileSource interface {
	Lookup(ctx context.Context, subscriberID string) (contract.SubscriberProfile, error)
	Save(ctx context.Context, profile contract.SubscriberProfile) error
}

// ProvisionTemplate describes the profile created for unknown subscribers
// when auto-provisioning is on.
type ProvisionTemplate struct {
	PlanName         string                       `mapstructure:"plan_name"`
	PlanType         contract.PlanType            `mapstructure:"plan_type"`
	QuotaBytes       int64                        `mapstructure:"quota_bytes"`
	ThresholdPercent int                          `mapstructure:"threshold_percent"`
	Networks         []contract.NetworkGeneration `mapstructure:"networks"`
	ActivePolicies   []string                     `mapstructure:"active_policies"`
}

// Config groups engine settings.
type Config struct {
	EvaluationBudget time.Duration     `mapstructure:"evaluation_budget"`
	ValidityPeriod   int               `mapstructure:"validity_period_seconds"`
	AutoProvision    bool              `mapstructure:"auto_provision"`
	Provision        ProvisionTemplate `mapstructure:"provision"`
}

// Deps are the collaborators of an Engine. Store and OCS are required.
type Deps struct {
	Store     *store.Store
	Quota     *quota.Manager
	QoS       *qos.Resolver
	Charging  *charging.Engine
	OCS       charging.BalanceChecker
	AI        *aihook.Registry
	Records   charging.RecordSink
	Profiles  ProfileSource
	Publisher events.Publisher
	Metrics   *guard.Metrics
	Logger    *zap.Logger
}

// Engine evaluates policy requests.
type Engine struct {
	cfg       Config
	store     *store.Store
	quota     *quota.Manager
	qos       *qos.Resolver
	charging  *charging.Engine
	ocs       charging.BalanceChecker
	ai        *aihook.Registry
	records   charging.RecordSink
	profiles  ProfileSource
	publisher events.Publisher
	metrics   *guard.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs an engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if deps.OCS == nil {
		return nil, fmt.Errorf("balance checker required")
	}
	if cfg.EvaluationBudget < 0 {
		return nil, guard.ErrInvalidBudget
	}
	if cfg.ValidityPeriod <= 0 {
		cfg.ValidityPeriod = defaultValidityPeriod
	}
	if cfg.AutoProvision {
		if err := cfg.Provision.validate(); err != nil {
			return nil, err
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.Nop{}
	}
	qm := deps.Quota
	if qm == nil {
		qm = quota.NewManager(deps.Store, nil, quota.WithPublisher(publisher), quota.WithLogger(logger))
	}
	resolver := deps.QoS
	if resolver == nil {
		resolver = qos.NewResolver()
	}
	ch := deps.Charging
	if ch == nil {
		ch = charging.NewEngine(nil, nil)
	}
	ai := deps.AI
	if ai == nil {
		ai = aihook.NewRegistry(nil, 0, logger, publisher)
	}

	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		quota:     qm,
		qos:       resolver,
		charging:  ch,
		ocs:       deps.OCS,
		ai:        ai,
		records:   deps.Records,
		profiles:  deps.Profiles,
		publisher: publisher,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (t ProvisionTemplate) validate() error {
	if t.PlanName == "" {
		return fmt.Errorf("provision template: plan_name required")
	}
	if !t.PlanType.Valid() {
		return fmt.Errorf("provision template: unknown plan_type %q", t.PlanType)
	}
	if t.QuotaBytes < 0 {
		return fmt.Errorf("provision template: negative quota")
	}
	if len(t.Networks) == 0 {
		return fmt.Errorf("provision template: networks required")
	}
	for _, g := range t.Networks {
		if !g.Valid() {
			return fmt.Errorf("provision template: unknown network %q", g)
		}
	}
	return nil
}

// Store returns the subscriber store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Charging returns the charging rules engine.
func (e *Engine) Charging() *charging.Engine {
	return e.charging
}

// QoS returns the QoS resolver.
func (e *Engine) QoS() *qos.Resolver {
	return e.qos
}

// Evaluate produces the policy decision for req.
//
// A call without a deadline gets the configured evaluation budget. A
// deadline that expires before quota is committed yields ErrTimeout and
// leaves quota and balance untouched; once quota is committed the decision
// is returned. A declined prepaid balance is a decision, not an error.
func (e *Engine) Evaluate(ctx context.Context, req contract.PolicyRequest) (contract.PolicyDecision, error) {
	start := time.Now()
	if _, ok := ctx.Deadline(); !ok && e.cfg.EvaluationBudget > 0 {
		budget, err := guard.NewBudgetArbiter(ctx, e.cfg.EvaluationBudget, e.metrics)
		if err != nil {
			return contract.PolicyDecision{}, err
		}
		defer budget.Release()
		ctx = budget.Context()
	}

	ctx, span := obs.StartSpan(ctx, "engine.evaluate",
		attribute.String("subscriber_id", req.SubscriberID),
		attribute.String("network_generation", string(req.NetworkGeneration)),
		attribute.String("service_type", req.ServiceType),
	)
	decision, err := e.evaluate(ctx, req)
	obs.EndSpan(span, err)

	traceID, _ := contract.TraceIDFromContext(ctx)
	obs.ObserveDecision(outcome(decision, err), time.Since(start), traceID)
	if err != nil {
		e.logger.Debug("policy evaluation failed",
			zap.String("subscriber_id", req.SubscriberID),
			zap.String("service_type", req.ServiceType),
			zap.Error(err),
		)
	}
	return decision, err
}

func outcome(d contract.PolicyDecision, err error) string {
	switch {
	case err != nil:
		return "error"
	case !d.AccessGranted:
		return "denied"
	case d.QuotaStatus.Exceeded && !d.ZeroRated():
		return "throttled"
	default:
		return "granted"
	}
}

func (e *Engine) evaluate(ctx context.Context, req contract.PolicyRequest) (contract.PolicyDecision, error) {
	if err := req.Validate(); err != nil {
		return contract.PolicyDecision{}, err
	}

	profile, err := e.lookup(ctx, req.SubscriberID, req.IMSI, e.cfg.AutoProvision)
	if err != nil {
		return contract.PolicyDecision{}, err
	}
	if !profile.Supports(req.NetworkGeneration) {
		return contract.PolicyDecision{}, fmt.Errorf("%w: %s does not support %s",
			contract.ErrUnsupportedNetwork, req.SubscriberID, req.NetworkGeneration)
	}

	var (
		params contract.QoSParameters
		sel    charging.Selection
		debit  *charging.AuthorizationRequest
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		params = e.qos.Resolve(qos.Input{
			ServiceType:   req.ServiceType,
			ApplicationID: req.ApplicationID,
			PlanName:      profile.PlanName,
			Generation:    req.NetworkGeneration,
		})
		return nil
	})
	g.Go(func() error {
		sel = e.charging.Select(profile, req)
		if !sel.Online || sel.ZeroRated {
			return nil
		}
		areq := charging.AuthorizationRequest{
			SubscriberID: req.SubscriberID,
			SessionID:    req.SessionID,
			RatingGroup:  sel.Rate.RatingGroup,
			UsedBytes:    req.UsedBytes,
		}
		// Session traffic is debited over Gy; Gx only requires the
		// account to be in credit.
		if req.SessionID == "" {
			areq.RequestedBytes = req.UsedBytes
			areq.Amount = sel.Rate.Cost(req.UsedBytes)
		}
		if _, err := e.authorize(gctx, areq); err != nil {
			return err
		}
		if areq.Amount.IsPositive() {
			debit = &areq
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if errors.Is(err, contract.ErrInsufficientBalance) {
			return e.decline(ctx, req, profile, sel, params)
		}
		return contract.PolicyDecision{}, err
	}
	if err := ctx.Err(); err != nil {
		e.refund(ctx, debit)
		return contract.PolicyDecision{}, contract.FromContext(err)
	}

	res, err := e.quota.Account(ctx, contract.Usage{
		SubscriberID: req.SubscriberID,
		Bytes:        req.UsedBytes,
		ZeroRated:    sel.ZeroRated,
		Service:      usageService(req),
	})
	if err != nil {
		e.refund(ctx, debit)
		return contract.PolicyDecision{}, err
	}

	decision := contract.PolicyDecision{
		SubscriberID:     req.SubscriberID,
		IMSI:             req.IMSI,
		AccessGranted:    true,
		PolicyRuleName:   "policy_" + profile.PlanName,
		ChargingRules:    sel.Rules,
		QuotaStatus:      res.Quota,
		ThresholdCrossed: res.ThresholdCrossed,
		ValidityPeriod:   e.cfg.ValidityPeriod,
		Timestamp:        e.now().UTC(),
	}

	// Zero-rated traffic is exempt from exhaustion treatment.
	q := res.Quota
	exhausted := q.Exceeded && !sel.ZeroRated
	switch {
	case exhausted && res.Policy.OnExhaustion == quota.ActionBlock:
		decision.AccessGranted = false
		decision.DenialReason = quotaExceededReason
		params = qos.Block(params)
	case exhausted && q.ThrottledBandwidthKbps != nil:
		params = qos.Throttle(params, *q.ThrottledBandwidthKbps)
	case e.ai.Enabled():
		adj := e.ai.Adjust(ctx, aihook.Input{Request: req, Profile: profile, QoS: params})
		params = adj.QoS
		decision.AIAdjusted = adj.Adjusted
	}
	decision.QoS = params

	e.afterDecision(req, sel, decision)
	return decision, nil
}

// decline answers a request whose prepaid balance cannot cover it. No
// quota is consumed and the bearer is blocked.
func (e *Engine) decline(ctx context.Context, req contract.PolicyRequest, profile contract.SubscriberProfile, sel charging.Selection, params contract.QoSParameters) (contract.PolicyDecision, error) {
	q, err := e.quota.Snapshot(ctx, req.SubscriberID)
	if err != nil {
		return contract.PolicyDecision{}, err
	}
	d := contract.PolicyDecision{
		SubscriberID:   req.SubscriberID,
		IMSI:           req.IMSI,
		AccessGranted:  false,
		DenialReason:   insufficientBalanceReason,
		PolicyRuleName: "policy_" + profile.PlanName,
		QoS:            qos.Block(params),
		ChargingRules:  sel.Rules,
		QuotaStatus:    q,
		ValidityPeriod: e.cfg.ValidityPeriod,
		Timestamp:      e.now().UTC(),
	}
	e.publishDecision(req, sel, d)
	return d, nil
}

// refund returns a debit whose usage was never committed to quota.
func (e *Engine) refund(ctx context.Context, debit *charging.AuthorizationRequest) {
	if debit == nil {
		return
	}
	if err := e.ocs.Refund(context.WithoutCancel(ctx), *debit); err != nil {
		e.logger.Warn("ocs refund failed",
			zap.String("subscriber_id", debit.SubscriberID),
			zap.String("amount", debit.Amount.String()),
			zap.Error(err),
		)
	}
}

func usageService(req contract.PolicyRequest) string {
	if req.ApplicationID != "" {
		return req.ApplicationID
	}
	return req.ServiceType
}

func (e *Engine) authorize(ctx context.Context, req charging.AuthorizationRequest) (charging.Authorization, error) {
	auth, err := e.ocs.Authorize(ctx, req)
	if err != nil {
		e.publisher.Publish(events.New(events.ChargingDeclined, req.SubscriberID, map[string]any{
			"session_id":   req.SessionID,
			"rating_group": req.RatingGroup,
			"amount":       req.Amount.String(),
			"error":        err.Error(),
		}))
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, contract.ErrTimeout) {
			return auth, contract.FromContext(ctxErr)
		}
		return auth, err
	}
	e.publisher.Publish(events.New(events.ChargingAuthorized, req.SubscriberID, map[string]any{
		"session_id":    req.SessionID,
		"rating_group":  req.RatingGroup,
		"amount":        req.Amount.String(),
		"granted_bytes": auth.GrantedBytes,
		"balance":       auth.Balance.String(),
	}))
	return auth, nil
}

// afterDecision hands the decision to the asynchronous collaborators.
func (e *Engine) afterDecision(req contract.PolicyRequest, sel charging.Selection, d contract.PolicyDecision) {
	e.publishDecision(req, sel, d)

	if sel.Offline && req.UsedBytes > 0 {
		typ := charging.RecordEvent
		if req.SessionID != "" {
			typ = charging.RecordInterim
		}
		e.submitRecord(charging.NewRecord(sel, req.SubscriberID, req.SessionID, typ, req.UsedBytes))
	}
}

func (e *Engine) publishDecision(req contract.PolicyRequest, sel charging.Selection, d contract.PolicyDecision) {
	e.publisher.Publish(events.New(events.PolicyDecision, req.SubscriberID, map[string]any{
		"session_id":     req.SessionID,
		"access_granted": d.AccessGranted,
		"policy_rule":    d.PolicyRuleName,
		"priority":       d.QoS.Priority.String(),
		"zero_rated":     sel.ZeroRated,
		"ai_adjusted":    d.AIAdjusted,
	}))
}

func (e *Engine) submitRecord(rec charging.ChargeRecord) {
	if e.records == nil {
		return
	}
	if !e.records.Submit(rec) {
		e.logger.Warn("charge record not queued",
			zap.String("subscriber_id", rec.SubscriberID),
			zap.String("record_id", rec.RecordID),
		)
	}
}
