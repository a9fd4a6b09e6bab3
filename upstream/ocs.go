package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/searchforge/pcf/charging"
	"github.com/searchforge/pcf/internal/contract"
)

const (
	ocsAuthorizePath = "/v1/balance/authorize"
	ocsRefundPath    = "/v1/balance/refund"
)

var _ charging.BalanceChecker = (*OCS)(nil)

// OCS authorizes prepaid usage against a remote online charging system.
type OCS struct {
	client *Client
}

// NewOCS wraps a client pointed at the OCS.
func NewOCS(client *Client) *OCS {
	return &OCS{client: client}
}

// Authorize implements charging.BalanceChecker.
func (o *OCS) Authorize(ctx context.Context, req charging.AuthorizationRequest) (charging.Authorization, error) {
	var auth charging.Authorization
	err := o.client.PostJSON(ctx, ocsAuthorizePath, req, &auth)
	if err == nil {
		return auth, nil
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		switch serr.Code {
		case http.StatusPaymentRequired, http.StatusForbidden:
			return charging.Authorization{}, fmt.Errorf("%w: %s", contract.ErrInsufficientBalance, serr.Body)
		case http.StatusNotFound:
			return charging.Authorization{}, fmt.Errorf("%w: ocs has no account for %s", contract.ErrNotFound, req.SubscriberID)
		default:
			return charging.Authorization{}, fmt.Errorf("%w: %w", contract.ErrInvalidRequest, serr)
		}
	}
	return charging.Authorization{}, err
}

// Refund implements charging.BalanceChecker.
func (o *OCS) Refund(ctx context.Context, req charging.AuthorizationRequest) error {
	if err := o.client.PostJSON(ctx, ocsRefundPath, req, nil); err != nil {
		var serr *StatusError
		if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
			return fmt.Errorf("%w: ocs has no account for %s", contract.ErrNotFound, req.SubscriberID)
		}
		return err
	}
	return nil
}
