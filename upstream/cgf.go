package upstream

import (
	"context"

	"github.com/searchforge/pcf/charging"
)

const cgfRecordPath = "/v1/cdr"

// CGF delivers offline charging records to a charging gateway.
type CGF struct {
	client *Client
}

// NewCGF wraps a client pointed at the CGF.
func NewCGF(client *Client) *CGF {
	return &CGF{client: client}
}

// Send posts one record.
func (g *CGF) Send(ctx context.Context, rec charging.ChargeRecord) error {
	return g.client.PostJSON(ctx, cgfRecordPath, rec, nil)
}
