package charging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordType is the position of a CDR in its session.
type RecordType string

const (
	RecordStart   RecordType = "start"
	RecordInterim RecordType = "interim"
	RecordStop    RecordType = "stop"
	RecordEvent   RecordType = "event"
)

// ChargeRecord is an offline charging detail record.
type ChargeRecord struct {
	RecordID     string          `json:"record_id"`
	SessionID    string          `json:"session_id,omitempty"`
	SubscriberID string          `json:"subscriber_id"`
	Type         RecordType      `json:"record_type"`
	UsedBytes    int64           `json:"used_bytes"`
	RatingGroup  int             `json:"rating_group"`
	ZeroRated    bool            `json:"zero_rated"`
	Amount       decimal.Decimal `json:"amount"`
	Timestamp    time.Time       `json:"timestamp"`
}

// RecordSink accepts CDRs without blocking. Submit reports whether the
// record was queued.
type RecordSink interface {
	Submit(rec ChargeRecord) bool
}

// NewRecord prices bytes under sel and returns a CDR.
func NewRecord(sel Selection, subscriberID, sessionID string, typ RecordType, bytes int64) ChargeRecord {
	amount := decimal.Zero
	if !sel.ZeroRated {
		amount = sel.Rate.Cost(bytes)
	}
	return ChargeRecord{
		RecordID:     uuid.NewString(),
		SessionID:    sessionID,
		SubscriberID: subscriberID,
		Type:         typ,
		UsedBytes:    bytes,
		RatingGroup:  sel.Rate.RatingGroup,
		ZeroRated:    sel.ZeroRated,
		Amount:       amount,
		Timestamp:    time.Now().UTC(),
	}
}
