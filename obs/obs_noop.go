//go:build nometrics

package obs

import (
	"context"
	"time"
)

func ObserveDecision(string, time.Duration, string) {}

func RecordDiameterAnswer(string, string, string) {}

func AddActiveSessions(float64) {}

func RecordQuotaEvent(string) {}

func RecordAIOutcome(string) {}

func RecordChargeRecord(string) {}

func InitTracer(string, float64) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}
