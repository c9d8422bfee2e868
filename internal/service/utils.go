package service

import (
	"context"
	"errors"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
)

// resultLabel buckets a command outcome for metrics.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsClientError(err):
		return "rejected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}
