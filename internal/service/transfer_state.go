package service

import (
	"strings"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
)

var transferTransitions = map[string]map[string]struct{}{
	domain.TransferStatusInitiated: {
		domain.TransferStatusDebitApplied: {},
		domain.TransferStatusReversing:    {},
		domain.TransferStatusFailed:       {},
	},
	domain.TransferStatusDebitApplied: {
		domain.TransferStatusCompleted: {},
		domain.TransferStatusReversing: {},
	},
	// A transfer that entered REVERSING is never credited.
	domain.TransferStatusReversing: {
		domain.TransferStatusDebitReversed: {},
		domain.TransferStatusFailed:        {},
	},
	domain.TransferStatusDebitReversed: {
		domain.TransferStatusFailed: {},
	},
	domain.TransferStatusCompleted: {},
	domain.TransferStatusFailed:    {},
}

// pendingTransferStatuses are the statuses recovery resumes.
var pendingTransferStatuses = []string{
	domain.TransferStatusInitiated,
	domain.TransferStatusDebitApplied,
	domain.TransferStatusReversing,
	domain.TransferStatusDebitReversed,
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	current = normalizeState(current)
	next = normalizeState(next)
	nextStates, ok := transferTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}
