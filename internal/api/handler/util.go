package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ayo6706/account-eventsourcing/internal/api/middleware"
	"github.com/ayo6706/account-eventsourcing/internal/api/problem"
	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/registry"
	"github.com/ayo6706/account-eventsourcing/internal/repository"
)

const maxBodyBytes = 1 << 20

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	problem.Write(w, r, status, typeURL(problemType), http.StatusText(status), message)
}

func typeURL(problemType string) string {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		return problem.Type(problemType)
	}
	return problemType
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// mapDomainError classifies err into an HTTP status and problem type.
func mapDomainError(err error) (status int, problemType string) {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusBadRequest, "account/invalid-amount"
	case errors.Is(err, domain.ErrSameAccount):
		return http.StatusBadRequest, "transfer/same-account"
	case errors.Is(err, domain.ErrMissingTransferID):
		return http.StatusBadRequest, "transfer/missing-id"
	case errors.Is(err, domain.ErrUnknownAccount):
		return http.StatusNotFound, "account/unknown-account"
	case errors.Is(err, domain.ErrTransferNotFound):
		return http.StatusNotFound, "transfer/not-found"
	case errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "account/insufficient-funds"
	case errors.Is(err, domain.ErrTransferConflict):
		return http.StatusConflict, "transfer/conflict"
	case errors.Is(err, domain.ErrTransferInProgress):
		return http.StatusConflict, "transfer/in-progress"
	case errors.Is(err, domain.ErrTransferReversed):
		return http.StatusConflict, "transfer/reversed"
	case errors.Is(err, domain.ErrTransferInconsistency):
		return http.StatusServiceUnavailable, "transfer/pending-recovery"
	case errors.Is(err, domain.ErrPersistenceFailure), errors.Is(err, repository.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store/unavailable"
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable, "service/shutting-down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request/timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request/canceled"
	default:
		return http.StatusInternalServerError, "internal-server-error"
	}
}

// respondDomainError writes err as a problem. Unexpected errors are logged and
// their text is not sent to the client.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error, transferID string) {
	status, problemType := mapDomainError(err)
	detail := err.Error()
	if status == http.StatusInternalServerError {
		zap.L().Error("unhandled request error",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("trace_id", middleware.TraceIDFromContext(r.Context())))
		detail = "unexpected server error"
	}
	problem.WriteDetails(w, r, problem.Details{
		Type:       typeURL(problemType),
		Status:     status,
		Detail:     detail,
		TransferID: transferID,
	})
}
