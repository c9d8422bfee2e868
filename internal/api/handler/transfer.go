package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ayo6706/account-eventsourcing/internal/domain"
	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/service"
)

type TransferHandler struct {
	coordinator *service.TransferCoordinator
}

func NewTransferHandler(coordinator *service.TransferCoordinator) *TransferHandler {
	return &TransferHandler{coordinator: coordinator}
}

type createTransferRequest struct {
	TransferID    string          `json:"transfer_id"`
	FromAccountID string          `json:"from_account_id"`
	ToAccountID   string          `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
}

type transferResponse struct {
	models.Transfer
	Transitions []models.TransferTransition `json:"transitions"`
}

// CreateTransfer runs a transfer to completion or failure. The Idempotency-Key
// header is used as the transfer id when the body does not carry one; a
// resubmission with the same id returns the recorded outcome.
func (h *TransferHandler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req createTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	transferID := strings.TrimSpace(req.TransferID)
	if transferID == "" {
		transferID = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	res, err := h.coordinator.Transfer(r.Context(), service.TransferRequest{
		TransferID:    transferID,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
	})
	if err != nil {
		if res != nil {
			transferID = res.TransferID
		}
		if errors.Is(err, domain.ErrTransferInconsistency) {
			w.Header().Set("Retry-After", "30")
		}
		respondDomainError(w, r, err, transferID)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

func (h *TransferHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.coordinator.GetTransfer(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err, "")
		return
	}
	transitions, err := h.coordinator.TransferHistory(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err, "")
		return
	}
	RespondJSON(w, http.StatusOK, transferResponse{Transfer: *t, Transitions: transitions})
}
