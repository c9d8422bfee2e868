package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ayo6706/account-eventsourcing/internal/models"
	"github.com/ayo6706/account-eventsourcing/internal/service"
)

type AccountHandler struct {
	accounts *service.AccountService
	queries  *service.QueryService
}

func NewAccountHandler(accounts *service.AccountService, queries *service.QueryService) *AccountHandler {
	return &AccountHandler{accounts: accounts, queries: queries}
}

// amountRequest accepts the amount as a JSON string ("12.50") or number.
type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type commandResponse struct {
	AccountID string `json:"account_id"`
	Version   uint64 `json:"version"`
}

func (h *AccountHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seq, err := h.accounts.Deposit(r.Context(), accountID, req.Amount)
	if err != nil {
		respondDomainError(w, r, err, "")
		return
	}
	RespondJSON(w, http.StatusOK, commandResponse{AccountID: accountID, Version: seq})
}

func (h *AccountHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	var req amountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	seq, err := h.accounts.Withdraw(r.Context(), accountID, req.Amount)
	if err != nil {
		respondDomainError(w, r, err, "")
		return
	}
	RespondJSON(w, http.StatusOK, commandResponse{AccountID: accountID, Version: seq})
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	view, err := h.queries.GetBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err, "")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

func (h *AccountHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queries.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, r, err, "")
		return
	}
	out := []models.HistoryEntry{}
	for e := range entries {
		out = append(out, e)
	}
	RespondJSON(w, http.StatusOK, out)
}
