package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/view"
)

// BankService defines the methods that the bank handler requires.
type BankService interface {
	Banks(ctx context.Context) ([]domain.Bank, error)
	Bank(ctx context.Context, assetID string) (domain.Bank, error)
}

// BankHandler serves bank endpoints.
type BankHandler struct {
	banks  BankService
	logger *slog.Logger
}

// NewBankHandler creates a BankHandler with the given service and logger.
func NewBankHandler(banks BankService, logger *slog.Logger) *BankHandler {
	return &BankHandler{banks: banks, logger: logHandler(logger, "bank")}
}

type listBanksResponse struct {
	Banks []view.Bank `json:"banks"`
}

// ListBanks returns every bank.
// GET /api/banks
func (h *BankHandler) ListBanks(w http.ResponseWriter, r *http.Request) {
	banks, err := h.banks.Banks(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list banks", err)
		return
	}
	out := make([]view.Bank, 0, len(banks))
	for _, b := range banks {
		out = append(out, view.FromBank(b))
	}
	writeJSON(w, http.StatusOK, listBanksResponse{Banks: out})
}

// GetBank returns one bank.
// GET /api/banks/{asset}
func (h *BankHandler) GetBank(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	if asset == "" {
		writeError(w, http.StatusBadRequest, "missing asset")
		return
	}
	b, err := h.banks.Bank(r.Context(), asset)
	if err != nil {
		writeServiceError(w, r, h.logger, "get bank", err)
		return
	}
	writeJSON(w, http.StatusOK, view.FromBank(b))
}
