package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/service"
	"github.com/alanyoungcy/lendliq/internal/view"
)

const maxBodyBytes = 1 << 16

// LiquidationSubmitter runs signed liquidation requests.
type LiquidationSubmitter interface {
	Submit(ctx context.Context, req service.SignedLiquidation) (domain.LiquidationRecord, error)
}

// LiquidationHandler serves liquidation endpoints.
type LiquidationHandler struct {
	submitter LiquidationSubmitter
	records   domain.LiquidationStore
	logger    *slog.Logger
}

// NewLiquidationHandler creates a LiquidationHandler.
func NewLiquidationHandler(submitter LiquidationSubmitter, records domain.LiquidationStore, logger *slog.Logger) *LiquidationHandler {
	return &LiquidationHandler{
		submitter: submitter,
		records:   records,
		logger:    logHandler(logger, "liquidation"),
	}
}

type listLiquidationsResponse struct {
	Liquidations []view.Liquidation `json:"liquidations"`
}

// Liquidate executes one signed liquidation.
// POST /api/liquidations
func (h *LiquidationHandler) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req service.SignedLiquidation
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	a := req.Auth
	if a.Liquidator == "" || a.User == "" || a.CollateralAsset == "" || a.BorrowedAsset == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest,
			"authorization.liquidator, user, collateralAsset, borrowedAsset and signature are required")
		return
	}

	rec, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusCreated, view.FromLiquidation(rec))
}

// ListLiquidations returns recent liquidations, newest first, optionally for
// one user.
// GET /api/liquidations?user=...&limit=50&offset=0
func (h *LiquidationHandler) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var recs []domain.LiquidationRecord
	if user := r.URL.Query().Get("user"); user != "" {
		recs, err = h.records.ListByUser(r.Context(), user, opts)
	} else {
		recs, err = h.records.List(r.Context(), opts)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "list liquidations", err)
		return
	}

	writeJSON(w, http.StatusOK, listLiquidationsResponse{Liquidations: view.Liquidations(recs)})
}
