package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/lendliq/internal/domain"
	"github.com/alanyoungcy/lendliq/internal/lending"
	"github.com/alanyoungcy/lendliq/internal/service"
	"github.com/alanyoungcy/lendliq/internal/view"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	Position(ctx context.Context, userID string) (domain.UserPosition, error)
	Health(ctx context.Context, userID string) ([]service.PairHealth, error)
	Quote(ctx context.Context, userID, collateralAssetID, borrowedAssetID string) (lending.Quote, error)
}

// PositionHandler serves position and quote endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// pairHealth is one entry of a position's health report. Quote is absent
// when the pair could not be priced.
type pairHealth struct {
	Collateral string      `json:"collateral_asset_id"`
	Borrowed   string      `json:"borrowed_asset_id"`
	Quote      *view.Quote `json:"quote,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type positionResponse struct {
	Position view.Position `json:"position"`
	Health   []pairHealth  `json:"health"`
}

// GetPosition returns a user's position and the health of every
// (collateral, borrowed) pair.
// GET /api/positions/{user}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	user := pathParam(r, "user")
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing user")
		return
	}

	pos, err := h.positions.Position(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	pairs, err := h.positions.Health(r.Context(), user)
	if err != nil {
		writeServiceError(w, r, h.logger, "position health", err)
		return
	}

	health := make([]pairHealth, 0, len(pairs))
	for _, p := range pairs {
		entry := pairHealth{Collateral: p.Pair.Collateral, Borrowed: p.Pair.Borrowed}
		if p.Err != nil {
			entry.Error = p.Err.Error()
		} else {
			q := view.FromQuote(p.Quote)
			entry.Quote = &q
		}
		health = append(health, entry)
	}

	writeJSON(w, http.StatusOK, positionResponse{Position: view.FromPosition(pos), Health: health})
}

// GetQuote evaluates one pair without mutating anything.
// GET /api/quote?user=...&collateral=...&borrowed=...
func (h *PositionHandler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, collateral, borrowed := q.Get("user"), q.Get("collateral"), q.Get("borrowed")
	if user == "" || collateral == "" || borrowed == "" {
		writeError(w, http.StatusBadRequest, "user, collateral and borrowed query parameters required")
		return
	}

	quote, err := h.positions.Quote(r.Context(), user, collateral, borrowed)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, view.FromQuote(quote))
}
