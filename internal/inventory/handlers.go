package inventory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps service errors to status codes and a JSON body
func writeError(w http.ResponseWriter, err error) {
	setCORSHeaders(w)

	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: verr.Error(), Code: errCodeValidation, Fields: verr.Fields})
	case errors.Is(err, ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Item not found", Code: errCodeNotFound})
	case errors.Is(err, ErrInsufficientStock):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: errCodeInsufficientStock})
	case errors.Is(err, ErrConflict):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: errCodeConflict})
	default:
		slog.Error("Inventory request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}

// handleHealth reports liveness
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListItems returns all items, or the single item matching ?code=
func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	if code := strings.TrimSpace(r.URL.Query().Get("code")); code != "" {
		item, err := s.catalog.FindByCode(r.Context(), code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	items, err := s.catalog.ListItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	// Ensure we always return an array, not nil
	if items == nil {
		items = []*Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetItem returns a single item
func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.catalog.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// handleCreateItem handles the create-item form
func (s *Server) handleCreateItem(w http.ResponseWriter, r *http.Request) {
	var req NewItem
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		setCORSHeaders(w)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	item, err := s.catalog.CreateItem(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Item created", "id", item.ID, "code", item.Code, "stock", item.StockOnHand)
	writeJSON(w, http.StatusCreated, item)
}

// handleApplyTransaction applies a stock mutation keyed by the
// Idempotency-Key header
func (s *Server) handleApplyTransaction(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		setCORSHeaders(w)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	m := Mutation{
		ItemID:         r.PathValue("id"),
		Operation:      req.Operation,
		Quantity:       req.Quantity,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	item, err := s.catalog.ApplyTransaction(r.Context(), m)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Transaction applied",
		"item_id", m.ItemID,
		"operation", m.Operation,
		"quantity", m.Quantity,
		"idempotency_key", m.IdempotencyKey,
		"stock", item.StockOnHand,
	)
	writeJSON(w, http.StatusOK, item)
}
