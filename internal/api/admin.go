package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/erazemk/sejem/internal/checkout"
)

// AdminHandler handles maintenance endpoints.
type AdminHandler struct {
	Checkout       *checkout.Service
	ReservationTTL time.Duration
}

// ExpireOrders handles POST /api/admin/orders/expire. It runs one sweep
// of stale reservations immediately.
func (h *AdminHandler) ExpireOrders(w http.ResponseWriter, r *http.Request) {
	n, err := h.Checkout.ExpireStale(r.Context(), h.ReservationTTL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("manual expiry sweep", "user", GetClaims(r.Context()).Username, "expired", n)
	jsonResponse(w, http.StatusOK, map[string]int{"expired": n})
}
