package api

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/store"
)

// LoyaltyHandler serves loyalty balances.
type LoyaltyHandler struct {
	DB *sql.DB
}

type pointsResponse struct {
	Account      *model.LoyaltyAccount      `json:"account"`
	Transactions []model.LoyaltyTransaction `json:"transactions"`
}

// Points handles GET /api/loyalty/points. ?limit caps the number of
// transactions returned.
func (h *LoyaltyHandler) Points(w http.ResponseWriter, r *http.Request) {
	userID := GetClaims(r.Context()).UserID

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit > 200 {
		limit = 200
	}

	account, err := store.GetLoyaltyAccount(r.Context(), h.DB, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := store.ListLoyaltyTransactions(r.Context(), h.DB, userID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, pointsResponse{Account: account, Transactions: txs})
}
