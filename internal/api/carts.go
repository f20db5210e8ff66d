package api

import (
	"database/sql"
	"net/http"

	"github.com/erazemk/sejem/internal/store"
)

// CartHandler handles the caller's cart.
type CartHandler struct {
	DB *sql.DB
}

type addToCartRequest struct {
	ItemID   int64 `json:"itemId"`
	Quantity int   `json:"quantity"`
}

type updateCartRequest struct {
	Quantity int `json:"quantity"`
}

// View handles GET /api/cart.
func (h *CartHandler) View(w http.ResponseWriter, r *http.Request) {
	h.respondWithCart(w, r, http.StatusOK)
}

// Add handles POST /api/cart/add. Quantity defaults to 1.
func (h *CartHandler) Add(w http.ResponseWriter, r *http.Request) {
	var req addToCartRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ItemID <= 0 {
		jsonError(w, http.StatusBadRequest, "itemId required")
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	if err := store.AddToCart(r.Context(), h.DB, GetClaims(r.Context()).UserID, req.ItemID, req.Quantity); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondWithCart(w, r, http.StatusOK)
}

// Update handles PUT /api/cart/update/{itemId}. A quantity of zero
// removes the entry.
func (h *CartHandler) Update(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(r, "itemId")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req updateCartRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := store.UpdateCartQuantity(r.Context(), h.DB, GetClaims(r.Context()).UserID, itemID, req.Quantity); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondWithCart(w, r, http.StatusOK)
}

// Remove handles DELETE /api/cart/remove/{itemId}.
func (h *CartHandler) Remove(w http.ResponseWriter, r *http.Request) {
	itemID, ok := pathID(r, "itemId")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	if err := store.RemoveFromCart(r.Context(), h.DB, GetClaims(r.Context()).UserID, itemID); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondWithCart(w, r, http.StatusOK)
}

// Clear handles DELETE /api/cart/clear.
func (h *CartHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := store.ClearCart(r.Context(), h.DB, GetClaims(r.Context()).UserID); err != nil {
		writeError(w, r, err)
		return
	}
	h.respondWithCart(w, r, http.StatusOK)
}

func (h *CartHandler) respondWithCart(w http.ResponseWriter, r *http.Request, status int) {
	cart, err := store.ViewCart(r.Context(), h.DB, GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, status, cart)
}
