package api

import (
	"database/sql"
	"log/slog"
	"net/http"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/checkout"
	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/payment"
	"github.com/erazemk/sejem/internal/store"
)

// OrdersHandler handles checkout and the order lifecycle.
type OrdersHandler struct {
	DB       *sql.DB
	Checkout *checkout.Service
}

// createOrderRequest buys the caller's cart, or a single item when ItemID
// is set.
type createOrderRequest struct {
	ItemID          int64           `json:"itemId"`
	Quantity        int             `json:"quantity"`
	ShippingAddress model.Address   `json:"shippingAddress"`
	BillingAddress  model.Address   `json:"billingAddress"`
	PaymentMethod   payment.Details `json:"paymentMethod"`
}

type payOrderRequest struct {
	PaymentMethod payment.Details `json:"paymentMethod"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

type verifyOrderRequest struct {
	VerificationPin string `json:"verificationPin"`
}

type orderDetailResponse struct {
	Order   *model.Order         `json:"order"`
	History []model.StatusChange `json:"history"`
}

// Create handles POST /api/orders.
func (h *OrdersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	orders, err := h.Checkout.Checkout(r.Context(), checkout.Request{
		BuyerID:  claims.UserID,
		FromCart: req.ItemID == 0,
		ItemID:   req.ItemID,
		Quantity: req.Quantity,
		Shipping: req.ShippingAddress,
		Billing:  req.BillingAddress,
		Payment:  req.PaymentMethod,
	})
	if e, ok := apperr.As(err); ok && len(orders) > 0 {
		slog.Warn("checkout partially completed", "buyer", claims.Username, "confirmed", len(orders), "error", e.Message)
		jsonResponse(w, e.Code.HTTPStatus(), errorResponse{
			Error:    e.Message,
			Code:     e.Code,
			Metadata: e.Metadata,
			Orders:   orders,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("checkout completed", "buyer", claims.Username, "orders", len(orders))
	jsonResponse(w, http.StatusCreated, map[string]any{"orders": orders})
}

// MyPurchases handles GET /api/orders/my-purchases.
func (h *OrdersHandler) MyPurchases(w http.ResponseWriter, r *http.Request) {
	orders, err := store.ListOrdersByBuyer(r.Context(), h.DB, GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, orders)
}

// MySales handles GET /api/orders/my-sales.
func (h *OrdersHandler) MySales(w http.ResponseWriter, r *http.Request) {
	orders, err := store.ListOrdersBySeller(r.Context(), h.DB, GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, hideCodes(orders))
}

// Pending handles GET /api/orders/pending: the caller's sales that are
// neither delivered nor cancelled.
func (h *OrdersHandler) Pending(w http.ResponseWriter, r *http.Request) {
	orders, err := store.ListOpenSales(r.Context(), h.DB, GetClaims(r.Context()).UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, hideCodes(orders))
}

// Get handles GET /api/orders/{id}. Only the buyer and the seller can see
// an order, and only the buyer sees its verification code.
func (h *OrdersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	claims := GetClaims(r.Context())
	o, err := store.GetOrder(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if o == nil || (o.BuyerID != claims.UserID && o.SellerID != claims.UserID) {
		writeError(w, r, apperr.NotFound("order"))
		return
	}

	history, err := store.ListOrderHistory(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, orderDetailResponse{
		Order:   viewFor(claims.UserID, o),
		History: history,
	})
}

// Pay handles POST /api/orders/{id}/confirm: the buyer pays for an order
// that is still pending.
func (h *OrdersHandler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req payOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	o, err := h.Checkout.Settle(r.Context(), GetClaims(r.Context()).UserID, id, req.PaymentMethod)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, o)
}

// Cancel handles POST /api/orders/{id}/cancel.
func (h *OrdersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req cancelOrderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Checkout.Cancel(r.Context(), claims.UserID, id, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, viewFor(claims.UserID, o))
}

// UpdateStatus handles PUT /api/orders/{id}/status.
func (h *OrdersHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req orderStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Checkout.AdvanceStatus(r.Context(), claims.UserID, id, req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, viewFor(claims.UserID, o))
}

// Verify handles POST /api/orders/{id}/verify.
func (h *OrdersHandler) Verify(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid order id")
		return
	}

	var req verifyOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	o, err := h.Checkout.Verify(r.Context(), claims.UserID, id, req.VerificationPin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, viewFor(claims.UserID, o))
}

// viewFor returns the order as userID may see it.
func viewFor(userID int64, o *model.Order) *model.Order {
	if o.BuyerID == userID {
		return o
	}
	redacted := *o
	redacted.VerificationCode = ""
	return &redacted
}

func hideCodes(orders []model.Order) []model.Order {
	for i := range orders {
		orders[i].VerificationCode = ""
	}
	return orders
}
