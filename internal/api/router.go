package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/erazemk/sejem/internal/checkout"
	"github.com/erazemk/sejem/internal/model"
)

// NewRouter creates the API router with all endpoints registered.
func NewRouter(db *sql.DB, jwtSecret string, svc *checkout.Service, reservationTTL time.Duration) http.Handler {
	mux := http.NewServeMux()

	authHandler := &AuthHandler{DB: db, JWTSecret: jwtSecret}
	usersHandler := &UsersHandler{DB: db}
	itemsHandler := &ItemsHandler{DB: db}
	cartHandler := &CartHandler{DB: db}
	ordersHandler := &OrdersHandler{DB: db, Checkout: svc}
	loyaltyHandler := &LoyaltyHandler{DB: db}
	adminHandler := &AdminHandler{Checkout: svc, ReservationTTL: reservationTTL}

	authMW := AuthMiddleware(jwtSecret, db)
	requireAdmin := RequireRole(model.RoleAdmin)
	authed := func(h http.HandlerFunc) http.Handler { return authMW(h) }

	// Public.
	mux.HandleFunc("POST /api/auth/register", authHandler.Register)
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)

	// Session.
	mux.Handle("PUT /api/auth/password", authed(authHandler.ChangePassword))
	mux.Handle("POST /api/auth/logout", authed(authHandler.Logout))

	// Users (admin only).
	mux.Handle("GET /api/users", authMW(requireAdmin(http.HandlerFunc(usersHandler.List))))

	// Items: anyone signed in can list; writes are checked against ownership.
	mux.Handle("GET /api/items", authed(itemsHandler.List))
	mux.Handle("POST /api/items", authed(itemsHandler.Create))
	mux.Handle("GET /api/items/{id}", authed(itemsHandler.Get))
	mux.Handle("PUT /api/items/{id}", authed(itemsHandler.Update))
	mux.Handle("DELETE /api/items/{id}", authed(itemsHandler.Delete))
	mux.Handle("PUT /api/items/{id}/image", authed(itemsHandler.UploadImage))
	mux.Handle("GET /api/items/{id}/image", authed(itemsHandler.GetImage))
	mux.Handle("POST /api/items/{id}/favorite", authed(itemsHandler.ToggleFavorite))

	// Cart.
	mux.Handle("GET /api/cart", authed(cartHandler.View))
	mux.Handle("POST /api/cart/add", authed(cartHandler.Add))
	mux.Handle("PUT /api/cart/update/{itemId}", authed(cartHandler.Update))
	mux.Handle("DELETE /api/cart/remove/{itemId}", authed(cartHandler.Remove))
	mux.Handle("DELETE /api/cart/clear", authed(cartHandler.Clear))

	// Orders.
	mux.Handle("POST /api/orders", authed(ordersHandler.Create))
	mux.Handle("GET /api/orders/my-purchases", authed(ordersHandler.MyPurchases))
	mux.Handle("GET /api/orders/my-sales", authed(ordersHandler.MySales))
	mux.Handle("GET /api/orders/pending", authed(ordersHandler.Pending))
	mux.Handle("GET /api/orders/{id}", authed(ordersHandler.Get))
	mux.Handle("POST /api/orders/{id}/confirm", authed(ordersHandler.Pay))
	mux.Handle("POST /api/orders/{id}/cancel", authed(ordersHandler.Cancel))
	mux.Handle("PUT /api/orders/{id}/status", authed(ordersHandler.UpdateStatus))
	mux.Handle("POST /api/orders/{id}/verify", authed(ordersHandler.Verify))

	// Loyalty.
	mux.Handle("GET /api/loyalty/points", authed(loyaltyHandler.Points))

	// Admin.
	mux.Handle("POST /api/admin/orders/expire", authMW(requireAdmin(http.HandlerFunc(adminHandler.ExpireOrders))))

	return mux
}
