package api

import (
	"database/sql"
	"net/http"

	"github.com/erazemk/sejem/internal/store"
)

// UsersHandler serves the admin user listing.
type UsersHandler struct {
	DB *sql.DB
}

// List handles GET /api/users.
func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := store.ListUsers(r.Context(), h.DB)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, users)
}
