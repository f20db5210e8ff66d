package api

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/erazemk/sejem/internal/apperr"
	"github.com/erazemk/sejem/internal/imaging"
	"github.com/erazemk/sejem/internal/model"
	"github.com/erazemk/sejem/internal/store"
)

// ItemsHandler handles listing endpoints.
type ItemsHandler struct {
	DB *sql.DB
}

type itemRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

type itemResponse struct {
	Item     *model.Item `json:"item"`
	Favorite bool        `json:"favorite"`
}

// List handles GET /api/items. ?mine=true lists the caller's own
// listings in every status; otherwise ?status filters.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		items []model.Item
		err   error
	)
	if q.Get("mine") == "true" {
		items, err = store.ListItemsByOwner(r.Context(), h.DB, GetClaims(r.Context()).UserID)
	} else {
		status := q.Get("status")
		switch status {
		case "", model.ItemStatusActive, model.ItemStatusPending, model.ItemStatusSold:
		default:
			writeError(w, r, apperr.Validation("status", "unknown item status"))
			return
		}
		items, err = store.ListItems(r.Context(), h.DB, status)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, items)
}

// Create handles POST /api/items.
func (h *ItemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	item, err := store.CreateItem(r.Context(), h.DB, claims.UserID, req.Title, req.Description, req.Price)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusCreated, item)
}

// Get handles GET /api/items/{id}. Every fetch counts as a view.
func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	if err := store.IncrementViews(r.Context(), h.DB, id); err != nil {
		writeError(w, r, err)
		return
	}

	item, err := store.GetItem(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if item == nil {
		writeError(w, r, apperr.NotFound("item"))
		return
	}

	fav, err := store.IsFavorite(r.Context(), h.DB, GetClaims(r.Context()).UserID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, itemResponse{Item: item, Favorite: fav})
}

// Update handles PUT /api/items/{id}.
func (h *ItemsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	var req itemRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	item, err := store.UpdateItem(r.Context(), h.DB, claims.UserID, id, req.Title, req.Description, req.Price)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResponse(w, http.StatusOK, item)
}

// Delete handles DELETE /api/items/{id}.
func (h *ItemsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	if err := store.DeleteItem(r.Context(), h.DB, GetClaims(r.Context()).UserID, id); err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "item deleted"})
}

// UploadImage handles PUT /api/items/{id}/image.
func (h *ItemsHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	// Room for the multipart envelope around the photo itself.
	r.Body = http.MaxBytesReader(w, r.Body, imaging.MaxUploadBytes+64<<10)
	if err := r.ParseMultipartForm(imaging.MaxUploadBytes); err != nil {
		writeError(w, r, apperr.Validation("image", "file too large or invalid multipart form"))
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, apperr.Validation("image", "image file required"))
		return
	}
	defer file.Close()

	photo, err := imaging.Prepare(file)
	switch {
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		writeError(w, r, apperr.Validation("image", "image must be JPEG or PNG"))
		return
	case errors.Is(err, imaging.ErrTooLarge):
		writeError(w, r, apperr.Validation("image", "image is too large"))
		return
	case err != nil:
		writeError(w, r, err)
		return
	}

	if err := store.SetItemImage(r.Context(), h.DB, GetClaims(r.Context()).UserID, id, photo.Data, photo.MIME); err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"message": "image uploaded",
		"width":   photo.Width,
		"height":  photo.Height,
	})
}

// GetImage handles GET /api/items/{id}/image.
func (h *ItemsHandler) GetImage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	data, mime, err := store.GetItemImage(r.Context(), h.DB, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		jsonError(w, http.StatusNotFound, "no image")
		return
	}

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

// ToggleFavorite handles POST /api/items/{id}/favorite.
func (h *ItemsHandler) ToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		jsonError(w, http.StatusBadRequest, "invalid item id")
		return
	}

	fav, count, err := store.ToggleFavorite(r.Context(), h.DB, GetClaims(r.Context()).UserID, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	jsonResponse(w, http.StatusOK, map[string]any{
		"favorite":      fav,
		"favoriteCount": count,
	})
}
