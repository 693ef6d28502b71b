package catalog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/keystone/internal/platform/httpx"
)

// Handler serves read-only catalog endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.listPermissions)
}

type permissionResponse struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	Group     string    `json:"group"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("active") == "true"
	perms, err := h.service.List(r.Context(), onlyActive)
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, permissionResponse{
			ID:        p.ID,
			Slug:      p.Slug,
			Group:     p.Group,
			Active:    p.Active,
			CreatedAt: p.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}
