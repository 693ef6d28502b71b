package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/keystone/internal/platform/httpx"
)

// Handler serves the audit timeline.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/entries", h.timeline)
}

type entryResponse struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	PermissionID int64          `json:"permission_id"`
	Action       string         `json:"action"`
	ActorID      int64          `json:"actor_id"`
	Context      map[string]any `json:"context,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	filters := TimelineFilters{Action: r.URL.Query().Get("action")}
	filters.UserID = parseOptionalInt(r.URL.Query().Get("user_id"))
	filters.PermissionID = parseOptionalInt(r.URL.Query().Get("permission_id"))
	filters.ActorID = parseOptionalInt(r.URL.Query().Get("actor_id"))
	filters.Page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	filters.PageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if from := r.URL.Query().Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			filters.From = t
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filters.To = t
		}
	}

	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	entries := make([]entryResponse, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, entryResponse{
			ID:           e.ID,
			UserID:       e.UserID,
			PermissionID: e.PermissionID,
			Action:       string(e.Action),
			ActorID:      e.ActorID,
			Context:      e.Context,
			CreatedAt:    e.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries, "paging": result.Paging})
}

func parseOptionalInt(value string) *int64 {
	if value == "" {
		return nil
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return nil
	}
	return &id
}
