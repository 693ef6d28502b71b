package resolver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/keystone/internal/platform/httpx"
	"github.com/noah-isme/keystone/internal/shared"
)

// Handler serves the permission query API.
type Handler struct {
	logger   *slog.Logger
	resolver *CachedResolver
	impact   *Impact
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, resolver *CachedResolver, impact *Impact) *Handler {
	return &Handler{
		logger:   logger,
		resolver: resolver,
		impact:   impact,
		validate: validator.New(),
	}
}

// MountRoutes registers query routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/users/{userID}/permissions", h.resolve)
	r.Get("/users/{userID}/can", h.can)
	r.Post("/impact", h.previewImpact)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user id must be numeric")
		return
	}
	slugs, err := h.resolver.Resolve(r.Context(), userID)
	if err != nil {
		h.logger.Error("resolve permissions", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if slugs == nil {
		slugs = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": slugs})
}

func (h *Handler) can(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user id must be numeric")
		return
	}
	raw := r.URL.Query().Get("permission")
	if raw == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "permission query parameter required")
		return
	}

	// A comma-separated list is answered with any-of semantics.
	slugs := strings.Split(raw, ",")
	for i := range slugs {
		slugs[i] = strings.TrimSpace(slugs[i])
	}
	var allowed bool
	if len(slugs) == 1 {
		allowed, err = h.resolver.Can(r.Context(), userID, slugs[0])
	} else {
		allowed, err = h.resolver.CanAny(r.Context(), userID, slugs)
	}
	if err != nil {
		h.logger.Error("permission check", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"user_id": userID, "allowed": allowed})
}

type impactRequest struct {
	RoleID       int64  `json:"role_id" validate:"required,gt=0"`
	PermissionID int64  `json:"permission_id" validate:"required,gt=0"`
	Action       string `json:"action" validate:"required,oneof=add remove"`
}

func (h *Handler) previewImpact(w http.ResponseWriter, r *http.Request) {
	var req impactRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	preview, err := h.impact.PreviewImpact(r.Context(), req.RoleID, req.PermissionID, ImpactAction(req.Action))
	if err != nil {
		if !errors.Is(err, shared.ErrValidation) {
			h.logger.Error("impact preview", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}
