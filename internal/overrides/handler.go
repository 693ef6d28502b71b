package overrides

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/keystone/internal/platform/httpx"
)

// CleanupEnqueuer schedules an out-of-band expired-override sweep.
type CleanupEnqueuer interface {
	EnqueueOverrideCleanup(ctx context.Context) error
}

// Handler serves override mutation endpoints. The caller's policy layer has
// already authorised the actor; the actor id arrives in the X-Actor-ID header.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	cleanup  CleanupEnqueuer
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, cleanup CleanupEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, cleanup: cleanup, validate: validator.New()}
}

// MountRoutes registers override routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/cleanup", h.enqueueCleanup)
	r.Post("/{userID}/grant", h.grant)
	r.Post("/{userID}/revoke", h.revoke)
	r.Post("/{userID}/reset", h.reset)
	r.Put("/{userID}", h.sync)
	r.Delete("/{userID}/{permission}", h.remove)
}

type overrideRequest struct {
	Permission string     `json:"permission" validate:"required"`
	Reason     *string    `json:"reason,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

type overrideResponse struct {
	ID           int64      `json:"id"`
	UserID       int64      `json:"user_id"`
	PermissionID int64      `json:"permission_id"`
	Type         string     `json:"type"`
	Reason       *string    `json:"reason,omitempty"`
	GrantedBy    int64      `json:"granted_by"`
	GrantedAt    time.Time  `json:"granted_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	h.applyOverride(w, r, h.service.Grant)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	h.applyOverride(w, r, h.service.Revoke)
}

type applyFunc func(ctx context.Context, userID int64, permissionRef string, actorID int64, reason *string, expiresAt *time.Time) (Override, error)

func (h *Handler) applyOverride(w http.ResponseWriter, r *http.Request, apply applyFunc) {
	userID, actorID, ok := h.ids(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := apply(r.Context(), userID, req.Permission, actorID, req.Reason, req.ExpiresAt)
	if err != nil {
		h.logger.Error("apply override", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(result))
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	userID, actorID, ok := h.ids(w, r)
	if !ok {
		return
	}
	if err := h.service.ResetToRoleDefaults(r.Context(), userID, actorID); err != nil {
		h.logger.Error("reset overrides", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

type syncRequest struct {
	GrantIDs  []int64 `json:"grant_ids"`
	RevokeIDs []int64 `json:"revoke_ids"`
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	userID, actorID, ok := h.ids(w, r)
	if !ok {
		return
	}
	var req syncRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.service.SyncUserOverrides(r.Context(), userID, req.GrantIDs, req.RevokeIDs, actorID); err != nil {
		h.logger.Error("sync overrides", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	userID, actorID, ok := h.ids(w, r)
	if !ok {
		return
	}
	permission := chi.URLParam(r, "permission")
	if err := h.service.RemoveOverride(r.Context(), userID, permission, actorID); err != nil {
		h.logger.Error("remove override", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (h *Handler) enqueueCleanup(w http.ResponseWriter, r *http.Request) {
	if h.cleanup == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "cleanup queue not configured")
		return
	}
	if err := h.cleanup.EnqueueOverrideCleanup(r.Context()); err != nil {
		h.logger.Error("enqueue override cleanup", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (h *Handler) ids(w http.ResponseWriter, r *http.Request) (userID, actorID int64, ok bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "user id must be numeric")
		return 0, 0, false
	}
	actorID, err = strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	if err != nil || actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "X-Actor-ID header required")
		return 0, 0, false
	}
	return userID, actorID, true
}

func toResponse(o Override) overrideResponse {
	return overrideResponse{
		ID:           o.ID,
		UserID:       o.UserID,
		PermissionID: o.PermissionID,
		Type:         string(o.Type),
		Reason:       o.Reason,
		GrantedBy:    o.GrantedBy,
		GrantedAt:    o.GrantedAt,
		ExpiresAt:    o.ExpiresAt,
	}
}
