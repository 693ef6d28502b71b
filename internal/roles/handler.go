package roles

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/keystone/internal/platform/httpx"
)

// Handler serves role permission mutation endpoints. The caller's policy
// layer has already authorised the actor; the actor id arrives in the
// X-Actor-ID header.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers role routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.listRoles)
	r.Get("/{roleID}/permissions", h.listPermissions)
	r.Post("/{roleID}/permissions", h.addPermission)
	r.Put("/{roleID}/permissions", h.syncPermissions)
	r.Delete("/{roleID}/permissions/{permission}", h.removePermission)
}

type roleResponse struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.logger.Error("list roles", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]roleResponse, 0, len(result))
	for _, role := range result {
		out = append(out, roleResponse{ID: role.ID, Slug: role.Slug, Name: role.Name})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": out})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, actorOK := h.roleID(w, r)
	if !actorOK {
		return
	}
	ids, err := h.service.PermissionIDs(r.Context(), roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permission_ids": ids})
}

type addPermissionRequest struct {
	Permission string `json:"permission" validate:"required"`
}

func (h *Handler) addPermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}
	var req addPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.AddPermissionToRole(r.Context(), roleID, req.Permission, actorID); err != nil {
		h.logger.Error("add role permission", slog.Int64("role_id", roleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "added"})
}

type syncPermissionsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

func (h *Handler) syncPermissions(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}
	var req syncPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.service.SyncRolePermissions(r.Context(), roleID, req.PermissionIDs, actorID); err != nil {
		h.logger.Error("sync role permissions", slog.Int64("role_id", roleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "synced"})
}

func (h *Handler) removePermission(w http.ResponseWriter, r *http.Request) {
	roleID, ok := h.roleID(w, r)
	if !ok {
		return
	}
	actorID, ok := h.actorID(w, r)
	if !ok {
		return
	}
	permission := chi.URLParam(r, "permission")
	if err := h.service.RemovePermissionFromRole(r.Context(), roleID, permission, actorID); err != nil {
		h.logger.Error("remove role permission", slog.Int64("role_id", roleID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	roleID, err := strconv.ParseInt(chi.URLParam(r, "roleID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "role id must be numeric")
		return 0, false
	}
	return roleID, true
}

func (h *Handler) actorID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actorID, err := strconv.ParseInt(r.Header.Get("X-Actor-ID"), 10, 64)
	if err != nil || actorID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "X-Actor-ID header required")
		return 0, false
	}
	return actorID, true
}
