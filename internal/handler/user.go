package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/dukerupert/raisetracker/internal/auth"
	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/dukerupert/raisetracker/internal/store"
	"github.com/dukerupert/raisetracker/internal/websocket"
)

type UserHandler struct {
	broadcaster
	users  *store.UserStore
	logger *slog.Logger
}

func NewUserHandler(us *store.UserStore, hub *websocket.Hub, logger *slog.Logger) *UserHandler {
	return &UserHandler{broadcaster: broadcaster{hub: hub}, users: us, logger: logger}
}

// List returns full records to admins and id/name pairs to everyone else.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.List(r.Context())
	if err != nil {
		internalError(w, h.logger, "list users", err)
		return
	}

	if auth.IsAdmin(r.Context()) {
		if users == nil {
			users = []model.User{}
		}
		writeJSON(w, http.StatusOK, users)
		return
	}

	summaries := make([]model.UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, model.UserSummary{ID: u.ID, DisplayName: u.DisplayName})
	}
	writeJSON(w, http.StatusOK, summaries)
}

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
	IsAdmin     bool   `json:"isAdmin"`
}

func isEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if !isEmail(req.Username) {
		writeError(w, http.StatusBadRequest, "Username must be a valid email address")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		req.DisplayName = req.Username
	}

	user, err := h.users.Create(r.Context(), req.Username, req.DisplayName, req.Password, req.IsAdmin)
	if errors.Is(err, store.ErrDuplicate) {
		writeError(w, http.StatusBadRequest, "Email address already exists")
		return
	}
	if err != nil {
		internalError(w, h.logger, "create user", err)
		return
	}

	h.logger.Info("user created", "user_id", user.ID, "by", auth.UserID(r.Context()))
	h.broadcast(websocket.UserChanged(websocket.ActionCreated, user.ID))
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch model.UserPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	user, err := h.users.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		internalError(w, h.logger, "update user", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}

	h.broadcast(websocket.UserChanged(websocket.ActionUpdated, user.ID))
	writeJSON(w, http.StatusOK, user)
}

func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == auth.UserID(r.Context()) {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	err := h.users.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		internalError(w, h.logger, "delete user", err)
		return
	}

	h.logger.Info("user deleted", "user_id", id, "by", auth.UserID(r.Context()))
	h.disconnect(id)
	h.broadcast(websocket.UserChanged(websocket.ActionDeleted, id))
	w.WriteHeader(http.StatusOK)
}
