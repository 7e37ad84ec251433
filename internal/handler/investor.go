package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/raisetracker/internal/auth"
	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/dukerupert/raisetracker/internal/store"
	"github.com/dukerupert/raisetracker/internal/websocket"
)

const dueDateLayout = "2006-01-02"

type InvestorHandler struct {
	broadcaster
	investors *store.InvestorStore
	logger    *slog.Logger
}

func NewInvestorHandler(is *store.InvestorStore, hub *websocket.Hub, logger *slog.Logger) *InvestorHandler {
	return &InvestorHandler{broadcaster: broadcaster{hub: hub}, investors: is, logger: logger}
}

func setETag(w http.ResponseWriter, version string) {
	w.Header().Set("ETag", `"`+version+`"`)
}

// expectedVersion picks the stamp a write is conditioned on: If-Match
// first, then the body's version, then the stamp read in this request.
func expectedVersion(r *http.Request, bodyVersion, current string) string {
	if v := strings.TrimSpace(r.Header.Get("If-Match")); v != "" && v != "*" {
		v = strings.TrimPrefix(v, "W/")
		return strings.Trim(v, `"`)
	}
	if bodyVersion != "" {
		return bodyVersion
	}
	return current
}

func (h *InvestorHandler) conflict(w http.ResponseWriter, id string) {
	h.logger.Info("stale investor write", "investor_id", id)
	writeJSON(w, http.StatusConflict, map[string]string{
		"error": "Data changed, please reload",
		"code":  "ETAG_MISMATCH",
	})
}

// writeFailed maps a guarded write error to a response.
func (h *InvestorHandler) writeFailed(w http.ResponseWriter, id, msg string, err error) {
	switch {
	case errors.Is(err, store.ErrConflict):
		h.conflict(w, id)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		internalError(w, h.logger, msg, err)
	}
}

func (h *InvestorHandler) changed(action string, inv *model.Investor) {
	h.broadcast(websocket.InvestorChanged(action, inv.ID, inv.Version))
}

func (h *InvestorHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.investors.List(r.Context())
	if err != nil {
		internalError(w, h.logger, "list investors", err)
		return
	}
	if list == nil {
		list = []model.InvestorSummary{}
	}
	writeJSON(w, http.StatusOK, list)
}

// load fetches the investor named in the path, answering 404 itself.
func (h *InvestorHandler) load(w http.ResponseWriter, r *http.Request) (*model.Investor, bool) {
	inv, err := h.investors.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		internalError(w, h.logger, "get investor", err)
		return nil, false
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "Investor not found")
		return nil, false
	}
	return inv, true
}

func (h *InvestorHandler) Get(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}
	setETag(w, inv.Version)
	writeJSON(w, http.StatusOK, inv)
}

type createInvestorRequest struct {
	Name         string        `json:"name"`
	MainContact  *string       `json:"mainContact"`
	ContactEmail *string       `json:"contactEmail"`
	ContactPhone *string       `json:"contactPhone"`
	Category     string        `json:"category"`
	Stage        string        `json:"stage"`
	Status       string        `json:"status"`
	Owner        *string       `json:"owner"`
	CommitAmount *model.Amount `json:"commitAmount"`
	Notes        *string       `json:"notes"`
}

func (h *InvestorHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createInvestorRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	inv := &model.Investor{
		Name:         req.Name,
		MainContact:  req.MainContact,
		ContactEmail: req.ContactEmail,
		ContactPhone: req.ContactPhone,
		Category:     req.Category,
		Stage:        req.Stage,
		Status:       req.Status,
		Owner:        req.Owner,
		Notes:        req.Notes,
	}
	if req.CommitAmount != nil {
		amount := float64(*req.CommitAmount)
		inv.CommitAmount = &amount
	}

	created, err := h.investors.Create(r.Context(), inv, auth.UserID(r.Context()))
	if err != nil {
		internalError(w, h.logger, "create investor", err)
		return
	}

	h.changed(websocket.ActionCreated, created)
	w.Header().Set("Location", "/api/investors/"+created.ID)
	setETag(w, created.Version)
	writeJSON(w, http.StatusCreated, created)
}

func (h *InvestorHandler) Update(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}

	var patch model.InvestorPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if patch.Name.Set && !patch.Name.Null && strings.TrimSpace(patch.Name.Value) == "" {
		writeError(w, http.StatusBadRequest, "name cannot be empty")
		return
	}

	expected := expectedVersion(r, patch.Version, inv.Version)
	patch.Apply(inv)

	if _, err := h.investors.Save(r.Context(), inv, expected, auth.UserID(r.Context())); err != nil {
		h.writeFailed(w, inv.ID, "save investor", err)
		return
	}

	h.changed(websocket.ActionUpdated, inv)
	setETag(w, inv.Version)
	writeJSON(w, http.StatusOK, inv)
}

func (h *InvestorHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.investors.Delete(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Investor not found")
		return
	}
	if err != nil {
		internalError(w, h.logger, "delete investor", err)
		return
	}

	h.broadcast(websocket.InvestorDeleted(id))
	w.WriteHeader(http.StatusNoContent)
}

type createTaskRequest struct {
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Version     string `json:"version"`
}

func validDueDate(s string) bool {
	if s == "" {
		return true
	}
	_, err := time.Parse(dueDateLayout, s)
	return err == nil
}

// finishTaskWrite reloads the investor after a guarded task write and
// sends it back with its new stamp.
func (h *InvestorHandler) finishTaskWrite(w http.ResponseWriter, r *http.Request, id, action string) {
	inv, err := h.investors.Get(r.Context(), id)
	if err != nil {
		internalError(w, h.logger, "reload investor", err)
		return
	}
	if inv == nil {
		writeError(w, http.StatusNotFound, "Investor not found")
		return
	}
	h.changed(action, inv)
	setETag(w, inv.Version)
	writeJSON(w, http.StatusOK, inv)
}

func (h *InvestorHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}

	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Description = strings.TrimSpace(req.Description)
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	if !validDueDate(req.DueDate) {
		writeError(w, http.StatusBadRequest, "dueDate must be YYYY-MM-DD")
		return
	}

	task := &model.InvestorTask{Description: req.Description, DueDate: req.DueDate}
	expected := expectedVersion(r, req.Version, inv.Version)
	if _, err := h.investors.AddTask(r.Context(), inv.ID, task, expected, auth.UserID(r.Context())); err != nil {
		h.writeFailed(w, inv.ID, "add task", err)
		return
	}
	h.finishTaskWrite(w, r, inv.ID, websocket.ActionUpdated)
}

func (h *InvestorHandler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}

	var patch model.TaskPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	// A stale stamp wins over a missing task: the task may be gone only
	// because of the write the caller has not seen.
	expected := expectedVersion(r, patch.Version, inv.Version)
	if expected != inv.Version {
		h.conflict(w, inv.ID)
		return
	}
	task := inv.FindTask(r.PathValue("taskId"))
	if task == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	if patch.Description.Set && !patch.Description.Null && strings.TrimSpace(patch.Description.Value) == "" {
		writeError(w, http.StatusBadRequest, "description cannot be empty")
		return
	}
	if patch.DueDate.Present() && !validDueDate(patch.DueDate.Value) {
		writeError(w, http.StatusBadRequest, "dueDate must be YYYY-MM-DD")
		return
	}

	patch.Apply(task)
	if _, err := h.investors.UpdateTask(r.Context(), task, expected, auth.UserID(r.Context())); err != nil {
		h.writeFailed(w, inv.ID, "update task", err)
		return
	}
	h.finishTaskWrite(w, r, inv.ID, websocket.ActionUpdated)
}

func (h *InvestorHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.load(w, r)
	if !ok {
		return
	}

	expected := expectedVersion(r, r.URL.Query().Get("version"), inv.Version)
	if expected != inv.Version {
		h.conflict(w, inv.ID)
		return
	}
	taskID := r.PathValue("taskId")
	if inv.FindTask(taskID) == nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}

	if _, err := h.investors.DeleteTask(r.Context(), inv.ID, taskID, expected, auth.UserID(r.Context())); err != nil {
		h.writeFailed(w, inv.ID, "delete task", err)
		return
	}
	h.finishTaskWrite(w, r, inv.ID, websocket.ActionUpdated)
}
