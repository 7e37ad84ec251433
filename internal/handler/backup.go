package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/raisetracker/internal/backup"
	"github.com/dukerupert/raisetracker/internal/model"
)

const backupHistoryLimit = 20

// BackupRunner is the part of backup.Manager the admin endpoints use.
type BackupRunner interface {
	Status() backup.Status
	List(ctx context.Context, limit int) ([]model.Backup, error)
	RunOnce(ctx context.Context) (*model.Backup, error)
}

type BackupHandler struct {
	backups BackupRunner
	logger  *slog.Logger
}

func NewBackupHandler(b BackupRunner, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{backups: b, logger: logger}
}

func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	history, err := h.backups.List(r.Context(), backupHistoryLimit)
	if err != nil {
		internalError(w, h.logger, "list backups", err)
		return
	}
	if history == nil {
		history = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  h.backups.Status(),
		"history": history,
	})
}

func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	// The snapshot outlives a dropped connection.
	ctx := context.WithoutCancel(r.Context())

	record, err := h.backups.RunOnce(ctx)
	switch {
	case errors.Is(err, backup.ErrDisabled):
		writeError(w, http.StatusServiceUnavailable, "Backups are not configured")
		return
	case errors.Is(err, backup.ErrInProgress):
		writeError(w, http.StatusConflict, "A backup is already running")
		return
	case err != nil:
		internalError(w, h.logger, "run backup", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
