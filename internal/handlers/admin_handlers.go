package handlers

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/hlog"

	"portreg/internal/errdefs"
)

// snapshotter is a store that can write a consistent copy of itself.
type snapshotter interface {
	BackupTo(ctx context.Context, path string) error
}

// BackupDBHandler streams a consistent snapshot of the SQLite database.
// Stores that cannot snapshot themselves answer 501.
func (h *Handler) BackupDBHandler(w http.ResponseWriter, r *http.Request) {
	db, ok := h.reader.(snapshotter)
	if !ok {
		h.render.JSON(w, http.StatusNotImplemented, map[string]string{"error": "backup is only supported by the sqlite store"})
		return
	}

	dir, err := os.MkdirTemp("", "portreg-backup-")
	if err != nil {
		h.error(w, r, errdefs.Internal(err, "create backup directory"))
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "portreg.db")
	if err := db.BackupTo(r.Context(), path); err != nil {
		h.error(w, r, errdefs.Unavailable(err, "backup database"))
		return
	}

	file, err := os.Open(path)
	if err != nil {
		h.error(w, r, errdefs.Internal(err, "open backup"))
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("Content-Type", "application/x-sqlite3")

	if _, err := io.Copy(w, file); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("streaming database backup")
	}
}
