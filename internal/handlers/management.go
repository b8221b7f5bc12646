package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/internal/repository"
	"github.com/rs/zerolog/log"
)

// ArchiveManager exposes archive and cache administration
type ArchiveManager interface {
	ListArchives(ctx context.Context) ([]models.ArchiveConfig, error)
	TestArchive(ctx context.Context, name string) (*models.ConnectionStatus, error)
	InvalidateCache(ctx context.Context) error
}

type ManagementHandler struct {
	manager ArchiveManager
}

func NewManagementHandler(manager ArchiveManager) *ManagementHandler {
	return &ManagementHandler{
		manager: manager,
	}
}

// ListArchives returns the enabled archives with secrets masked
func (h *ManagementHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	archives, err := h.manager.ListArchives(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list archives")
		http.Error(w, "Failed to list archives", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(archives)
}

// TestArchive tests the connection to one archive
func (h *ManagementHandler) TestArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	status, err := h.manager.TestArchive(r.Context(), name)
	if errors.Is(err, repository.ErrArchiveNotFound) {
		http.Error(w, "Archive not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("archive", name).Msg("Connection test failed")
		if status == nil {
			status = &models.ConnectionStatus{Archive: name, ErrorMessage: err.Error()}
		}
	}

	// failed tests are still reported with 200 and isConnected false
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// InvalidateCache drops every cached manifest
func (h *ManagementHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.InvalidateCache(r.Context()); err != nil {
		log.Error().Err(err).Msg("Failed to invalidate manifest cache")
		http.Error(w, "Failed to invalidate cache", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
