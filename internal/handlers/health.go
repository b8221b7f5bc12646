package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/cache"
	"github.com/nroduit/viewer-hub-sub002/internal/database"
	"github.com/nroduit/viewer-hub-sub002/internal/repository"
	"gorm.io/gorm"
)

const healthCheckTimeout = 3 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db       *gorm.DB
	store    cache.Store
	archives repository.ArchiveSource
}

// NewHealthHandler creates a health handler. db and store may be nil when
// the database or the cache is disabled.
func NewHealthHandler(db *gorm.DB, store cache.Store, archives repository.ArchiveSource) *HealthHandler {
	return &HealthHandler{
		db:       db,
		store:    store,
		archives: archives,
	}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}
	check := func(name string, err error) {
		if err != nil {
			response.Services[name] = "unhealthy"
			response.Status = "degraded"
			return
		}
		response.Services[name] = "healthy"
	}

	if h.db != nil {
		check("database", database.Ping(ctx, h.db))
	} else {
		response.Services["database"] = "disabled"
	}

	switch store := h.store.(type) {
	case nil:
		response.Services["cache"] = "disabled"
	case pinger:
		check("cache", store.Ping(ctx))
	default:
		check("cache", nil)
	}

	_, err := h.archives.List(ctx)
	check("archives", err)

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	// Ready once archives can be listed and the database answers
	archives, err := h.archives.List(ctx)
	if err != nil || len(archives) == 0 {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}
	if h.db != nil && database.Ping(ctx, h.db) != nil {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
