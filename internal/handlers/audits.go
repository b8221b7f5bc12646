package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
)

const defaultAuditLimit = 50

// AuditReader reads recorded builds
type AuditReader interface {
	List(ctx context.Context, limit, offset int) ([]models.BuildAudit, error)
	GetByFingerprint(ctx context.Context, fingerprint string) ([]models.BuildAudit, error)
}

type AuditHandler struct {
	audits AuditReader
}

func NewAuditHandler(audits AuditReader) *AuditHandler {
	return &AuditHandler{
		audits: audits,
	}
}

// ListAudits returns the latest builds, or the builds of one fingerprint
func (h *AuditHandler) ListAudits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	var audits []models.BuildAudit
	var err error
	if fingerprint := query.Get("fingerprint"); fingerprint != "" {
		audits, err = h.audits.GetByFingerprint(ctx, fingerprint)
	} else {
		limit, offset := defaultAuditLimit, 0
		if v := query.Get("limit"); v != "" {
			if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
				http.Error(w, "Invalid limit", http.StatusBadRequest)
				return
			}
		}
		if v := query.Get("offset"); v != "" {
			if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
				http.Error(w, "Invalid offset", http.StatusBadRequest)
				return
			}
		}
		audits, err = h.audits.List(ctx, limit, offset)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to get build audits")
		http.Error(w, "Failed to get build audits", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(audits)
}
