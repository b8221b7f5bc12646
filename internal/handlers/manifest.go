package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/nroduit/viewer-hub-sub002/internal/cache"
	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/manifest"
	"github.com/nroduit/viewer-hub-sub002/internal/middleware"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/internal/serializer"
	"github.com/nroduit/viewer-hub-sub002/internal/services"
	"github.com/nroduit/viewer-hub-sub002/pkg/logger"
)

// ManifestBuilder builds manifests from request parameters
type ManifestBuilder interface {
	BuildFromParams(ctx context.Context, params url.Values, identity models.Identity) (*services.BuildResult, error)
	BuildFromIID(ctx context.Context, params url.Values, identity models.Identity) (*services.BuildResult, error)
}

const (
	HeaderFailedArchives = "X-Failed-Archives"
	HeaderCacheStatus    = "X-Cache-Status"
	HeaderBuildID        = "X-Build-Id"
)

// ParamFormat selects the response encoding
const ParamFormat = "format"

type ManifestHandler struct {
	builder ManifestBuilder
}

func NewManifestHandler(builder ManifestBuilder) *ManifestHandler {
	return &ManifestHandler{
		builder: builder,
	}
}

// Manifest handles the native manifest request, GET or form POST
func (h *ManifestHandler) Manifest(w http.ResponseWriter, r *http.Request) {
	params, ok := requestParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	result, err := h.builder.BuildFromParams(ctx, params, middleware.GetIdentity(ctx))
	h.respond(w, r, result, err)
}

// IID handles an IHE Invoke Image Display request, GET or form POST
func (h *ManifestHandler) IID(w http.ResponseWriter, r *http.Request) {
	params, ok := requestParams(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	result, err := h.builder.BuildFromIID(ctx, params, middleware.GetIdentity(ctx))
	h.respond(w, r, result, err)
}

// requestParams returns the query string merged with a form-encoded body.
// Body values come first when a key appears in both.
func requestParams(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	if err := r.ParseForm(); err != nil {
		logger.FromContext(r.Context()).Warn().Err(err).Str("path", r.URL.Path).Msg("Invalid request parameters")
		http.Error(w, "Invalid request parameters", http.StatusBadRequest)
		return nil, false
	}
	return r.Form, true
}

func (h *ManifestHandler) respond(w http.ResponseWriter, r *http.Request, result *services.BuildResult, err error) {
	reqLog := logger.FromContext(r.Context())
	if err != nil {
		writeBuildError(w, r, err)
		return
	}

	m := result.Manifest
	if len(m.FailedArchives) > 0 {
		w.Header().Set(HeaderFailedArchives, strings.Join(m.FailedArchives, ","))
	}
	w.Header().Set(HeaderCacheStatus, string(result.Outcome))
	w.Header().Set(HeaderBuildID, m.BuildID)

	format := serializer.Negotiate(r.Form.Get(ParamFormat), r.Header.Get("Accept"))
	w.Header().Set("Content-Type", format.ContentType())
	if err := serializer.Write(w, format, m); err != nil {
		reqLog.Error().Err(err).Str("build_id", m.BuildID).Msg("Failed to write manifest")
	}
}

// writeBuildError maps a build error onto an HTTP status
func writeBuildError(w http.ResponseWriter, r *http.Request, err error) {
	reqLog := logger.FromContext(r.Context())

	var allFailed *manifest.AllConnectorsFailedError
	var buildFailed *cache.BuildFailedError
	switch {
	case r.Context().Err() != nil:
		// the caller went away, nobody reads the response
		reqLog.Info().Err(err).Str("path", r.URL.Path).Msg("Manifest request cancelled by caller")
	case criteria.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, manifest.ErrNoArchives):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &allFailed):
		reqLog.Error().Err(err).Msg("Every archive failed")
		http.Error(w, "No archive could be queried", http.StatusBadGateway)
	case errors.As(err, &buildFailed):
		reqLog.Error().Err(err).Str("fingerprint", buildFailed.Fingerprint).Msg("Manifest build failed")
		http.Error(w, "Failed to build manifest", http.StatusInternalServerError)
	default:
		reqLog.Error().Err(err).Msg("Failed to build manifest")
		http.Error(w, "Failed to build manifest", http.StatusInternalServerError)
	}
}
