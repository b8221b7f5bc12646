package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nroduit/viewer-hub-sub002/internal/adapters"
	"github.com/nroduit/viewer-hub-sub002/internal/cache"
	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/manifest"
	"github.com/nroduit/viewer-hub-sub002/internal/middleware"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/internal/repository"
	"github.com/nroduit/viewer-hub-sub002/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBuilder struct {
	result *services.BuildResult
	err    error

	params   url.Values
	identity models.Identity
	iid      bool
}

func (f *fakeBuilder) BuildFromParams(_ context.Context, params url.Values, identity models.Identity) (*services.BuildResult, error) {
	f.params, f.identity = params, identity
	return f.result, f.err
}

func (f *fakeBuilder) BuildFromIID(ctx context.Context, params url.Values, identity models.Identity) (*services.BuildResult, error) {
	f.iid = true
	return f.BuildFromParams(ctx, params, identity)
}

func built(failed ...string) *services.BuildResult {
	return &services.BuildResult{
		Outcome: cache.OutcomeBuilt,
		Manifest: &models.Manifest{
			BuildID:        "b-1",
			StartedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			AccessToken:    "secret-token",
			FailedArchives: failed,
			ArcQueries: []*models.ArcQuery{{
				ArcID:   "A",
				BaseURL: "https://a.example/wado",
				Patients: []*models.Patient{{
					PatientID: "P1",
					Studies:   []*models.Study{{StudyInstanceUID: "1.2"}},
				}},
			}},
		},
	}
}

func newRouter(builder ManifestBuilder) http.Handler {
	h := NewManifestHandler(builder)
	r := chi.NewRouter()
	r.Use(middleware.Identity(middleware.IdentityConfig{}))
	r.Get("/manifest", h.Manifest)
	r.Post("/manifest", h.Manifest)
	r.Get("/iid", h.IID)
	r.Post("/iid", h.IID)
	return r
}

func postForm(handler http.Handler, target string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func get(handler http.Handler, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestManifest_XML(t *testing.T) {
	builder := &fakeBuilder{result: built("B", "C")}
	rec := get(newRouter(builder), "/manifest?patientID=P1", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "B,C", rec.Header().Get(HeaderFailedArchives))
	assert.Equal(t, "built", rec.Header().Get(HeaderCacheStatus))
	assert.Equal(t, "b-1", rec.Header().Get(HeaderBuildID))
	assert.Contains(t, rec.Body.String(), `<arcQuery arcId="A"`)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	assert.Equal(t, []string{"P1"}, builder.params[criteria.ParamPatientID])
	assert.False(t, builder.identity.Authenticated)
	assert.False(t, builder.iid)
}

func TestManifest_JSON(t *testing.T) {
	builder := &fakeBuilder{result: built()}

	rec := get(newRouter(builder), "/manifest?patientID=P1&format=json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get(HeaderFailedArchives))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "b-1", body["buildId"])

	rec = get(newRouter(builder), "/manifest?patientID=P1", http.Header{"Accept": {"application/json"}})
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestManifest_PassesIdentity(t *testing.T) {
	builder := &fakeBuilder{result: built()}
	get(newRouter(builder), "/manifest?patientID=P1", http.Header{"Authorization": {"Bearer opaque"}})

	assert.True(t, builder.identity.Authenticated)
	assert.Equal(t, "opaque", builder.identity.Token)
}

func TestManifest_FormPost(t *testing.T) {
	builder := &fakeBuilder{result: built()}
	rec := postForm(newRouter(builder), "/manifest?format=json", url.Values{
		criteria.ParamPatientID: {"P1"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"P1"}, builder.params[criteria.ParamPatientID])
	assert.Equal(t, []string{"json"}, builder.params[ParamFormat])
}

func TestIID_FormPost(t *testing.T) {
	builder := &fakeBuilder{result: built()}
	rec := postForm(newRouter(builder), "/iid", url.Values{
		criteria.IIDRequestType: {"STUDY"},
		"studyUID":              {"1.2"},
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, builder.iid)
	assert.Equal(t, []string{"STUDY"}, builder.params[criteria.IIDRequestType])
	assert.Equal(t, []string{"1.2"}, builder.params["studyUID"])
}

func TestManifest_MalformedBody(t *testing.T) {
	builder := &fakeBuilder{result: built()}
	req := httptest.NewRequest(http.MethodPost, "/manifest", strings.NewReader("patientID=%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	newRouter(builder).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, builder.params)
}

func TestIID(t *testing.T) {
	builder := &fakeBuilder{result: built()}
	rec := get(newRouter(builder), "/iid?requestType=STUDY&studyUID=1.2", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, builder.iid)
	assert.Equal(t, []string{"STUDY"}, builder.params[criteria.IIDRequestType])
}

func TestManifest_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", criteria.ErrNoIdentifyingCriteria, http.StatusBadRequest},
		{"no archives", manifest.ErrNoArchives, http.StatusNotFound},
		{"all failed", &manifest.AllConnectorsFailedError{Failures: map[string]error{
			"A": &adapters.ConnectorError{Kind: adapters.KindUnreachable, Archive: "A"},
		}}, http.StatusBadGateway},
		{"build failed", &cache.BuildFailedError{Fingerprint: "fp", Panic: "boom"}, http.StatusInternalServerError},
		{"wrapped", fmt.Errorf("failed to resolve archives: %w", errors.New("db down")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(newRouter(&fakeBuilder{err: tt.err}), "/manifest?patientID=P1", nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestManifest_CallerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "/manifest?patientID=P1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	newRouter(&fakeBuilder{err: context.Canceled}).ServeHTTP(rec, req)

	assert.Empty(t, rec.Body.String())
}

type fakeManager struct {
	archives    []models.ArchiveConfig
	status      *models.ConnectionStatus
	testErr     error
	invalidated bool
}

func (f *fakeManager) ListArchives(context.Context) ([]models.ArchiveConfig, error) {
	return f.archives, nil
}

func (f *fakeManager) TestArchive(_ context.Context, name string) (*models.ConnectionStatus, error) {
	if name == "missing" {
		return nil, repository.ErrArchiveNotFound
	}
	return f.status, f.testErr
}

func (f *fakeManager) InvalidateCache(context.Context) error {
	f.invalidated = true
	return nil
}

func newManagementRouter(m ArchiveManager) http.Handler {
	h := NewManagementHandler(m)
	r := chi.NewRouter()
	r.Get("/api/v1/archives", h.ListArchives)
	r.Post("/api/v1/archives/{name}/test", h.TestArchive)
	r.Delete("/api/v1/cache/manifests", h.InvalidateCache)
	return r
}

func serveMethod(handler http.Handler, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestManagement_ListArchives(t *testing.T) {
	m := &fakeManager{archives: []models.ArchiveConfig{{Name: "pacs", Kind: models.ArchiveKindDIMSE}}}
	rec := serveMethod(newManagementRouter(m), http.MethodGet, "/api/v1/archives")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"pacs"`)
}

func TestManagement_TestArchive(t *testing.T) {
	m := &fakeManager{status: &models.ConnectionStatus{Archive: "pacs", IsConnected: true}}
	router := newManagementRouter(m)

	rec := serveMethod(router, http.MethodPost, "/api/v1/archives/pacs/test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_connected":true`)

	m.status, m.testErr = nil, errors.New("connection refused")
	rec = serveMethod(router, http.MethodPost, "/api/v1/archives/pacs/test")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_connected":false`)
	assert.Contains(t, rec.Body.String(), "connection refused")

	rec = serveMethod(router, http.MethodPost, "/api/v1/archives/missing/test")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManagement_InvalidateCache(t *testing.T) {
	m := &fakeManager{}
	rec := serveMethod(newManagementRouter(m), http.MethodDelete, "/api/v1/cache/manifests")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, m.invalidated)
}

type fakeSource struct {
	archives []models.ArchiveConfig
	err      error
}

func (f fakeSource) List(context.Context) ([]models.ArchiveConfig, error) {
	return f.archives, f.err
}

func (f fakeSource) Get(context.Context, string) (models.ArchiveConfig, error) {
	return models.ArchiveConfig{}, repository.ErrArchiveNotFound
}

func TestHealth(t *testing.T) {
	store := cache.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	source := fakeSource{archives: []models.ArchiveConfig{{Name: "pacs"}}}

	h := NewHealthHandler(nil, store, source)
	rec := serveMethod(http.HandlerFunc(h.Health), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, map[string]string{"database": "disabled", "cache": "healthy", "archives": "healthy"}, body.Services)

	h = NewHealthHandler(nil, nil, fakeSource{err: errors.New("unreadable")})
	rec = serveMethod(http.HandlerFunc(h.Health), http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `"archives":"unhealthy"`))
	assert.True(t, strings.Contains(rec.Body.String(), `"cache":"disabled"`))
}

func TestReady(t *testing.T) {
	h := NewHealthHandler(nil, nil, fakeSource{archives: []models.ArchiveConfig{{Name: "pacs"}}})
	rec := serveMethod(http.HandlerFunc(h.Ready), http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	h = NewHealthHandler(nil, nil, fakeSource{})
	rec = serveMethod(http.HandlerFunc(h.Ready), http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
