package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/adapters"
	"github.com/nroduit/viewer-hub-sub002/internal/cache"
	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/manifest"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConnector struct {
	patients []*models.Patient
	err      error
	calls    atomic.Int32
}

func (f *fakeConnector) answer() ([]*models.Patient, error) {
	f.calls.Add(1)
	return f.patients, f.err
}

func (f *fakeConnector) ByPatientIDs(context.Context, adapters.Query) ([]*models.Patient, error) {
	return f.answer()
}

func (f *fakeConnector) ByStudyUIDs(context.Context, adapters.Query) ([]*models.Patient, error) {
	return f.answer()
}

func (f *fakeConnector) ByAccessionNumbers(context.Context, adapters.Query) ([]*models.Patient, error) {
	return f.answer()
}

func (f *fakeConnector) BySeriesUIDs(context.Context, adapters.Query) ([]*models.Patient, error) {
	return f.answer()
}

func (f *fakeConnector) BySOPInstanceUIDs(context.Context, adapters.Query) ([]*models.Patient, error) {
	return f.answer()
}

func (f *fakeConnector) TestConnection(context.Context) (*models.ConnectionStatus, error) {
	return &models.ConnectionStatus{IsConnected: f.err == nil}, f.err
}

func (f *fakeConnector) Close() error { return nil }

func (f *fakeConnector) Kind() models.ArchiveKind { return models.ArchiveKindSQL }

type fakeProvider map[string]adapters.Connector

func (p fakeProvider) Get(config models.ArchiveConfig) (adapters.Connector, error) {
	c, ok := p[config.Name]
	if !ok {
		return nil, errors.New("no connector")
	}
	return c, nil
}

type staticArchives []models.ArchiveConfig

func (s staticArchives) List(context.Context) ([]models.ArchiveConfig, error) {
	return append([]models.ArchiveConfig(nil), s...), nil
}

func (s staticArchives) Get(_ context.Context, name string) (models.ArchiveConfig, error) {
	for _, a := range s {
		if a.Name == name {
			return a, nil
		}
	}
	return models.ArchiveConfig{}, repository.ErrArchiveNotFound
}

type fakeAudits struct {
	mu      sync.Mutex
	entries []*models.BuildAudit
}

func (f *fakeAudits) Create(_ context.Context, audit *models.BuildAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, audit)
	return nil
}

func (f *fakeAudits) all() []*models.BuildAudit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.BuildAudit(nil), f.entries...)
}

func study(uid, date, modality string) *models.Study {
	return &models.Study{
		StudyInstanceUID: uid,
		StudyDate:        date,
		Series: []*models.Serie{{
			SeriesInstanceUID: uid + ".1",
			Modality:          modality,
			Instances:         []*models.Instance{{SOPInstanceUID: uid + ".1.1"}},
		}},
	}
}

type fixture struct {
	service    *ManifestService
	connectors map[string]*fakeConnector
	audits     *fakeAudits
	store      *cache.MemoryStore
}

func newFixture(t *testing.T, connectors map[string]*fakeConnector) *fixture {
	t.Helper()

	var archives staticArchives
	provider := fakeProvider{}
	for _, name := range []string{"A", "B"} {
		c, ok := connectors[name]
		if !ok {
			continue
		}
		archives = append(archives, models.ArchiveConfig{
			Name:    name,
			Kind:    models.ArchiveKindSQL,
			BaseURL: "https://" + name + ".example/wado",
		})
		provider[name] = c
	}

	store := cache.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	audits := &fakeAudits{}

	service := NewManifestService(
		archives,
		provider,
		manifest.NewDispatcher(provider, nil, manifest.DispatcherConfig{DefaultTimeout: time.Second}),
		cache.NewCoordinator(store, nil, cache.CoordinatorConfig{}),
		audits,
		nil,
	)
	return &fixture{service: service, connectors: connectors, audits: audits, store: store}
}

func TestBuildFromParams_CachesResult(t *testing.T) {
	a := &fakeConnector{patients: []*models.Patient{{PatientID: "P1", Studies: []*models.Study{study("1.2", "20240101", "CT")}}}}
	f := newFixture(t, map[string]*fakeConnector{"A": a})
	ctx := context.Background()
	params := url.Values{criteria.ParamPatientID: {"P1"}}

	first, err := f.service.BuildFromParams(ctx, params, models.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeBuilt, first.Outcome)
	assert.NotEmpty(t, first.Manifest.BuildID)
	assert.Equal(t, 1, first.Manifest.CountInstances())
	assert.False(t, first.Manifest.InProgress)
	require.Len(t, first.Manifest.ArcQueries, 1)
	assert.Equal(t, "A", first.Manifest.ArcQueries[0].ArcID)

	second, err := f.service.BuildFromParams(ctx, params, models.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeHit, second.Outcome)
	assert.Equal(t, first.Manifest.BuildID, second.Manifest.BuildID)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.False(t, second.Manifest.InProgress)
	assert.EqualValues(t, 1, a.calls.Load())

	require.Len(t, f.audits.all(), 1)
	entry := f.audits.all()[0]
	assert.Equal(t, models.BuildStatusSuccess, entry.Status)
	assert.Equal(t, []string{"A"}, entry.Archives)
	assert.Equal(t, 1, entry.Patients)
	assert.Equal(t, first.Fingerprint, entry.Fingerprint)
}

func TestBuild_AccessTokenIsPerCaller(t *testing.T) {
	a := &fakeConnector{patients: []*models.Patient{{PatientID: "P1", Studies: []*models.Study{study("1.2", "20240101", "CT")}}}}
	f := newFixture(t, map[string]*fakeConnector{"A": a})
	ctx := context.Background()
	c := &models.SearchCriteria{PatientIDs: []string{"P1"}}

	alice := models.Identity{Subject: "alice", Token: "token-1", Authenticated: true}
	first, err := f.service.Build(ctx, c, alice)
	require.NoError(t, err)
	assert.Equal(t, "token-1", first.Manifest.AccessToken)
	assert.True(t, first.Manifest.Authenticated)

	// same subject, refreshed token
	alice.Token = "token-2"
	second, err := f.service.Build(ctx, c, alice)
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeHit, second.Outcome)
	assert.Equal(t, "token-2", second.Manifest.AccessToken)
	assert.Equal(t, "token-1", first.Manifest.AccessToken)

	// another subject does not share the entry
	bob := models.Identity{Subject: "bob", Token: "token-3", Authenticated: true}
	third, err := f.service.Build(ctx, c, bob)
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeBuilt, third.Outcome)
	assert.NotEqual(t, first.Fingerprint, third.Fingerprint)
}

func TestBuild_PartialFailure(t *testing.T) {
	a := &fakeConnector{patients: []*models.Patient{{PatientID: "P1", Studies: []*models.Study{study("1.2", "20240101", "CT")}}}}
	b := &fakeConnector{err: &adapters.ConnectorError{Kind: adapters.KindUnreachable, Archive: "B"}}
	f := newFixture(t, map[string]*fakeConnector{"A": a, "B": b})

	result, err := f.service.Build(context.Background(), &models.SearchCriteria{PatientIDs: []string{"P1"}}, models.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, result.Manifest.FailedArchives)
	require.Len(t, result.Manifest.ArcQueries, 1)

	entries := f.audits.all()
	require.Len(t, entries, 1)
	assert.Equal(t, models.BuildStatusPartial, entries[0].Status)
	assert.Equal(t, []string{"B"}, entries[0].FailedArchives)
}

func TestBuild_AllFailed(t *testing.T) {
	a := &fakeConnector{err: &adapters.ConnectorError{Kind: adapters.KindTimeout, Archive: "A"}}
	f := newFixture(t, map[string]*fakeConnector{"A": a})
	ctx := context.Background()
	c := &models.SearchCriteria{PatientIDs: []string{"P1"}}

	_, err := f.service.Build(ctx, c, models.Anonymous())
	require.Error(t, err)
	assert.ErrorIs(t, err, manifest.ErrAllConnectorsFailed)

	entries := f.audits.all()
	require.Len(t, entries, 1)
	assert.Equal(t, models.BuildStatusFailure, entries[0].Status)
	assert.NotEmpty(t, entries[0].ErrorMessage)

	// failures are not cached
	_, err = f.service.Build(ctx, c, models.Anonymous())
	require.Error(t, err)
	assert.EqualValues(t, 2, a.calls.Load())
}

func TestBuild_NoApplicableArchive(t *testing.T) {
	f := newFixture(t, map[string]*fakeConnector{"A": {}})

	_, err := f.service.Build(context.Background(), &models.SearchCriteria{
		PatientIDs: []string{"P1"},
		Archives:   []string{"unknown"},
	}, models.Anonymous())
	assert.ErrorIs(t, err, manifest.ErrNoArchives)
	assert.Empty(t, f.audits.all())
}

func TestBuild_AppliesFilters(t *testing.T) {
	a := &fakeConnector{patients: []*models.Patient{{
		PatientID: "P1",
		Studies: []*models.Study{
			study("1.1", "20240101", "CT"),
			study("1.2", "20240201", "MR"),
		},
	}}}
	f := newFixture(t, map[string]*fakeConnector{"A": a})

	result, err := f.service.BuildFromParams(context.Background(), url.Values{
		criteria.ParamPatientID:         {"P1"},
		criteria.ParamModalitiesInStudy: {"MR"},
	}, models.Anonymous())
	require.NoError(t, err)

	studies := result.Manifest.ArcQueries[0].Patients[0].Studies
	require.Len(t, studies, 1)
	assert.Equal(t, "1.2", studies[0].StudyInstanceUID)
}

func TestBuildFromParams_Invalid(t *testing.T) {
	f := newFixture(t, map[string]*fakeConnector{"A": {}})

	_, err := f.service.BuildFromParams(context.Background(), url.Values{}, models.Anonymous())
	require.Error(t, err)
	assert.True(t, criteria.IsValidationError(err))
}

func TestBuildFromIID(t *testing.T) {
	a := &fakeConnector{patients: []*models.Patient{{PatientID: "P1", Studies: []*models.Study{study("1.2", "20240101", "CT")}}}}
	f := newFixture(t, map[string]*fakeConnector{"A": a})
	ctx := context.Background()

	result, err := f.service.BuildFromIID(ctx, url.Values{
		criteria.IIDRequestType: {"STUDY"},
		criteria.ParamStudyUID:  {"1.2"},
	}, models.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Manifest.CountInstances())

	_, err = f.service.BuildFromIID(ctx, url.Values{criteria.IIDRequestType: {"PATIENT"}}, models.Anonymous())
	assert.True(t, criteria.IsValidationError(err))
}

func TestListArchives_Redacted(t *testing.T) {
	f := newFixture(t, map[string]*fakeConnector{"A": {}, "B": {}})

	archives, err := f.service.ListArchives(context.Background())
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "A", archives[0].Name)
}

func TestTestArchive(t *testing.T) {
	down := errors.New("connection refused")
	f := newFixture(t, map[string]*fakeConnector{"A": {}, "B": {err: down}})
	ctx := context.Background()

	status, err := f.service.TestArchive(ctx, "A")
	require.NoError(t, err)
	assert.True(t, status.IsConnected)

	status, err = f.service.TestArchive(ctx, "B")
	assert.ErrorIs(t, err, down)
	assert.False(t, status.IsConnected)

	_, err = f.service.TestArchive(ctx, "C")
	assert.ErrorIs(t, err, repository.ErrArchiveNotFound)
}

func TestInvalidateCache(t *testing.T) {
	a := &fakeConnector{patients: []*models.Patient{{PatientID: "P1", Studies: []*models.Study{study("1.2", "20240101", "CT")}}}}
	f := newFixture(t, map[string]*fakeConnector{"A": a})
	ctx := context.Background()
	c := &models.SearchCriteria{PatientIDs: []string{"P1"}}

	_, err := f.service.Build(ctx, c, models.Anonymous())
	require.NoError(t, err)
	require.NoError(t, f.service.InvalidateCache(ctx))

	result, err := f.service.Build(ctx, c, models.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, cache.OutcomeBuilt, result.Outcome)
	assert.EqualValues(t, 2, a.calls.Load())
}
