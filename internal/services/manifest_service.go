package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/nroduit/viewer-hub-sub002/internal/cache"
	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/manifest"
	"github.com/nroduit/viewer-hub-sub002/internal/metrics"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/internal/repository"
	"github.com/rs/zerolog/log"
)

// AuditWriter stores one row per executed build
type AuditWriter interface {
	Create(ctx context.Context, audit *models.BuildAudit) error
}

// BuildResult is a manifest ready to be written for one caller
type BuildResult struct {
	Manifest    *models.Manifest
	Outcome     cache.Outcome
	Fingerprint string
}

// ManifestService handles business logic for manifest builds
type ManifestService struct {
	archives    repository.ArchiveSource
	connectors  manifest.ConnectorProvider
	dispatcher  *manifest.Dispatcher
	coordinator *cache.Coordinator
	normalizer  *criteria.Normalizer
	audits      AuditWriter
	metrics     *metrics.Metrics
}

// NewManifestService creates a new manifest service. audits may be nil.
func NewManifestService(
	archives repository.ArchiveSource,
	connectors manifest.ConnectorProvider,
	dispatcher *manifest.Dispatcher,
	coordinator *cache.Coordinator,
	audits AuditWriter,
	m *metrics.Metrics,
) *ManifestService {
	return &ManifestService{
		archives:    archives,
		connectors:  connectors,
		dispatcher:  dispatcher,
		coordinator: coordinator,
		normalizer:  criteria.NewNormalizer(),
		audits:      audits,
		metrics:     m,
	}
}

// BuildFromParams normalizes manifest request parameters and builds
func (s *ManifestService) BuildFromParams(ctx context.Context, params url.Values, identity models.Identity) (*BuildResult, error) {
	c, err := s.normalizer.Normalize(params)
	if err != nil {
		return nil, err
	}
	return s.Build(ctx, c, identity)
}

// BuildFromIID maps an IHE Invoke Image Display request and builds
func (s *ManifestService) BuildFromIID(ctx context.Context, params url.Values, identity models.Identity) (*BuildResult, error) {
	mapped, err := criteria.FromIID(params)
	if err != nil {
		return nil, err
	}
	return s.BuildFromParams(ctx, mapped, identity)
}

// Build returns the manifest of c for identity, from cache or by querying
// the archives. Concurrent identical requests share a single build.
func (s *ManifestService) Build(ctx context.Context, c *models.SearchCriteria, identity models.Identity) (*BuildResult, error) {
	archives, err := repository.ResolveArchives(ctx, s.archives, c.Archives)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve archives: %w", err)
	}
	if len(archives) == 0 {
		return nil, manifest.ErrNoArchives
	}

	fingerprint := criteria.Fingerprint(c, identity)
	m, outcome, err := s.coordinator.GetOrBuild(ctx, fingerprint, func(ctx context.Context) (*models.Manifest, error) {
		return s.build(ctx, c, archives, identity, fingerprint)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.metrics.IncrementBuild("failed")
		}
		return nil, err
	}
	s.metrics.IncrementBuild(string(outcome))

	// the cached manifest is shared between callers
	out := *m
	out.AccessToken = identity.Token
	out.Authenticated = identity.Authenticated

	return &BuildResult{Manifest: &out, Outcome: outcome, Fingerprint: fingerprint}, nil
}

func (s *ManifestService) build(ctx context.Context, c *models.SearchCriteria, archives []models.ArchiveConfig, identity models.Identity, fingerprint string) (*models.Manifest, error) {
	start := time.Now()
	m := &models.Manifest{
		BuildID:       uuid.NewString(),
		StartedAt:     start.UTC(),
		Authenticated: identity.Authenticated,
		InProgress:    true,
	}

	merger := manifest.NewMerger(archives)
	report, err := s.dispatcher.Dispatch(ctx, c, archives, identity, merger)
	if err == nil {
		m.ArcQueries = merger.ArcQueries()
		manifest.Apply(m, c)
		m.FailedArchives = report.FailedArchives()
	}
	if m.ArcQueries == nil {
		m.ArcQueries = []*models.ArcQuery{}
	}
	m.BuildDuration = time.Since(start)
	s.metrics.ObserveBuild(m.BuildDuration)

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Str("build_id", m.BuildID).
		Str("fingerprint", fingerprint).
		Int("archives", len(archives)).
		Strs("failed_archives", m.FailedArchives).
		Int("instances", m.CountInstances()).
		Dur("duration", m.BuildDuration).
		Msg("Manifest build finished")

	s.audit(ctx, m, c, archives, report, identity, fingerprint, err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *ManifestService) audit(ctx context.Context, m *models.Manifest, c *models.SearchCriteria, archives []models.ArchiveConfig, report *manifest.DispatchReport, identity models.Identity, fingerprint string, buildErr error) {
	if s.audits == nil {
		return
	}

	names := make([]string, 0, len(archives))
	for _, a := range archives {
		names = append(names, a.Name)
	}
	summary, _ := json.Marshal(c)

	patients := 0
	for _, arc := range m.ArcQueries {
		patients += len(arc.Patients)
	}

	entry := &models.BuildAudit{
		BuildID:     m.BuildID,
		Fingerprint: fingerprint,
		Subject:     identity.Subject,
		Criteria:    string(summary),
		Archives:    names,
		Patients:    patients,
		Instances:   m.CountInstances(),
		Status:      models.BuildStatusSuccess,
		Duration:    m.BuildDuration.Milliseconds(),
	}
	if report != nil {
		entry.FailedArchives = report.FailedArchives()
		if len(entry.FailedArchives) > 0 {
			entry.Status = models.BuildStatusPartial
		}
	}
	if buildErr != nil {
		entry.Status = models.BuildStatusFailure
		entry.ErrorMessage = buildErr.Error()
	}

	if err := s.audits.Create(ctx, entry); err != nil {
		log.Warn().Err(err).Str("build_id", m.BuildID).Msg("Failed to write build audit")
	}
}

// ListArchives returns the enabled archives with their secrets masked
func (s *ManifestService) ListArchives(ctx context.Context) ([]models.ArchiveConfig, error) {
	archives, err := s.archives.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	for i := range archives {
		archives[i] = archives[i].Redacted()
	}
	return archives, nil
}

// TestArchive checks that one archive answers
func (s *ManifestService) TestArchive(ctx context.Context, name string) (*models.ConnectionStatus, error) {
	archive, err := s.archives.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	connector, err := s.connectors.Get(archive)
	if err != nil {
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}
	return connector.TestConnection(ctx)
}

// InvalidateCache drops every cached manifest
func (s *ManifestService) InvalidateCache(ctx context.Context) error {
	if err := s.coordinator.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("failed to invalidate manifest cache: %w", err)
	}
	log.Info().Msg("Manifest cache invalidated")
	return nil
}
