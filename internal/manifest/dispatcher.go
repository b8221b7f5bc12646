package manifest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/adapters"
	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/metrics"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrency = 8
	DefaultTimeout        = 30 * time.Second
)

var (
	// ErrNoArchives is returned when no configured archive applies to a request
	ErrNoArchives = errors.New("no archive applies to the request")

	// ErrAllConnectorsFailed matches every *AllConnectorsFailedError
	ErrAllConnectorsFailed = errors.New("all archives failed")
)

// AllConnectorsFailedError is returned when every applicable archive failed
type AllConnectorsFailedError struct {
	Failures map[string]error
}

func (e *AllConnectorsFailedError) Error() string {
	names := slices.Sorted(maps.Keys(e.Failures))
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, e.Failures[name].Error())
	}
	return fmt.Sprintf("all %d archives failed: %s", len(names), strings.Join(parts, "; "))
}

func (e *AllConnectorsFailedError) Is(target error) bool {
	return target == ErrAllConnectorsFailed
}

// Operation is one of the five connector lookups
type Operation string

const (
	OpSOPInstanceUIDs  Operation = "sop_instance_uids"
	OpSeriesUIDs       Operation = "series_uids"
	OpStudyUIDs        Operation = "study_uids"
	OpAccessionNumbers Operation = "accession_numbers"
	OpPatientIDs       Operation = "patient_ids"
)

// SelectOperation picks the most specific identifier set of the criteria
func SelectOperation(c *models.SearchCriteria) (Operation, []string) {
	switch {
	case len(c.SOPInstanceUIDs) > 0:
		return OpSOPInstanceUIDs, c.SOPInstanceUIDs
	case len(c.SeriesUIDs) > 0:
		return OpSeriesUIDs, c.SeriesUIDs
	case len(c.StudyUIDs) > 0:
		return OpStudyUIDs, c.StudyUIDs
	case len(c.AccessionNumbers) > 0:
		return OpAccessionNumbers, c.AccessionNumbers
	case len(c.PatientIDs) > 0:
		return OpPatientIDs, c.PatientIDs
	}
	return "", nil
}

func (op Operation) call(ctx context.Context, c adapters.Connector, q adapters.Query) ([]*models.Patient, error) {
	switch op {
	case OpSOPInstanceUIDs:
		return c.BySOPInstanceUIDs(ctx, q)
	case OpSeriesUIDs:
		return c.BySeriesUIDs(ctx, q)
	case OpStudyUIDs:
		return c.ByStudyUIDs(ctx, q)
	case OpAccessionNumbers:
		return c.ByAccessionNumbers(ctx, q)
	case OpPatientIDs:
		return c.ByPatientIDs(ctx, q)
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

// ConnectorProvider returns the connector bound to an archive
type ConnectorProvider interface {
	Get(config models.ArchiveConfig) (adapters.Connector, error)
}

// DispatcherConfig holds the fan-out limits
type DispatcherConfig struct {
	MaxConcurrency int
	DefaultTimeout time.Duration
}

// Dispatcher runs one connector operation per archive concurrently
type Dispatcher struct {
	connectors     ConnectorProvider
	metrics        *metrics.Metrics
	maxConcurrency int
	defaultTimeout time.Duration
}

// NewDispatcher creates a dispatcher
func NewDispatcher(connectors ConnectorProvider, m *metrics.Metrics, config DispatcherConfig) *Dispatcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = DefaultTimeout
	}
	return &Dispatcher{
		connectors:     connectors,
		metrics:        m,
		maxConcurrency: config.MaxConcurrency,
		defaultTimeout: config.DefaultTimeout,
	}
}

// DispatchReport describes the outcome of one fan-out
type DispatchReport struct {
	Operation Operation
	Succeeded []string
	Failures  map[string]error
}

// FailedArchives returns the names of the failed archives, sorted
func (r *DispatchReport) FailedArchives() []string {
	return slices.Sorted(maps.Keys(r.Failures))
}

// Dispatch queries every archive and merges the successful results into
// merger. A failing archive is recorded as a *adapters.ConnectorError and
// skipped; the error is non-nil only when no archive applies, every
// archive failed, or ctx ended.
func (d *Dispatcher) Dispatch(ctx context.Context, c *models.SearchCriteria, archives []models.ArchiveConfig, identity models.Identity, merger *Merger) (*DispatchReport, error) {
	if len(archives) == 0 {
		return nil, ErrNoArchives
	}
	op, ids := SelectOperation(c)
	if op == "" {
		return nil, criteria.ErrNoIdentifyingCriteria
	}

	report := &DispatchReport{Operation: op, Failures: make(map[string]error)}
	var mu sync.Mutex
	query := adapters.Query{IDs: ids, Criteria: c, Identity: identity}

	g := new(errgroup.Group)
	g.SetLimit(min(len(archives), d.maxConcurrency))
	for _, archive := range archives {
		g.Go(func() error {
			patients, err := d.query(ctx, archive, op, query)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures[archive.Name] = err
				return nil
			}
			report.Succeeded = append(report.Succeeded, archive.Name)
			merger.Merge(archive, patients)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(report.Succeeded) == 0 {
		return report, &AllConnectorsFailedError{Failures: report.Failures}
	}
	return report, nil
}

// query runs op against one archive under its own timeout
func (d *Dispatcher) query(ctx context.Context, archive models.ArchiveConfig, op Operation, q adapters.Query) ([]*models.Patient, error) {
	timeout := archive.Timeout.Std()
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	connector, err := d.connectors.Get(archive)
	if err == nil {
		var patients []*models.Patient
		patients, err = op.call(ctx, connector, q)
		if err == nil {
			d.metrics.ObserveArchiveQuery(archive.Name, "", time.Since(start))
			log.Debug().
				Str("archive", archive.Name).
				Str("operation", string(op)).
				Int("patients", len(patients)).
				Dur("duration", time.Since(start)).
				Msg("Archive query completed")
			return patients, nil
		}
	}

	var ce *adapters.ConnectorError
	if !errors.As(err, &ce) {
		ce = &adapters.ConnectorError{Kind: adapters.KindUnreachable, Archive: archive.Name, Err: err}
	}
	d.metrics.ObserveArchiveQuery(archive.Name, string(ce.Kind), time.Since(start))
	log.Warn().
		Err(err).
		Str("archive", archive.Name).
		Str("kind", string(ce.Kind)).
		Str("operation", string(op)).
		Dur("duration", time.Since(start)).
		Msg("Archive query failed")
	return nil, ce
}
