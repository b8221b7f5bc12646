package manifest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/adapters"
	"github.com/nroduit/viewer-hub-sub002/internal/criteria"
	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubConnector answers every operation with the same fragments
type stubConnector struct {
	patients []*models.Patient
	err      error
	delay    time.Duration

	mu    sync.Mutex
	calls []string
}

func (s *stubConnector) answer(ctx context.Context, op string, q adapters.Query) ([]*models.Patient, error) {
	s.mu.Lock()
	s.calls = append(s.calls, op)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, &adapters.ConnectorError{Kind: adapters.KindTimeout, Err: ctx.Err()}
		}
	}
	return s.patients, s.err
}

func (s *stubConnector) ByPatientIDs(ctx context.Context, q adapters.Query) ([]*models.Patient, error) {
	return s.answer(ctx, "patient", q)
}

func (s *stubConnector) ByStudyUIDs(ctx context.Context, q adapters.Query) ([]*models.Patient, error) {
	return s.answer(ctx, "study", q)
}

func (s *stubConnector) ByAccessionNumbers(ctx context.Context, q adapters.Query) ([]*models.Patient, error) {
	return s.answer(ctx, "accession", q)
}

func (s *stubConnector) BySeriesUIDs(ctx context.Context, q adapters.Query) ([]*models.Patient, error) {
	return s.answer(ctx, "series", q)
}

func (s *stubConnector) BySOPInstanceUIDs(ctx context.Context, q adapters.Query) ([]*models.Patient, error) {
	return s.answer(ctx, "sop", q)
}

func (s *stubConnector) TestConnection(context.Context) (*models.ConnectionStatus, error) {
	return &models.ConnectionStatus{IsConnected: s.err == nil}, s.err
}

func (s *stubConnector) Close() error { return nil }

func (s *stubConnector) Kind() models.ArchiveKind { return models.ArchiveKindSQL }

// stubProvider maps archive names to connectors
type stubProvider map[string]adapters.Connector

func (p stubProvider) Get(config models.ArchiveConfig) (adapters.Connector, error) {
	c, ok := p[config.Name]
	if !ok {
		return nil, errors.New("no connector")
	}
	return c, nil
}

func patient(id, studyUID, seriesUID string, sopUIDs ...string) *models.Patient {
	serie := &models.Serie{SeriesInstanceUID: seriesUID, Modality: "CT"}
	for _, uid := range sopUIDs {
		serie.Instances = append(serie.Instances, &models.Instance{SOPInstanceUID: uid})
	}
	return &models.Patient{
		PatientID: id,
		Studies: []*models.Study{{
			StudyInstanceUID: studyUID,
			StudyDate:        "20240102",
			Series:           []*models.Serie{serie},
		}},
	}
}

func archives(names ...string) []models.ArchiveConfig {
	out := make([]models.ArchiveConfig, 0, len(names))
	for _, n := range names {
		out = append(out, models.ArchiveConfig{Name: n, Kind: models.ArchiveKindSQL})
	}
	return out
}

func TestSelectOperation(t *testing.T) {
	c := &models.SearchCriteria{
		PatientIDs:       []string{"P1"},
		AccessionNumbers: []string{"A1"},
		StudyUIDs:        []string{"1.2"},
	}
	op, ids := SelectOperation(c)
	assert.Equal(t, OpStudyUIDs, op)
	assert.Equal(t, []string{"1.2"}, ids)

	c.SeriesUIDs = []string{"1.2.3"}
	op, _ = SelectOperation(c)
	assert.Equal(t, OpSeriesUIDs, op)

	c.SOPInstanceUIDs = []string{"1.2.3.4"}
	op, _ = SelectOperation(c)
	assert.Equal(t, OpSOPInstanceUIDs, op)

	op, _ = SelectOperation(&models.SearchCriteria{PatientIDs: []string{"P1"}, AccessionNumbers: []string{"A1"}})
	assert.Equal(t, OpAccessionNumbers, op)

	op, _ = SelectOperation(&models.SearchCriteria{})
	assert.Equal(t, Operation(""), op)
}

func TestDispatch_PartialFailure(t *testing.T) {
	ok := &stubConnector{patients: []*models.Patient{patient("P1", "S1", "SE1", "I1")}}
	provider := stubProvider{
		"A": ok,
		"B": &stubConnector{err: &adapters.ConnectorError{Kind: adapters.KindUnreachable, Archive: "B"}},
		"C": &stubConnector{err: &adapters.ConnectorError{Kind: adapters.KindAuthRejected, Archive: "C"}},
	}
	d := NewDispatcher(provider, nil, DispatcherConfig{})
	merger := NewMerger(archives("A", "B", "C"))

	report, err := d.Dispatch(context.Background(), &models.SearchCriteria{PatientIDs: []string{"P1"}},
		archives("A", "B", "C"), models.Anonymous(), merger)
	require.NoError(t, err)

	assert.Equal(t, []string{"A"}, report.Succeeded)
	assert.Equal(t, []string{"B", "C"}, report.FailedArchives())
	assert.Equal(t, adapters.KindAuthRejected, adapters.KindOf(report.Failures["C"]))
	assert.Equal(t, []string{"patient"}, ok.calls)

	arcs := merger.ArcQueries()
	require.Len(t, arcs, 1)
	assert.Equal(t, "A", arcs[0].ArcID)
}

func TestDispatch_AllFailed(t *testing.T) {
	provider := stubProvider{
		"A": &stubConnector{err: &adapters.ConnectorError{Kind: adapters.KindTimeout, Archive: "A"}},
	}
	d := NewDispatcher(provider, nil, DispatcherConfig{})

	// B has no connector at all
	report, err := d.Dispatch(context.Background(), &models.SearchCriteria{StudyUIDs: []string{"1.2"}},
		archives("A", "B"), models.Anonymous(), NewMerger(nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllConnectorsFailed)

	var allFailed *AllConnectorsFailedError
	require.ErrorAs(t, err, &allFailed)
	assert.Len(t, allFailed.Failures, 2)
	assert.Equal(t, adapters.KindUnreachable, adapters.KindOf(report.Failures["B"]))
}

func TestDispatch_NoArchives(t *testing.T) {
	d := NewDispatcher(stubProvider{}, nil, DispatcherConfig{})

	_, err := d.Dispatch(context.Background(), &models.SearchCriteria{PatientIDs: []string{"P1"}}, nil, models.Anonymous(), NewMerger(nil))
	assert.ErrorIs(t, err, ErrNoArchives)

	_, err = d.Dispatch(context.Background(), &models.SearchCriteria{}, archives("A"), models.Anonymous(), NewMerger(nil))
	assert.ErrorIs(t, err, criteria.ErrNoIdentifyingCriteria)
}

func TestDispatch_PerArchiveTimeout(t *testing.T) {
	slow := &stubConnector{delay: time.Second, patients: []*models.Patient{patient("P1", "S1", "SE1")}}
	fast := &stubConnector{patients: []*models.Patient{patient("P1", "S1", "SE1")}}
	d := NewDispatcher(stubProvider{"slow": slow, "fast": fast}, nil, DispatcherConfig{DefaultTimeout: 50 * time.Millisecond})

	start := time.Now()
	report, err := d.Dispatch(context.Background(), &models.SearchCriteria{PatientIDs: []string{"P1"}},
		archives("slow", "fast"), models.Anonymous(), NewMerger(nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, adapters.KindTimeout, adapters.KindOf(report.Failures["slow"]))
	assert.Equal(t, []string{"fast"}, report.Succeeded)
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	provider := stubProvider{}
	names := []string{"a", "b", "c", "d", "e"}
	for _, n := range names {
		provider[n] = &countingConnector{running: &running, peak: &peak}
	}
	d := NewDispatcher(provider, nil, DispatcherConfig{MaxConcurrency: 2})

	_, err := d.Dispatch(context.Background(), &models.SearchCriteria{PatientIDs: []string{"P1"}},
		archives(names...), models.Anonymous(), NewMerger(nil))
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatch_Cancelled(t *testing.T) {
	slow := &stubConnector{delay: time.Second}
	d := NewDispatcher(stubProvider{"A": slow}, nil, DispatcherConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := d.Dispatch(ctx, &models.SearchCriteria{PatientIDs: []string{"P1"}}, archives("A"), models.Anonymous(), NewMerger(nil))
	assert.ErrorIs(t, err, context.Canceled)
}

// countingConnector tracks how many calls run at once
type countingConnector struct {
	stubConnector
	running *atomic.Int32
	peak    *atomic.Int32
}

func (c *countingConnector) ByPatientIDs(ctx context.Context, q adapters.Query) ([]*models.Patient, error) {
	n := c.running.Add(1)
	defer c.running.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return []*models.Patient{patient("P1", "S1", "SE1")}, nil
}
