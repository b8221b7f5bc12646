package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/pkg/dimse"
	"github.com/rs/zerolog/log"
)

// DefaultCallingAET is used when an archive does not set its own
const DefaultCallingAET = "VIEWERHUB"

// DIMSEConnector queries a DICOM archive with C-FIND
type DIMSEConnector struct {
	BaseConnector
	pool *dimse.ConnectionPool
}

// NewDIMSEConnector creates a connector backed by an association pool
func NewDIMSEConnector(config models.ArchiveConfig) (*DIMSEConnector, error) {
	assoc := dimse.AssociationConfig{
		Host:         config.DIMSE.Host,
		Port:         config.DIMSE.Port,
		CallingAET:   config.DIMSE.CallingAET,
		CalledAET:    config.DIMSE.CalledAET,
		Timeout:      config.Timeout.Std(),
		MaxPDULength: config.DIMSE.MaxPDULength,
	}
	if assoc.CallingAET == "" {
		assoc.CallingAET = DefaultCallingAET
	}
	if config.DIMSE.TLS.Enabled {
		tlsConfig, err := dimse.TLSOptions{
			CertFile:           config.DIMSE.TLS.CertFile,
			KeyFile:            config.DIMSE.TLS.KeyFile,
			CAFile:             config.DIMSE.TLS.CAFile,
			ServerName:         config.DIMSE.TLS.ServerName,
			InsecureSkipVerify: config.DIMSE.TLS.InsecureSkipVerify,
		}.Config()
		if err != nil {
			return nil, err
		}
		assoc.TLS = tlsConfig
	}

	return &DIMSEConnector{
		BaseConnector: BaseConnector{config: config},
		pool: dimse.NewConnectionPool(dimse.PoolConfig{
			AssociationConfig: assoc,
			MaxPoolSize:       config.DIMSE.PoolSize,
		}),
	}, nil
}

func (c *DIMSEConnector) ByPatientIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, func(s *findSession) ([]record, error) {
		var studies []record
		for _, id := range q.IDs {
			found, err := s.find(true, studyQuery(func(ds *dimse.Dataset) {
				ds.Set(dimse.TagPatientID, id)
			}))
			if err != nil {
				return nil, err
			}
			studies = append(studies, found...)
		}
		return s.descend(studies, models.QueryLevelStudy)
	})
}

func (c *DIMSEConnector) ByStudyUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, func(s *findSession) ([]record, error) {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		studies, err := s.find(false, studyQuery(func(ds *dimse.Dataset) {
			ds.Set(dimse.TagStudyInstanceUID, q.IDs...)
		}))
		if err != nil {
			return nil, err
		}
		return s.descend(studies, models.QueryLevelStudy)
	})
}

func (c *DIMSEConnector) ByAccessionNumbers(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, func(s *findSession) ([]record, error) {
		var studies []record
		for _, acc := range q.IDs {
			found, err := s.find(false, studyQuery(func(ds *dimse.Dataset) {
				ds.Set(dimse.TagAccessionNumber, acc)
			}))
			if err != nil {
				return nil, err
			}
			studies = append(studies, found...)
		}
		return s.descend(studies, models.QueryLevelStudy)
	})
}

func (c *DIMSEConnector) BySeriesUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, func(s *findSession) ([]record, error) {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		query := seriesQuery("", func(ds *dimse.Dataset) {
			ds.Set(dimse.TagSeriesInstanceUID, q.IDs...)
		})
		if c.config.QueryRelational {
			addStudyKeys(query)
		}
		series, err := s.find(false, query)
		if err != nil {
			return nil, err
		}
		if !c.config.QueryRelational {
			if series, err = s.resolveStudies(series); err != nil {
				return nil, err
			}
		}
		return s.descend(series, models.QueryLevelSeries)
	})
}

func (c *DIMSEConnector) BySOPInstanceUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, func(s *findSession) ([]record, error) {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		query := imageQuery("", "", func(ds *dimse.Dataset) {
			ds.Set(dimse.TagSOPInstanceUID, q.IDs...)
		})
		if c.config.QueryRelational {
			addStudyKeys(query)
			addSeriesKeys(query)
		}
		images, err := s.find(false, query)
		if err != nil {
			return nil, err
		}
		if !c.config.QueryRelational {
			if images, err = s.resolveSeries(images); err != nil {
				return nil, err
			}
			if images, err = s.resolveStudies(images); err != nil {
				return nil, err
			}
		}
		return images, nil
	})
}

// TestConnection performs a C-ECHO on a pooled association
func (c *DIMSEConnector) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	return c.connectionStatus(ctx, []string{"C-ECHO", "C-FIND"}, func(ctx context.Context) error {
		err := c.pool.Do(ctx, func(a *dimse.Association) error {
			return a.CEcho(ctx)
		})
		return c.wrap(err)
	})
}

// Close releases every pooled association
func (c *DIMSEConnector) Close() error {
	return c.pool.Close()
}

func (c *DIMSEConnector) run(ctx context.Context, fn func(*findSession) ([]record, error)) ([]*models.Patient, error) {
	var records []record
	err := c.pool.Do(ctx, func(a *dimse.Association) error {
		var err error
		records, err = fn(&findSession{ctx: ctx, assoc: a, depth: c.depth(), archive: c.name()})
		return err
	})
	if err != nil {
		return nil, c.wrap(err)
	}
	return toPatients(records), nil
}

func (c *DIMSEConnector) wrap(err error) error {
	if err == nil {
		return nil
	}
	var rejected *dimse.RejectError
	var statusErr *dimse.StatusError
	var protoErr *dimse.ProtocolError
	switch {
	case errors.As(err, &rejected):
		return newError(c.name(), KindAuthRejected, "association rejected", err)
	case errors.As(err, &statusErr), errors.As(err, &protoErr), errors.Is(err, dimse.ErrNoPresentationContext):
		return newError(c.name(), KindMalformedResponse, "", err)
	}
	return classify(c.name(), err, KindUnreachable)
}

// findSession runs the C-FIND requests of one operation on one association
type findSession struct {
	ctx     context.Context
	assoc   *dimse.Association
	depth   models.QueryLevel
	archive string
}

// find runs a C-FIND, in the Patient Root model when patientRoot is set
// and accepted, otherwise in the Study Root model. Series and image queries
// carry the patient ID for archives that only accept Patient Root.
func (s *findSession) find(patientRoot bool, query *dimse.Dataset) ([]record, error) {
	model := dimse.StudyRootFind
	if (patientRoot && s.assoc.Accepts(dimse.PatientRootFind)) || !s.assoc.Accepts(dimse.StudyRootFind) {
		model = dimse.PatientRootFind
	}
	// below STUDY level the patient ID is only a matching key in the Patient Root model
	if model == dimse.StudyRootFind && query.String(dimse.TagQueryRetrieveLevel) != dimse.LevelStudy &&
		query.String(dimse.TagPatientID) != "" {
		query.Delete(dimse.TagPatientID)
	}

	start := time.Now()
	results, err := s.assoc.CFind(s.ctx, model, query)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Str("archive", s.archive).
		Str("level", query.String(dimse.TagQueryRetrieveLevel)).
		Int("matches", len(results)).
		Dur("duration", time.Since(start)).
		Msg("C-FIND completed")

	records := make([]record, 0, len(results))
	for _, ds := range results {
		records = append(records, recordFromDataset(ds))
	}
	return records, nil
}

// descend completes records identified at level with the series and
// instances the archive depth asks for.
func (s *findSession) descend(records []record, level models.QueryLevel) ([]record, error) {
	if level == models.QueryLevelStudy && s.depth.Covers(models.QueryLevelSeries) {
		var out []record
		for _, study := range records {
			series, err := s.find(false, seriesQuery(study.StudyInstanceUID, func(ds *dimse.Dataset) {
				ds.Set(dimse.TagPatientID, study.PatientID)
			}))
			if err != nil {
				return nil, err
			}
			if len(series) == 0 {
				out = append(out, study)
			}
			for _, se := range series {
				out = append(out, se.withStudy(study))
			}
		}
		records = out
	}

	if s.depth.Covers(models.QueryLevelImage) {
		var out []record
		for _, se := range records {
			if se.SeriesInstanceUID == "" {
				out = append(out, se)
				continue
			}
			images, err := s.find(false, imageQuery(se.StudyInstanceUID, se.SeriesInstanceUID, func(ds *dimse.Dataset) {
				ds.Set(dimse.TagPatientID, se.PatientID)
			}))
			if err != nil {
				return nil, err
			}
			if len(images) == 0 {
				out = append(out, se)
			}
			for _, im := range images {
				out = append(out, im.withSeries(se))
			}
		}
		records = out
	}
	return records, nil
}

// resolveStudies fills patient and study attributes with one STUDY query
// per distinct study.
func (s *findSession) resolveStudies(records []record) ([]record, error) {
	studies := make(map[string]record)
	for _, r := range records {
		if r.StudyInstanceUID == "" {
			continue
		}
		if _, ok := studies[r.StudyInstanceUID]; ok {
			continue
		}
		found, err := s.find(false, studyQuery(func(ds *dimse.Dataset) {
			ds.Set(dimse.TagStudyInstanceUID, r.StudyInstanceUID)
		}))
		if err != nil {
			return nil, err
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("study %s of a matching object not found", r.StudyInstanceUID)
		}
		studies[r.StudyInstanceUID] = found[0]
	}

	out := make([]record, 0, len(records))
	for _, r := range records {
		if st, ok := studies[r.StudyInstanceUID]; ok {
			r = r.withStudy(st)
		}
		out = append(out, r)
	}
	return out, nil
}

// resolveSeries fills series attributes with one SERIES query per distinct series
func (s *findSession) resolveSeries(records []record) ([]record, error) {
	series := make(map[string]record)
	for _, r := range records {
		if r.SeriesInstanceUID == "" {
			continue
		}
		if _, ok := series[r.SeriesInstanceUID]; ok {
			continue
		}
		found, err := s.find(false, seriesQuery(r.StudyInstanceUID, func(ds *dimse.Dataset) {
			ds.Set(dimse.TagSeriesInstanceUID, r.SeriesInstanceUID)
		}))
		if err != nil {
			return nil, err
		}
		if len(found) > 0 {
			series[r.SeriesInstanceUID] = found[0]
		}
	}

	out := make([]record, 0, len(records))
	for _, r := range records {
		if se, ok := series[r.SeriesInstanceUID]; ok {
			r.SeriesDescription, r.SeriesNumber, r.Modality = se.SeriesDescription, se.SeriesNumber, se.Modality
		}
		out = append(out, r)
	}
	return out, nil
}

func studyQuery(keys func(*dimse.Dataset)) *dimse.Dataset {
	ds := dimse.NewQuery(dimse.LevelStudy)
	addStudyKeys(ds)
	keys(ds)
	return ds
}

func seriesQuery(studyUID string, keys func(*dimse.Dataset)) *dimse.Dataset {
	ds := dimse.NewQuery(dimse.LevelSeries)
	ds.Set(dimse.TagStudyInstanceUID, studyUID)
	addSeriesKeys(ds)
	keys(ds)
	return ds
}

func imageQuery(studyUID, seriesUID string, keys func(*dimse.Dataset)) *dimse.Dataset {
	ds := dimse.NewQuery(dimse.LevelImage)
	ds.Set(dimse.TagStudyInstanceUID, studyUID)
	ds.Set(dimse.TagSeriesInstanceUID, seriesUID)
	ds.Set(dimse.TagSOPInstanceUID)
	ds.Set(dimse.TagSOPClassUID)
	ds.Set(dimse.TagInstanceNumber)
	keys(ds)
	return ds
}

// addStudyKeys requests the patient and study return keys
func addStudyKeys(ds *dimse.Dataset) {
	for _, tag := range []dimse.Tag{
		dimse.TagPatientID, dimse.TagPatientName, dimse.TagIssuerOfPatientID, dimse.TagPatientBirthDate,
		dimse.TagPatientSex, dimse.TagStudyInstanceUID, dimse.TagStudyDate, dimse.TagStudyTime,
		dimse.TagStudyDescription, dimse.TagAccessionNumber, dimse.TagStudyID,
		dimse.TagReferringPhysicianName, dimse.TagModalitiesInStudy,
	} {
		if !ds.Has(tag) {
			ds.Set(tag)
		}
	}
}

// addSeriesKeys requests the series return keys
func addSeriesKeys(ds *dimse.Dataset) {
	for _, tag := range []dimse.Tag{
		dimse.TagSeriesInstanceUID, dimse.TagSeriesDescription, dimse.TagSeriesNumber, dimse.TagModality,
	} {
		if !ds.Has(tag) {
			ds.Set(tag)
		}
	}
}

func recordFromDataset(ds *dimse.Dataset) record {
	return record{
		PatientID:              ds.String(dimse.TagPatientID),
		PatientName:            ds.String(dimse.TagPatientName),
		IssuerOfPatientID:      ds.String(dimse.TagIssuerOfPatientID),
		PatientBirthDate:       ds.String(dimse.TagPatientBirthDate),
		PatientSex:             ds.String(dimse.TagPatientSex),
		StudyInstanceUID:       ds.String(dimse.TagStudyInstanceUID),
		StudyDate:              ds.String(dimse.TagStudyDate),
		StudyTime:              ds.String(dimse.TagStudyTime),
		StudyDescription:       ds.String(dimse.TagStudyDescription),
		AccessionNumber:        ds.String(dimse.TagAccessionNumber),
		StudyID:                ds.String(dimse.TagStudyID),
		ReferringPhysicianName: ds.String(dimse.TagReferringPhysicianName),
		ModalitiesInStudy:      joinValues(ds.Strings(dimse.TagModalitiesInStudy)),
		SeriesInstanceUID:      ds.String(dimse.TagSeriesInstanceUID),
		SeriesDescription:      ds.String(dimse.TagSeriesDescription),
		SeriesNumber:           ds.String(dimse.TagSeriesNumber),
		Modality:               ds.String(dimse.TagModality),
		SOPInstanceUID:         ds.String(dimse.TagSOPInstanceUID),
		SOPClassUID:            ds.String(dimse.TagSOPClassUID),
		InstanceNumber:         ds.String(dimse.TagInstanceNumber),
	}
}
