package adapters

import (
	"context"
	"strings"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

// Connector queries one archive and returns patient fragments. Fragments
// may stop at the study or series level depending on the archive query
// depth. The archive configuration is bound at construction.
type Connector interface {
	ByPatientIDs(ctx context.Context, q Query) ([]*models.Patient, error)
	ByStudyUIDs(ctx context.Context, q Query) ([]*models.Patient, error)
	ByAccessionNumbers(ctx context.Context, q Query) ([]*models.Patient, error)
	BySeriesUIDs(ctx context.Context, q Query) ([]*models.Patient, error)
	BySOPInstanceUIDs(ctx context.Context, q Query) ([]*models.Patient, error)

	TestConnection(ctx context.Context) (*models.ConnectionStatus, error)
	Close() error
	Kind() models.ArchiveKind
}

// Query carries the identifiers of one operation along with the full
// criteria and the caller identity.
type Query struct {
	IDs      []string
	Criteria *models.SearchCriteria
	Identity models.Identity
}

// BaseConnector provides common functionality for all connectors
type BaseConnector struct {
	config models.ArchiveConfig
}

// Kind returns the archive protocol
func (b *BaseConnector) Kind() models.ArchiveKind {
	return b.config.Kind
}

// Config returns the bound archive configuration
func (b *BaseConnector) Config() models.ArchiveConfig {
	return b.config
}

func (b *BaseConnector) name() string {
	return b.config.Name
}

func (b *BaseConnector) depth() models.QueryLevel {
	return b.config.EffectiveDepth()
}

// timeout returns the per-operation timeout of the archive, or fallback
func (b *BaseConnector) timeout(fallback time.Duration) time.Duration {
	if t := b.config.Timeout.Std(); t > 0 {
		return t
	}
	return fallback
}

// connectionStatus runs check and reports the outcome
func (b *BaseConnector) connectionStatus(ctx context.Context, capabilities []string, check func(context.Context) error) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		Archive:     b.name(),
		LastChecked: start,
	}

	err := check(ctx)
	status.ResponseTime = time.Since(start).Milliseconds()
	if err != nil {
		status.ErrorMessage = err.Error()
		return status, err
	}

	status.IsConnected = true
	status.Capabilities = capabilities
	return status, nil
}

// record is one flat row of attributes as returned by SQL sources, C-FIND
// identifiers and QIDO-RS results.
type record struct {
	PatientID         string
	PatientName       string
	IssuerOfPatientID string
	PatientBirthDate  string
	PatientSex        string

	StudyInstanceUID       string
	StudyDate              string
	StudyTime              string
	StudyDescription       string
	AccessionNumber        string
	StudyID                string
	ReferringPhysicianName string
	ModalitiesInStudy      string

	SeriesInstanceUID string
	SeriesDescription string
	SeriesNumber      string
	Modality          string

	SOPInstanceUID string
	SOPClassUID    string
	InstanceNumber string
}

// truncate drops the attributes below level
func (r record) truncate(level models.QueryLevel) record {
	if !level.Covers(models.QueryLevelSeries) {
		r.SeriesInstanceUID, r.SeriesDescription, r.SeriesNumber, r.Modality = "", "", "", ""
	}
	if !level.Covers(models.QueryLevelImage) {
		r.SOPInstanceUID, r.SOPClassUID, r.InstanceNumber = "", "", ""
	}
	return r
}

// withStudy copies patient and study attributes from parent
func (r record) withStudy(parent record) record {
	r.PatientID, r.PatientName, r.IssuerOfPatientID = parent.PatientID, parent.PatientName, parent.IssuerOfPatientID
	r.PatientBirthDate, r.PatientSex = parent.PatientBirthDate, parent.PatientSex
	r.StudyInstanceUID, r.StudyDate, r.StudyTime = parent.StudyInstanceUID, parent.StudyDate, parent.StudyTime
	r.StudyDescription, r.AccessionNumber, r.StudyID = parent.StudyDescription, parent.AccessionNumber, parent.StudyID
	r.ReferringPhysicianName, r.ModalitiesInStudy = parent.ReferringPhysicianName, parent.ModalitiesInStudy
	return r
}

// withSeries copies patient, study and series attributes from parent
func (r record) withSeries(parent record) record {
	r = r.withStudy(parent)
	r.SeriesInstanceUID, r.SeriesDescription = parent.SeriesInstanceUID, parent.SeriesDescription
	r.SeriesNumber, r.Modality = parent.SeriesNumber, parent.Modality
	return r
}

// patient builds the fragment down to the deepest level carrying a UID.
// Records without a study UID yield nil.
func (r record) patient() *models.Patient {
	if r.StudyInstanceUID == "" {
		return nil
	}
	study := &models.Study{
		StudyInstanceUID:       r.StudyInstanceUID,
		StudyDescription:       r.StudyDescription,
		StudyDate:              r.StudyDate,
		StudyTime:              r.StudyTime,
		AccessionNumber:        r.AccessionNumber,
		StudyID:                r.StudyID,
		ReferringPhysicianName: r.ReferringPhysicianName,
		ModalitiesInStudy:      r.ModalitiesInStudy,
	}
	if r.SeriesInstanceUID != "" {
		serie := &models.Serie{
			SeriesInstanceUID: r.SeriesInstanceUID,
			SeriesDescription: r.SeriesDescription,
			SeriesNumber:      r.SeriesNumber,
			Modality:          r.Modality,
		}
		if r.SOPInstanceUID != "" {
			serie.Instances = []*models.Instance{{
				SOPInstanceUID: r.SOPInstanceUID,
				SOPClassUID:    r.SOPClassUID,
				InstanceNumber: r.InstanceNumber,
			}}
		}
		study.Series = []*models.Serie{serie}
	}
	return &models.Patient{
		PatientID:         r.PatientID,
		PatientName:       r.PatientName,
		IssuerOfPatientID: r.IssuerOfPatientID,
		PatientBirthDate:  r.PatientBirthDate,
		PatientSex:        r.PatientSex,
		Studies:           []*models.Study{study},
	}
}

// toPatients folds records into merged patient fragments
func toPatients(records []record) []*models.Patient {
	set := &models.PatientSet{}
	for _, r := range records {
		if p := r.patient(); p != nil {
			set.Add(p)
		}
	}
	return set.Patients()
}

// deepest returns the deeper of two levels
func deepest(a, b models.QueryLevel) models.QueryLevel {
	if a.Covers(b) {
		return a
	}
	return b
}

// joinValues joins multi-valued attributes with the DICOM separator
func joinValues(values []string) string {
	return strings.Join(values, `\`)
}
