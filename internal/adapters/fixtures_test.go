package adapters

import (
	"slices"
	"strings"

	"github.com/nroduit/viewer-hub-sub002/pkg/dimse"
)

// archiveRows is a small archive: patient P1 with a CT study (two series,
// three instances) and an MR study, patient P2 with one study.
func archiveRows() []record {
	ct := record{
		PatientID: "P1", PatientName: "Doe^John", PatientBirthDate: "19700101", PatientSex: "M",
		StudyInstanceUID: "1.2.1", StudyDate: "20240105", StudyTime: "101500", StudyDescription: "CT Thorax",
		AccessionNumber: "A1", StudyID: "S1", ModalitiesInStudy: `CT\SR`,
	}
	mr := record{
		PatientID: "P1", PatientName: "Doe^John", PatientBirthDate: "19700101", PatientSex: "M",
		StudyInstanceUID: "1.2.2", StudyDate: "20230301", StudyDescription: "MR Knee",
		AccessionNumber: "A2", ModalitiesInStudy: "MR",
	}
	us := record{
		PatientID: "P2", PatientName: "Roe^Jane", PatientSex: "F",
		StudyInstanceUID: "1.3.1", StudyDate: "20220710", StudyDescription: "US Abdomen",
		AccessionNumber: "A3", ModalitiesInStudy: "US",
	}

	series := func(r record, uid, number, modality, description string) record {
		r.SeriesInstanceUID, r.SeriesNumber, r.Modality, r.SeriesDescription = uid, number, modality, description
		return r
	}
	instance := func(r record, uid, number string) record {
		r.SOPInstanceUID, r.SOPClassUID, r.InstanceNumber = uid, "1.2.840.10008.5.1.4.1.1.2", number
		return r
	}

	return []record{
		instance(series(ct, "1.2.1.1", "1", "CT", "Axial"), "1.2.1.1.1", "1"),
		instance(series(ct, "1.2.1.1", "1", "CT", "Axial"), "1.2.1.1.2", "2"),
		instance(series(ct, "1.2.1.2", "2", "SR", "Report"), "1.2.1.2.1", "1"),
		instance(series(mr, "1.2.2.1", "1", "MR", "Sagittal"), "1.2.2.1.1", "1"),
		instance(series(us, "1.3.1.1", "1", "US", ""), "1.3.1.1.1", "1"),
	}
}

// attributes returns the values of r keyed by tag
func (r record) attributes() map[dimse.Tag]string {
	return map[dimse.Tag]string{
		dimse.TagPatientID:              r.PatientID,
		dimse.TagPatientName:            r.PatientName,
		dimse.TagIssuerOfPatientID:      r.IssuerOfPatientID,
		dimse.TagPatientBirthDate:       r.PatientBirthDate,
		dimse.TagPatientSex:             r.PatientSex,
		dimse.TagStudyInstanceUID:       r.StudyInstanceUID,
		dimse.TagStudyDate:              r.StudyDate,
		dimse.TagStudyTime:              r.StudyTime,
		dimse.TagStudyDescription:       r.StudyDescription,
		dimse.TagAccessionNumber:        r.AccessionNumber,
		dimse.TagStudyID:                r.StudyID,
		dimse.TagReferringPhysicianName: r.ReferringPhysicianName,
		dimse.TagModalitiesInStudy:      r.ModalitiesInStudy,
		dimse.TagSeriesInstanceUID:      r.SeriesInstanceUID,
		dimse.TagSeriesDescription:      r.SeriesDescription,
		dimse.TagSeriesNumber:           r.SeriesNumber,
		dimse.TagModality:               r.Modality,
		dimse.TagSOPInstanceUID:         r.SOPInstanceUID,
		dimse.TagSOPClassUID:            r.SOPClassUID,
		dimse.TagInstanceNumber:         r.InstanceNumber,
	}
}

// levelKey identifies the entity r belongs to at a query level
func levelKey(r record, level string) string {
	switch level {
	case dimse.LevelPatient:
		return r.PatientID
	case dimse.LevelStudy:
		return r.StudyInstanceUID
	case dimse.LevelSeries:
		return r.SeriesInstanceUID
	default:
		return r.SOPInstanceUID
	}
}

// findOver answers C-FIND requests from rows, returning only the requested
// keys. UID keys use list matching.
func findOver(rows []record) func(model string, query *dimse.Dataset) ([]*dimse.Dataset, uint16) {
	return func(model string, query *dimse.Dataset) ([]*dimse.Dataset, uint16) {
		level := query.String(dimse.TagQueryRetrieveLevel)
		seen := make(map[string]bool)
		var out []*dimse.Dataset
		for _, r := range rows {
			attrs := r.attributes()
			if !matchesKeys(attrs, query) {
				continue
			}
			key := levelKey(r, level)
			if seen[key] {
				continue
			}
			seen[key] = true

			ds := dimse.NewDataset()
			ds.Set(dimse.TagQueryRetrieveLevel, level)
			for _, tag := range query.Tags() {
				if tag == dimse.TagQueryRetrieveLevel {
					continue
				}
				ds.Set(tag, strings.Split(attrs[tag], `\`)...)
			}
			out = append(out, ds)
		}
		return out, dimse.StatusSuccess
	}
}

func matchesKeys(attrs map[dimse.Tag]string, query *dimse.Dataset) bool {
	for _, tag := range query.Tags() {
		if tag == dimse.TagQueryRetrieveLevel {
			continue
		}
		values := query.Strings(tag)
		if len(values) == 0 {
			continue
		}
		if !slices.Contains(values, attrs[tag]) {
			return false
		}
	}
	return true
}
