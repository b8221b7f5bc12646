package models

import (
	"encoding/xml"
	"strings"
	"time"
)

// ManifestNamespace is the XML namespace of the manifest document
const ManifestNamespace = "http://www.weasis.org/xsd/2.5"

// Manifest is the result of one build: one ArcQuery per contributing archive
// plus the build bookkeeping.
type Manifest struct {
	XMLName xml.Name `xml:"http://www.weasis.org/xsd/2.5 manifest" json:"-"`

	BuildID       string        `xml:"-" json:"buildId"`
	StartedAt     time.Time     `xml:"-" json:"startedAt"`
	BuildDuration time.Duration `xml:"-" json:"buildDuration"`
	Authenticated bool          `xml:"-" json:"authenticated"`
	// InProgress is set while the builder owns the manifest. The cache
	// coordinator clears it on completion, so cached and served manifests
	// always carry false.
	InProgress     bool     `xml:"-" json:"inProgress"`
	AccessToken    string   `xml:"-" json:"accessToken,omitempty"`
	FailedArchives []string `xml:"-" json:"failedArchives,omitempty"`

	ArcQueries []*ArcQuery `xml:"arcQuery" json:"arcQueries"`
}

// ArcQuery is the subtree contributed by a single archive
type ArcQuery struct {
	ArcID                     string `xml:"arcId,attr" json:"arcId"`
	BaseURL                   string `xml:"baseUrl,attr" json:"baseUrl"`
	RequireOnlySOPInstanceUID bool   `xml:"requireOnlySOPInstanceUID,attr" json:"requireOnlySOPInstanceUID"`
	AdditionalParameters      string `xml:"additionnalParameters,attr,omitempty" json:"additionnalParameters,omitempty"`
	OverrideDicomTagsList     string `xml:"overrideDicomTagsList,attr,omitempty" json:"overrideDicomTagsList,omitempty"`
	QueryMode                 string `xml:"queryMode,attr,omitempty" json:"queryMode,omitempty"`

	HTTPTags []HTTPTag  `xml:"httpTag" json:"httpTags,omitempty"`
	Patients []*Patient `xml:"Patient" json:"patients"`
}

// HTTPTag is an extra header the viewer must send to the archive
type HTTPTag struct {
	Key   string `xml:"key,attr" json:"key"`
	Value string `xml:"value,attr" json:"value"`
}

// Patient is unique by PatientID within its ArcQuery
type Patient struct {
	PatientID         string `xml:"PatientID,attr" json:"patientID"`
	PatientName       string `xml:"PatientName,attr,omitempty" json:"patientName,omitempty"`
	IssuerOfPatientID string `xml:"IssuerOfPatientID,attr,omitempty" json:"issuerOfPatientID,omitempty"`
	PatientBirthDate  string `xml:"PatientBirthDate,attr,omitempty" json:"patientBirthDate,omitempty"`
	PatientSex        string `xml:"PatientSex,attr,omitempty" json:"patientSex,omitempty"`

	Studies []*Study `xml:"Study" json:"studies"`
}

// Study is unique by StudyInstanceUID within its Patient
type Study struct {
	StudyInstanceUID       string `xml:"StudyInstanceUID,attr" json:"studyInstanceUID"`
	StudyDescription       string `xml:"StudyDescription,attr,omitempty" json:"studyDescription,omitempty"`
	StudyDate              string `xml:"StudyDate,attr,omitempty" json:"studyDate,omitempty"`
	StudyTime              string `xml:"StudyTime,attr,omitempty" json:"studyTime,omitempty"`
	AccessionNumber        string `xml:"AccessionNumber,attr,omitempty" json:"accessionNumber,omitempty"`
	StudyID                string `xml:"StudyID,attr,omitempty" json:"studyID,omitempty"`
	ReferringPhysicianName string `xml:"ReferringPhysicianName,attr,omitempty" json:"referringPhysicianName,omitempty"`
	ModalitiesInStudy      string `xml:"ModalitiesInStudy,attr,omitempty" json:"modalitiesInStudy,omitempty"`

	Series []*Serie `xml:"Series" json:"series"`
}

// Serie is unique by SeriesInstanceUID within its Study
type Serie struct {
	SeriesInstanceUID string `xml:"SeriesInstanceUID,attr" json:"seriesInstanceUID"`
	SeriesDescription string `xml:"SeriesDescription,attr,omitempty" json:"seriesDescription,omitempty"`
	SeriesNumber      string `xml:"SeriesNumber,attr,omitempty" json:"seriesNumber,omitempty"`
	Modality          string `xml:"Modality,attr,omitempty" json:"modality,omitempty"`

	Instances []*Instance `xml:"Instance" json:"instances"`
}

// Instance is unique by SOPInstanceUID within its Serie
type Instance struct {
	SOPInstanceUID string `xml:"SOPInstanceUID,attr" json:"sopInstanceUID"`
	SOPClassUID    string `xml:"SOPClassUID,attr,omitempty" json:"sopClassUID,omitempty"`
	InstanceNumber string `xml:"InstanceNumber,attr,omitempty" json:"instanceNumber,omitempty"`
}

// DateTime returns the study date and time. ok is false when the study has no
// parsable date.
func (s *Study) DateTime() (t time.Time, ok bool) {
	return ParseDateTime(s.StudyDate, s.StudyTime)
}

// Modalities returns the series modalities, or ModalitiesInStudy when the
// study was fetched without its series.
func (s *Study) Modalities() []string {
	var out []string
	for _, serie := range s.Series {
		if serie.Modality != "" {
			out = append(out, serie.Modality)
		}
	}
	if len(s.Series) == 0 && s.ModalitiesInStudy != "" {
		for _, m := range strings.FieldsFunc(s.ModalitiesInStudy, func(r rune) bool { return r == '\\' || r == ',' }) {
			if m = strings.TrimSpace(m); m != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

// CountInstances returns the number of instances in the manifest
func (m *Manifest) CountInstances() int {
	n := 0
	for _, arc := range m.ArcQueries {
		for _, p := range arc.Patients {
			for _, st := range p.Studies {
				for _, se := range st.Series {
					n += len(se.Instances)
				}
			}
		}
	}
	return n
}

var dateLayouts = []string{"20060102", "2006-01-02", "2006.01.02"}

var timeLayouts = []string{"150405", "1504", "15", "15:04:05", "15:04"}

// ParseDateTime parses DICOM DA and TM values (UTC). A missing or invalid
// time falls back to midnight.
func ParseDateTime(date, tm string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	if date == "" {
		return time.Time{}, false
	}
	var d time.Time
	var err error
	for _, layout := range dateLayouts {
		if d, err = time.ParseInLocation(layout, date, time.UTC); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, false
	}

	tm = strings.TrimSpace(tm)
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm = tm[:i]
	}
	if tm == "" {
		return d, true
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, tm, time.UTC); err == nil {
			return d.Add(time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second), true
		}
	}
	return d, true
}
