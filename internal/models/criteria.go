package models

import "time"

// RequestContext carries caller attributes that only take part in the
// fingerprint.
type RequestContext struct {
	User   string `json:"user,omitempty"`
	Host   string `json:"host,omitempty"`
	Client string `json:"client,omitempty"`
}

// SearchCriteria is the normalized form of a manifest request. Set-valued
// fields are sorted and de-duplicated, except Archives which keeps the
// caller's order as precedence.
type SearchCriteria struct {
	PatientIDs       []string `json:"patientIDs,omitempty"`
	StudyUIDs        []string `json:"studyUIDs,omitempty"`
	AccessionNumbers []string `json:"accessionNumbers,omitempty"`
	SeriesUIDs       []string `json:"seriesUIDs,omitempty"`
	SOPInstanceUIDs  []string `json:"sopInstanceUIDs,omitempty"`

	LowerDateTime *time.Time `json:"lowerDateTime,omitempty"`
	UpperDateTime *time.Time `json:"upperDateTime,omitempty"`

	Modalities        []string `json:"modalities,omitempty"`
	DescriptionTerms  []string `json:"descriptionTerms,omitempty"`
	MostRecentResults int      `json:"mostRecentResults,omitempty"`

	Archives     []string       `json:"archives,omitempty"`
	LauncherArgs []string       `json:"launcherArgs,omitempty"`
	Context      RequestContext `json:"context"`
}

// HasIdentifiers reports whether at least one identifying set is non-empty
func (c *SearchCriteria) HasIdentifiers() bool {
	return len(c.PatientIDs) > 0 || len(c.StudyUIDs) > 0 || len(c.AccessionNumbers) > 0 ||
		len(c.SeriesUIDs) > 0 || len(c.SOPInstanceUIDs) > 0
}

// HasDateRange reports whether a lower or upper date bound is set
func (c *SearchCriteria) HasDateRange() bool {
	return c.LowerDateTime != nil || c.UpperDateTime != nil
}
