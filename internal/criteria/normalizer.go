package criteria

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
)

// Request parameter names
const (
	ParamPatientID         = "patientID"
	ParamStudyUID          = "studyUID"
	ParamAccessionNumber   = "accessionNumber"
	ParamSeriesUID         = "seriesUID"
	ParamObjectUID         = "objectUID"
	ParamLowerDateTime     = "lowerDateTime"
	ParamUpperDateTime     = "upperDateTime"
	ParamModalitiesInStudy = "modalitiesInStudy"
	ParamContainsInDesc    = "containsInDescription"
	ParamMostRecentResults = "mostRecentResults"
	ParamArchive           = "archive"
	ParamArg               = "arg"
	ParamUser              = "user"
	ParamHost              = "host"
	ParamClient            = "client"
)

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102",
}

// Normalizer turns raw request parameters into SearchCriteria
type Normalizer struct {
	// Location applies to date bounds given without a zone. Defaults to UTC.
	Location *time.Location
}

// NewNormalizer creates a normalizer for dates expressed in UTC
func NewNormalizer() *Normalizer {
	return &Normalizer{Location: time.UTC}
}

// Normalize validates params and builds the canonical criteria
func (n *Normalizer) Normalize(params url.Values) (*models.SearchCriteria, error) {
	c := &models.SearchCriteria{
		PatientIDs:       splitSet(params[ParamPatientID]),
		StudyUIDs:        splitSet(params[ParamStudyUID]),
		AccessionNumbers: splitSet(params[ParamAccessionNumber]),
		SeriesUIDs:       splitSet(params[ParamSeriesUID]),
		SOPInstanceUIDs:  splitSet(params[ParamObjectUID]),
		Archives:         splitOrdered(params[ParamArchive]),
		LauncherArgs:     nonBlank(params[ParamArg]),
		Context: models.RequestContext{
			User:   strings.TrimSpace(params.Get(ParamUser)),
			Host:   strings.TrimSpace(params.Get(ParamHost)),
			Client: strings.TrimSpace(params.Get(ParamClient)),
		},
	}

	for _, m := range splitSet(params[ParamModalitiesInStudy]) {
		c.Modalities = append(c.Modalities, strings.ToUpper(m))
	}
	c.Modalities = dedupSorted(c.Modalities)

	for _, term := range splitSet(params[ParamContainsInDesc]) {
		c.DescriptionTerms = append(c.DescriptionTerms, Fold(term))
	}
	c.DescriptionTerms = dedupSorted(c.DescriptionTerms)

	if !c.HasIdentifiers() {
		return nil, ErrNoIdentifyingCriteria
	}

	var err error
	if c.LowerDateTime, err = n.parseDateTime(params.Get(ParamLowerDateTime)); err != nil {
		return nil, invalid(fmt.Sprintf("invalid %s: %v", ParamLowerDateTime, err))
	}
	if c.UpperDateTime, err = n.parseDateTime(params.Get(ParamUpperDateTime)); err != nil {
		return nil, invalid(fmt.Sprintf("invalid %s: %v", ParamUpperDateTime, err))
	}
	if c.LowerDateTime != nil && c.UpperDateTime != nil && !c.LowerDateTime.Before(*c.UpperDateTime) {
		return nil, invalid(fmt.Sprintf("%s must be before %s", ParamLowerDateTime, ParamUpperDateTime))
	}

	if raw := strings.TrimSpace(params.Get(ParamMostRecentResults)); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return nil, invalid(fmt.Sprintf("invalid %s: %q", ParamMostRecentResults, raw))
		}
		c.MostRecentResults = v
	}

	return c, nil
}

func (n *Normalizer) parseDateTime(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognized date %q", raw)
}

// splitSet splits comma separated values, trims them, drops blanks and
// returns a sorted set.
func splitSet(values []string) []string {
	return dedupSorted(splitOrdered(values))
}

func splitOrdered(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

func nonBlank(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func dedupSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := slices.Clone(values)
	slices.Sort(out)
	return slices.Compact(out)
}
