package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/nroduit/viewer-hub-sub002/pkg/dimse"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"
)

const dicomJSON = "application/dicom+json"

var (
	studyFields = []dimse.Tag{
		dimse.TagPatientID, dimse.TagPatientName, dimse.TagIssuerOfPatientID, dimse.TagPatientBirthDate,
		dimse.TagPatientSex, dimse.TagStudyInstanceUID, dimse.TagStudyDate, dimse.TagStudyTime,
		dimse.TagStudyDescription, dimse.TagAccessionNumber, dimse.TagStudyID,
		dimse.TagReferringPhysicianName, dimse.TagModalitiesInStudy,
	}
	seriesFields = []dimse.Tag{
		dimse.TagSeriesInstanceUID, dimse.TagSeriesDescription, dimse.TagSeriesNumber, dimse.TagModality,
	}
	instanceFields = []dimse.Tag{
		dimse.TagSOPInstanceUID, dimse.TagSOPClassUID, dimse.TagInstanceNumber,
	}
)

// DICOMWebConnector queries a QIDO-RS endpoint
type DICOMWebConnector struct {
	BaseConnector
	baseURL   string
	transport http.RoundTripper
	tokens    oauth2.TokenSource
	limiter   *rate.Limiter
}

// NewDICOMWebConnector creates a QIDO-RS connector. Client credentials
// tokens are fetched lazily and cached until they expire.
func NewDICOMWebConnector(config models.ArchiveConfig) (*DICOMWebConnector, error) {
	base, err := url.Parse(config.DICOMWeb.QIDOURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid qido url %q", config.DICOMWeb.QIDOURL)
	}

	transport := &headerTransport{
		base:    http.DefaultTransport.(*http.Transport).Clone(),
		headers: config.HTTPHeaders,
	}
	c := &DICOMWebConnector{
		BaseConnector: BaseConnector{config: config},
		baseURL:       strings.TrimRight(base.String(), "/"),
		transport:     transport,
		limiter:       rate.NewLimiter(rate.Inf, 1),
	}

	auth := config.DICOMWeb.Auth
	switch auth.Mode {
	case "", models.AuthModeNone, models.AuthModeForward:
	case models.AuthModeBasic:
		transport.username, transport.password = auth.Username, auth.Password
	case models.AuthModeClientCredentials:
		cc := clientcredentials.Config{
			ClientID:     auth.ClientID,
			ClientSecret: auth.ClientSecret,
			TokenURL:     auth.TokenURL,
			Scopes:       auth.Scopes,
		}
		c.tokens = cc.TokenSource(context.Background())
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", auth.Mode)
	}

	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), int(math.Max(1, math.Ceil(config.RateLimit))))
	}
	return c, nil
}

func (c *DICOMWebConnector) ByPatientIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, q.Identity, func(s *qidoSession) ([]record, error) {
		var studies []record
		for _, id := range q.IDs {
			found, err := s.search("/studies", url.Values{"PatientID": {id}}, studyFields)
			if err != nil {
				return nil, err
			}
			studies = append(studies, found...)
		}
		return s.descend(studies, models.QueryLevelStudy)
	})
}

func (c *DICOMWebConnector) ByStudyUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, q.Identity, func(s *qidoSession) ([]record, error) {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		studies, err := s.search("/studies", url.Values{"StudyInstanceUID": {uidList(q.IDs)}}, studyFields)
		if err != nil {
			return nil, err
		}
		return s.descend(studies, models.QueryLevelStudy)
	})
}

func (c *DICOMWebConnector) ByAccessionNumbers(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, q.Identity, func(s *qidoSession) ([]record, error) {
		var studies []record
		for _, acc := range q.IDs {
			found, err := s.search("/studies", url.Values{"AccessionNumber": {acc}}, studyFields)
			if err != nil {
				return nil, err
			}
			studies = append(studies, found...)
		}
		return s.descend(studies, models.QueryLevelStudy)
	})
}

func (c *DICOMWebConnector) BySeriesUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, q.Identity, func(s *qidoSession) ([]record, error) {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		fields := seriesFields
		if c.config.QueryRelational {
			fields = concatTags(studyFields, seriesFields)
		}
		series, err := s.search("/series", url.Values{"SeriesInstanceUID": {uidList(q.IDs)}}, fields)
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

func (c *DICOMWebConnector) BySOPInstanceUIDs(ctx context.Context, q Query) ([]*models.Patient, error) {
	return c.run(ctx, q.Identity, func(s *qidoSession) ([]record, error) {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		fields := instanceFields
		if c.config.QueryRelational {
			fields = concatTags(studyFields, seriesFields, instanceFields)
		}
		images, err := s.search("/instances", url.Values{"SOPInstanceUID": {uidList(q.IDs)}}, fields)
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

// TestConnection performs a one-study QIDO search. Forwarding archives are
// checked without a caller token.
func (c *DICOMWebConnector) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	return c.connectionStatus(ctx, []string{"QIDO-RS"}, func(ctx context.Context) error {
		s := &qidoSession{ctx: ctx, connector: c, client: &http.Client{Transport: c.transport}}
		if c.tokens != nil {
			s.client = c.clientWith(c.tokens)
		}
		_, err := s.search("/studies", url.Values{"limit": {"1"}}, nil)
		return err
	})
}

// Close drops idle HTTP connections
func (c *DICOMWebConnector) Close() error {
	if t, ok := c.transport.(*headerTransport); ok {
		if closer, ok := t.base.(interface{ CloseIdleConnections() }); ok {
			closer.CloseIdleConnections()
		}
	}
	return nil
}

func (c *DICOMWebConnector) run(ctx context.Context, identity models.Identity, fn func(*qidoSession) ([]record, error)) ([]*models.Patient, error) {
	client, err := c.clientFor(identity)
	if err != nil {
		return nil, err
	}
	records, err := fn(&qidoSession{ctx: ctx, connector: c, client: client})
	if err != nil {
		return nil, err
	}
	return toPatients(records), nil
}

// clientFor returns the HTTP client authenticating as the archive requires.
// In forward mode the caller's token is sent as is.
func (c *DICOMWebConnector) clientFor(identity models.Identity) (*http.Client, error) {
	switch {
	case c.config.DICOMWeb.Auth.Mode == models.AuthModeForward:
		if identity.Token == "" {
			return nil, newError(c.name(), KindAuthRejected, "no caller token to forward", nil)
		}
		return c.clientWith(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: identity.Token, TokenType: "Bearer"})), nil
	case c.tokens != nil:
		return c.clientWith(c.tokens), nil
	default:
		return &http.Client{Transport: c.transport}, nil
	}
}

func (c *DICOMWebConnector) clientWith(ts oauth2.TokenSource) *http.Client {
	return &http.Client{Transport: &oauth2.Transport{Source: ts, Base: c.transport}}
}

// qidoSession runs the QIDO requests of one operation
type qidoSession struct {
	ctx       context.Context
	connector *DICOMWebConnector
	client    *http.Client
}

// search issues GET {qido}{path} and decodes the DICOM JSON result
func (s *qidoSession) search(path string, params url.Values, fields []dimse.Tag) ([]record, error) {
	c := s.connector
	if params == nil {
		params = url.Values{}
	}
	for _, tag := range fields {
		params.Add("includefield", jsonTag(tag))
	}
	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	if err := c.limiter.Wait(s.ctx); err != nil {
		if ctxErr := s.ctx.Err(); ctxErr != nil {
			return nil, classify(c.name(), ctxErr, KindTimeout)
		}
		return nil, newError(c.name(), KindTimeout, "rate limit wait exceeds deadline", err)
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, newError(c.name(), KindMalformedResponse, "failed to create request", err)
	}
	req.Header.Set("Accept", dicomJSON)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, newError(c.name(), KindAuthRejected, "failed to obtain access token", err)
		}
		return nil, classify(c.name(), err, KindUnreachable)
	}
	defer resp.Body.Close()

	log.Debug().
		Str("archive", c.name()).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("QIDO-RS request completed")

	switch {
	case resp.StatusCode == http.StatusNoContent, resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, newError(c.name(), KindAuthRejected, fmt.Sprintf("archive returned status %d", resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, newError(c.name(), KindUnreachable, fmt.Sprintf("archive returned status %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return nil, newError(c.name(), KindMalformedResponse, fmt.Sprintf("archive returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(c.name(), err, KindUnreachable)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var objects []dicomObject
	if err := json.Unmarshal(body, &objects); err != nil {
		return nil, newError(c.name(), KindMalformedResponse, "failed to decode response", err)
	}

	records := make([]record, 0, len(objects))
	for _, obj := range objects {
		records = append(records, obj.record())
	}
	return records, nil
}

// descend completes records identified at level with the series and
// instances the archive depth asks for.
func (s *qidoSession) descend(records []record, level models.QueryLevel) ([]record, error) {
	depth := s.connector.depth()
	if level == models.QueryLevelStudy && depth.Covers(models.QueryLevelSeries) {
		var out []record
		for _, study := range records {
			series, err := s.search("/studies/"+url.PathEscape(study.StudyInstanceUID)+"/series", nil, seriesFields)
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

	if depth.Covers(models.QueryLevelImage) {
		var out []record
		for _, se := range records {
			if se.SeriesInstanceUID == "" {
				out = append(out, se)
				continue
			}
			path := "/studies/" + url.PathEscape(se.StudyInstanceUID) + "/series/" + url.PathEscape(se.SeriesInstanceUID) + "/instances"
			images, err := s.search(path, nil, instanceFields)
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

// resolveStudies fills patient and study attributes with a single study
// search over the distinct study UIDs.
func (s *qidoSession) resolveStudies(records []record) ([]record, error) {
	uids := distinct(records, func(r record) string { return r.StudyInstanceUID })
	if len(uids) == 0 {
		return records, nil
	}
	found, err := s.search("/studies", url.Values{"StudyInstanceUID": {uidList(uids)}}, studyFields)
	if err != nil {
		return nil, err
	}
	studies := make(map[string]record, len(found))
	for _, st := range found {
		studies[st.StudyInstanceUID] = st
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

// resolveSeries fills series attributes with a single series search
func (s *qidoSession) resolveSeries(records []record) ([]record, error) {
	uids := distinct(records, func(r record) string { return r.SeriesInstanceUID })
	if len(uids) == 0 {
		return records, nil
	}
	found, err := s.search("/series", url.Values{"SeriesInstanceUID": {uidList(uids)}}, seriesFields)
	if err != nil {
		return nil, err
	}
	series := make(map[string]record, len(found))
	for _, se := range found {
		series[se.SeriesInstanceUID] = se
	}

	out := make([]record, 0, len(records))
	for _, r := range records {
		if se, ok := series[r.SeriesInstanceUID]; ok {
			r.SeriesDescription, r.SeriesNumber, r.Modality = se.SeriesDescription, se.SeriesNumber, se.Modality
			if r.StudyInstanceUID == "" {
				r.StudyInstanceUID = se.StudyInstanceUID
			}
		}
		out = append(out, r)
	}
	return out, nil
}

// headerTransport adds the archive headers and basic credentials
type headerTransport struct {
	base     http.RoundTripper
	headers  map[string]string
	username string
	password string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
	return t.base.RoundTrip(req)
}

// dicomObject is one result of a QIDO-RS search in the DICOM JSON model
type dicomObject map[string]dicomAttribute

type dicomAttribute struct {
	VR    string            `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

// values returns the attribute values as strings. Person names use their
// alphabetic representation.
func (o dicomObject) values(tag dimse.Tag) []string {
	attr, ok := o[jsonTag(tag)]
	if !ok {
		return nil
	}
	var out []string
	for _, raw := range attr.Value {
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}
		switch raw[0] {
		case '"':
			var s string
			if json.Unmarshal(raw, &s) == nil {
				out = append(out, strings.TrimSpace(s))
			}
		case '{':
			var pn struct {
				Alphabetic string `json:"Alphabetic"`
			}
			if json.Unmarshal(raw, &pn) == nil && pn.Alphabetic != "" {
				out = append(out, pn.Alphabetic)
			}
		default:
			out = append(out, string(raw))
		}
	}
	return out
}

func (o dicomObject) value(tag dimse.Tag) string {
	if v := o.values(tag); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (o dicomObject) record() record {
	return record{
		PatientID:              o.value(dimse.TagPatientID),
		PatientName:            o.value(dimse.TagPatientName),
		IssuerOfPatientID:      o.value(dimse.TagIssuerOfPatientID),
		PatientBirthDate:       o.value(dimse.TagPatientBirthDate),
		PatientSex:             o.value(dimse.TagPatientSex),
		StudyInstanceUID:       o.value(dimse.TagStudyInstanceUID),
		StudyDate:              o.value(dimse.TagStudyDate),
		StudyTime:              o.value(dimse.TagStudyTime),
		StudyDescription:       o.value(dimse.TagStudyDescription),
		AccessionNumber:        o.value(dimse.TagAccessionNumber),
		StudyID:                o.value(dimse.TagStudyID),
		ReferringPhysicianName: o.value(dimse.TagReferringPhysicianName),
		ModalitiesInStudy:      joinValues(o.values(dimse.TagModalitiesInStudy)),
		SeriesInstanceUID:      o.value(dimse.TagSeriesInstanceUID),
		SeriesDescription:      o.value(dimse.TagSeriesDescription),
		SeriesNumber:           o.value(dimse.TagSeriesNumber),
		Modality:               o.value(dimse.TagModality),
		SOPInstanceUID:         o.value(dimse.TagSOPInstanceUID),
		SOPClassUID:            o.value(dimse.TagSOPClassUID),
		InstanceNumber:         o.value(dimse.TagInstanceNumber),
	}
}

// jsonTag formats a tag as a DICOM JSON key, e.g. 0020000D
func jsonTag(t dimse.Tag) string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// uidList joins UIDs for QIDO list matching
func uidList(uids []string) string {
	return strings.Join(uids, ",")
}

func concatTags(groups ...[]dimse.Tag) []dimse.Tag {
	var out []dimse.Tag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func distinct(records []record, key func(record) string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range records {
		k := key(r)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
