package serializer

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *models.Manifest {
	return &models.Manifest{
		BuildID:        "b-1",
		StartedAt:      time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		AccessToken:    "tok",
		FailedArchives: []string{"B"},
		ArcQueries: []*models.ArcQuery{{
			ArcID:                     "A",
			BaseURL:                   "https://pacs.example/wado",
			RequireOnlySOPInstanceUID: false,
			AdditionalParameters:      "&x=1",
			QueryMode:                 "PACS_FIND",
			HTTPTags:                  []models.HTTPTag{{Key: "X-Site", Value: "north"}},
			Patients: []*models.Patient{{
				PatientID:   "P1",
				PatientName: "Doe^John",
				Studies: []*models.Study{{
					StudyInstanceUID: "1.2",
					StudyDate:        "20240105",
					Series: []*models.Serie{{
						SeriesInstanceUID: "1.2.1",
						Modality:          "CT",
						Instances:         []*models.Instance{{SOPInstanceUID: "1.2.1.1", InstanceNumber: "1"}},
					}},
				}},
			}},
		}},
	}
}

func TestWrite_XML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatXML, sample()))
	out := buf.String()

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("<?xml")))
	assert.Contains(t, out, `<manifest xmlns="http://www.weasis.org/xsd/2.5">`)
	assert.Contains(t, out, `<arcQuery arcId="A" baseUrl="https://pacs.example/wado" requireOnlySOPInstanceUID="false" additionnalParameters="&amp;x=1" queryMode="PACS_FIND">`)
	assert.Contains(t, out, `<httpTag key="X-Site" value="north"></httpTag>`)
	assert.Contains(t, out, `<Patient PatientID="P1" PatientName="Doe^John">`)
	assert.Contains(t, out, `<Study StudyInstanceUID="1.2" StudyDate="20240105">`)
	assert.Contains(t, out, `<Series SeriesInstanceUID="1.2.1" Modality="CT">`)
	assert.Contains(t, out, `<Instance SOPInstanceUID="1.2.1.1" InstanceNumber="1"></Instance>`)
	assert.NotContains(t, out, "tok")
	assert.NotContains(t, out, "b-1")
}

func TestWrite_JSON(t *testing.T) {
	m := sample()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, m))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "b-1", decoded["buildId"])
	assert.Equal(t, []any{"B"}, decoded["failedArchives"])
	assert.NotContains(t, decoded, "accessToken")

	arcs := decoded["arcQueries"].([]any)
	require.Len(t, arcs, 1)
	assert.Equal(t, "A", arcs[0].(map[string]any)["arcId"])

	// the caller's manifest keeps its token
	assert.Equal(t, "tok", m.AccessToken)
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		format, accept string
		want           Format
	}{
		{"", "", FormatXML},
		{"json", "", FormatJSON},
		{"JSON", "application/xml", FormatJSON},
		{"xml", "application/json", FormatXML},
		{"", "application/json", FormatJSON},
		{"", "text/html, application/json;q=0.9", FormatJSON},
		{"", "text/xml", FormatXML},
		{"", "*/*", FormatXML},
		{"yaml", "", FormatXML},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Negotiate(tt.format, tt.accept), "format=%q accept=%q", tt.format, tt.accept)
	}
}

func TestFormat_ContentType(t *testing.T) {
	assert.Equal(t, "application/json", FormatJSON.ContentType())
	assert.Equal(t, "application/xml; charset=utf-8", FormatXML.ContentType())
}
