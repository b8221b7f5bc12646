package criteria

import (
	"net/url"
	"testing"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_SplitsTrimsAndSorts(t *testing.T) {
	n := NewNormalizer()
	c, err := n.Normalize(url.Values{
		ParamPatientID:         {" P2 , P1,,", "P1"},
		ParamStudyUID:          {"1.2.3"},
		ParamModalitiesInStudy: {"ct, mr"},
		ParamContainsInDesc:    {"Épaule, THORAX"},
		ParamArchive:           {"B, A", "B"},
		ParamArg:               {"--debug", " "},
		ParamUser:              {"alice"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"P1", "P2"}, c.PatientIDs)
	assert.Equal(t, []string{"1.2.3"}, c.StudyUIDs)
	assert.Equal(t, []string{"CT", "MR"}, c.Modalities)
	assert.Equal(t, []string{"epaule", "thorax"}, c.DescriptionTerms)
	assert.Equal(t, []string{"B", "A"}, c.Archives)
	assert.Equal(t, []string{"--debug"}, c.LauncherArgs)
	assert.Equal(t, "alice", c.Context.User)
	assert.Nil(t, c.AccessionNumbers)
}

func TestNormalize_NoIdentifyingCriteria(t *testing.T) {
	n := NewNormalizer()
	_, err := n.Normalize(url.Values{
		ParamPatientID:         {" , "},
		ParamModalitiesInStudy: {"CT"},
	})
	require.Error(t, err)
	assert.Equal(t, ErrNoIdentifyingCriteria, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, "no identifying criteria", err.Error())
}

func TestNormalize_DateBounds(t *testing.T) {
	n := NewNormalizer()
	c, err := n.Normalize(url.Values{
		ParamPatientID:     {"P1"},
		ParamLowerDateTime: {"2024-01-02T10:00:00"},
		ParamUpperDateTime: {"20240301"},
	})
	require.NoError(t, err)
	require.NotNil(t, c.LowerDateTime)
	require.NotNil(t, c.UpperDateTime)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), *c.LowerDateTime)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *c.UpperDateTime)

	c, err = n.Normalize(url.Values{
		ParamPatientID:     {"P1"},
		ParamLowerDateTime: {"2024-01-02T10:00:00+02:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC), *c.LowerDateTime)
}

func TestNormalize_Invalid(t *testing.T) {
	tests := map[string]url.Values{
		"bad lower date":  {ParamPatientID: {"P1"}, ParamLowerDateTime: {"yesterday"}},
		"bad upper date":  {ParamPatientID: {"P1"}, ParamUpperDateTime: {"2024-13-45"}},
		"inverted range":  {ParamPatientID: {"P1"}, ParamLowerDateTime: {"2024-02-01"}, ParamUpperDateTime: {"2024-01-01"}},
		"negative cap":    {ParamPatientID: {"P1"}, ParamMostRecentResults: {"-1"}},
		"non numeric cap": {ParamPatientID: {"P1"}, ParamMostRecentResults: {"two"}},
		"no identifiers":  {},
	}

	n := NewNormalizer()
	for name, params := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := n.Normalize(params)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestNormalize_MostRecentResults(t *testing.T) {
	c, err := NewNormalizer().Normalize(url.Values{ParamSeriesUID: {"1.2"}, ParamMostRecentResults: {"3"}})
	require.NoError(t, err)
	assert.Equal(t, 3, c.MostRecentResults)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "epaule droite", Fold("Épaule DROITE"))
	assert.Equal(t, "cœur", Fold("Cœur"))
	assert.True(t, ContainsAny("IRM Genou Gauche", []string{"genou"}))
	assert.False(t, ContainsAny("IRM Genou", []string{"epaule"}))
}

func TestFingerprint(t *testing.T) {
	n := NewNormalizer()
	a, err := n.Normalize(url.Values{ParamPatientID: {"P2,P1"}, ParamModalitiesInStudy: {"mr,ct"}})
	require.NoError(t, err)
	b, err := n.Normalize(url.Values{ParamPatientID: {"P1", "P2"}, ParamModalitiesInStudy: {"CT,MR"}})
	require.NoError(t, err)

	anon := models.Anonymous()
	bob := models.Identity{Subject: "bob", Authenticated: true}

	assert.Equal(t, Fingerprint(a, anon), Fingerprint(b, anon))
	assert.Len(t, Fingerprint(a, anon), 64)
	assert.NotEqual(t, Fingerprint(a, anon), Fingerprint(a, bob))

	c, err := n.Normalize(url.Values{ParamPatientID: {"P1"}})
	require.NoError(t, err)
	assert.NotEqual(t, Fingerprint(a, anon), Fingerprint(c, anon))
}
