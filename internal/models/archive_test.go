package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveDepth(t *testing.T) {
	assert.Equal(t, QueryLevelImage, ArchiveConfig{}.EffectiveDepth())
	assert.Equal(t, QueryLevelStudy, ArchiveConfig{QueryDepth: QueryLevelStudy}.EffectiveDepth())
	assert.Equal(t, QueryLevelImage, ArchiveConfig{QueryDepth: QueryLevelStudy, RequireOnlySOPInstanceUID: true}.EffectiveDepth())

	assert.True(t, QueryLevelImage.Covers(QueryLevelSeries))
	assert.False(t, QueryLevelStudy.Covers(QueryLevelSeries))
}

func TestArchiveConfigValidate(t *testing.T) {
	valid := []ArchiveConfig{
		{Name: "sql", Kind: ArchiveKindSQL, SQL: SQLConfig{Driver: "sqlite", DSN: ":memory:", Source: "instances"}},
		{Name: "pacs", Kind: ArchiveKindDIMSE, DIMSE: DIMSEConfig{Host: "localhost", Port: 104, CalledAET: "PACS"}},
		{Name: "web", Kind: ArchiveKindDICOMWeb, DICOMWeb: DICOMWebConfig{QIDOURL: "http://pacs/dicom-web"}},
	}
	for _, a := range valid {
		assert.NoError(t, a.Validate(), a.Name)
	}

	invalid := []ArchiveConfig{
		{Kind: ArchiveKindSQL},
		{Name: "sql", Kind: ArchiveKindSQL},
		{Name: "pacs", Kind: ArchiveKindDIMSE, DIMSE: DIMSEConfig{Host: "localhost"}},
		{Name: "web", Kind: ArchiveKindDICOMWeb, DICOMWeb: DICOMWebConfig{QIDOURL: "http://x", Auth: AuthConfig{Mode: AuthModeClientCredentials}}},
		{Name: "web", Kind: ArchiveKindDICOMWeb, DICOMWeb: DICOMWebConfig{QIDOURL: "http://x", Auth: AuthConfig{Mode: "kerberos"}}},
		{Name: "x", Kind: "ftp"},
	}
	for _, a := range invalid {
		assert.Error(t, a.Validate(), a.Name)
	}
}

func TestRedacted(t *testing.T) {
	a := ArchiveConfig{
		Name:     "web",
		SQL:      SQLConfig{DSN: "postgres://user:secret@db"},
		DICOMWeb: DICOMWebConfig{Auth: AuthConfig{Password: "pw", ClientSecret: "cs"}},
	}
	r := a.Redacted()
	assert.Equal(t, "****", r.SQL.DSN)
	assert.Equal(t, "****", r.DICOMWeb.Auth.Password)
	assert.Equal(t, "****", r.DICOMWeb.Auth.ClientSecret)
	assert.Equal(t, "pw", a.DICOMWeb.Auth.Password)
}

func TestDurationText(t *testing.T) {
	var d Duration
	assert.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Std())
	assert.Error(t, d.UnmarshalText([]byte("soon")))

	b, err := Duration(2 * time.Second).MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "2s", string(b))
}

func TestIdentityDiscriminator(t *testing.T) {
	assert.Equal(t, "anonymous", Anonymous().Discriminator())
	assert.Equal(t, "anonymous", Identity{Subject: "bob"}.Discriminator())
	assert.Equal(t, "sub:bob", Identity{Subject: "bob", Authenticated: true}.Discriminator())
	assert.Equal(t, "sub:bob:0a1b", Identity{Subject: "bob", Authenticated: true, TokenDigest: "0a1b"}.Discriminator())
}
