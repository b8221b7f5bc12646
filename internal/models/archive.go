package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ArchiveKind represents the protocol used to query an archive
type ArchiveKind string

const (
	ArchiveKindSQL      ArchiveKind = "sql"
	ArchiveKindDIMSE    ArchiveKind = "dimse"
	ArchiveKindDICOMWeb ArchiveKind = "dicomweb"
)

// QueryLevel is the deepest DICOM level an archive is asked for
type QueryLevel string

const (
	QueryLevelStudy  QueryLevel = "STUDY"
	QueryLevelSeries QueryLevel = "SERIES"
	QueryLevelImage  QueryLevel = "IMAGE"
)

// Covers reports whether level l includes the given level.
func (l QueryLevel) Covers(level QueryLevel) bool {
	return levelRank(l) >= levelRank(level)
}

func levelRank(l QueryLevel) int {
	switch l {
	case QueryLevelStudy:
		return 1
	case QueryLevelSeries:
		return 2
	default:
		return 3
	}
}

// AuthMode is the authentication scheme used against a DICOMweb archive
type AuthMode string

const (
	AuthModeNone              AuthMode = "none"
	AuthModeBasic             AuthMode = "basic"
	AuthModeClientCredentials AuthMode = "oauth2_client_credentials"
	AuthModeForward           AuthMode = "oauth2_forward"
)

// ArchiveConfig describes one configured archive. It is read from the TOML
// archive file or from the archive_configs table.
type ArchiveConfig struct {
	ID       uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id" toml:"-"`
	Name     string      `gorm:"type:varchar(100);not null;uniqueIndex" json:"name" toml:"name"`
	Kind     ArchiveKind `gorm:"type:varchar(20);not null" json:"kind" toml:"kind"`
	Priority int         `gorm:"default:0" json:"priority" toml:"priority"`
	Disabled bool        `gorm:"default:false;index" json:"disabled" toml:"disabled"`

	// Values copied into the arcQuery element of the manifest
	BaseURL                   string            `gorm:"type:varchar(500)" json:"base_url" toml:"base_url"`
	RequireOnlySOPInstanceUID bool              `json:"require_only_sop_instance_uid" toml:"require_only_sop_instance_uid"`
	AdditionalParameters      string            `gorm:"type:text" json:"additional_parameters,omitempty" toml:"additional_parameters"`
	OverrideDicomTags         string            `gorm:"type:text" json:"override_dicom_tags,omitempty" toml:"override_dicom_tags"`
	HTTPHeaders               map[string]string `gorm:"serializer:json" json:"http_headers,omitempty" toml:"http_headers"`

	QueryDepth      QueryLevel `gorm:"type:varchar(10)" json:"query_depth,omitempty" toml:"query_depth"`
	QueryRelational bool       `json:"query_relational" toml:"query_relational"`
	Timeout         Duration   `json:"timeout,omitempty" toml:"timeout"`
	RateLimit       float64    `json:"rate_limit,omitempty" toml:"rate_limit"`

	DIMSE    DIMSEConfig    `gorm:"embedded;embeddedPrefix:dimse_" json:"dimse" toml:"dimse"`
	DICOMWeb DICOMWebConfig `gorm:"embedded;embeddedPrefix:web_" json:"dicomweb" toml:"dicomweb"`
	SQL      SQLConfig      `gorm:"embedded;embeddedPrefix:sql_" json:"sql" toml:"sql"`

	CreatedAt time.Time      `json:"created_at" toml:"-"`
	UpdatedAt time.Time      `json:"updated_at" toml:"-"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-" toml:"-"`
}

// TableName overrides the table name
func (ArchiveConfig) TableName() string {
	return "archive_configs"
}

// BeforeCreate hook
func (a *ArchiveConfig) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// DIMSEConfig holds the DICOM network parameters of a DIMSE archive
type DIMSEConfig struct {
	Host         string    `gorm:"type:varchar(255)" json:"host,omitempty" toml:"host"`
	Port         int       `json:"port,omitempty" toml:"port"`
	CalledAET    string    `gorm:"type:varchar(16)" json:"called_aet,omitempty" toml:"called_aet"`
	CallingAET   string    `gorm:"type:varchar(16)" json:"calling_aet,omitempty" toml:"calling_aet"`
	MaxPDULength uint32    `json:"max_pdu_length,omitempty" toml:"max_pdu_length"`
	PoolSize     int       `json:"pool_size,omitempty" toml:"pool_size"`
	TLS          TLSConfig `gorm:"embedded;embeddedPrefix:tls_" json:"tls" toml:"tls"`
}

// TLSConfig enables DICOM TLS, optionally with a client certificate
type TLSConfig struct {
	Enabled            bool   `json:"enabled" toml:"enabled"`
	CertFile           string `gorm:"type:varchar(500)" json:"cert_file,omitempty" toml:"cert_file"`
	KeyFile            string `gorm:"type:varchar(500)" json:"key_file,omitempty" toml:"key_file"`
	CAFile             string `gorm:"type:varchar(500)" json:"ca_file,omitempty" toml:"ca_file"`
	ServerName         string `gorm:"type:varchar(255)" json:"server_name,omitempty" toml:"server_name"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify"`
}

// DICOMWebConfig holds the QIDO-RS endpoint and its authentication
type DICOMWebConfig struct {
	QIDOURL string     `gorm:"type:varchar(500)" json:"qido_url,omitempty" toml:"qido_url"`
	Auth    AuthConfig `gorm:"embedded;embeddedPrefix:auth_" json:"auth" toml:"auth"`
}

// AuthConfig holds the credentials for one of the supported auth modes
type AuthConfig struct {
	Mode         AuthMode `gorm:"type:varchar(40)" json:"mode,omitempty" toml:"mode"`
	Username     string   `gorm:"type:varchar(255)" json:"username,omitempty" toml:"username"`
	Password     string   `gorm:"type:text" json:"password,omitempty" toml:"password"`
	ClientID     string   `gorm:"type:varchar(255)" json:"client_id,omitempty" toml:"client_id"`
	ClientSecret string   `gorm:"type:text" json:"client_secret,omitempty" toml:"client_secret"`
	TokenURL     string   `gorm:"type:varchar(500)" json:"token_url,omitempty" toml:"token_url"`
	Scopes       []string `gorm:"serializer:json" json:"scopes,omitempty" toml:"scopes"`
}

// SQLConfig points at a relational source holding one row per instance
type SQLConfig struct {
	Driver  string     `gorm:"type:varchar(20)" json:"driver,omitempty" toml:"driver"`
	DSN     string     `gorm:"type:text" json:"dsn,omitempty" toml:"dsn"`
	Source  string     `gorm:"type:varchar(255)" json:"source,omitempty" toml:"source"`
	Columns SQLColumns `gorm:"embedded;embeddedPrefix:col_" json:"columns" toml:"columns"`
	// PoolSize caps open connections, 5 when unset
	PoolSize int `json:"pool_size,omitempty" toml:"pool_size"`
}

// SQLColumns maps manifest attributes to column names of the SQL source
type SQLColumns struct {
	PatientID              string `gorm:"type:varchar(100)" json:"patient_id,omitempty" toml:"patient_id"`
	PatientName            string `gorm:"type:varchar(100)" json:"patient_name,omitempty" toml:"patient_name"`
	IssuerOfPatientID      string `gorm:"type:varchar(100)" json:"issuer_of_patient_id,omitempty" toml:"issuer_of_patient_id"`
	PatientBirthDate       string `gorm:"type:varchar(100)" json:"patient_birth_date,omitempty" toml:"patient_birth_date"`
	PatientSex             string `gorm:"type:varchar(100)" json:"patient_sex,omitempty" toml:"patient_sex"`
	StudyInstanceUID       string `gorm:"type:varchar(100)" json:"study_instance_uid,omitempty" toml:"study_instance_uid"`
	StudyDate              string `gorm:"type:varchar(100)" json:"study_date,omitempty" toml:"study_date"`
	StudyTime              string `gorm:"type:varchar(100)" json:"study_time,omitempty" toml:"study_time"`
	StudyDescription       string `gorm:"type:varchar(100)" json:"study_description,omitempty" toml:"study_description"`
	AccessionNumber        string `gorm:"type:varchar(100)" json:"accession_number,omitempty" toml:"accession_number"`
	StudyID                string `gorm:"type:varchar(100)" json:"study_id,omitempty" toml:"study_id"`
	ReferringPhysicianName string `gorm:"type:varchar(100)" json:"referring_physician_name,omitempty" toml:"referring_physician_name"`
	SeriesInstanceUID      string `gorm:"type:varchar(100)" json:"series_instance_uid,omitempty" toml:"series_instance_uid"`
	SeriesDescription      string `gorm:"type:varchar(100)" json:"series_description,omitempty" toml:"series_description"`
	SeriesNumber           string `gorm:"type:varchar(100)" json:"series_number,omitempty" toml:"series_number"`
	Modality               string `gorm:"type:varchar(100)" json:"modality,omitempty" toml:"modality"`
	SOPInstanceUID         string `gorm:"type:varchar(100)" json:"sop_instance_uid,omitempty" toml:"sop_instance_uid"`
	SOPClassUID            string `gorm:"type:varchar(100)" json:"sop_class_uid,omitempty" toml:"sop_class_uid"`
	InstanceNumber         string `gorm:"type:varchar(100)" json:"instance_number,omitempty" toml:"instance_number"`
}

// WithDefaults fills unmapped columns with their snake_case attribute name.
func (c SQLColumns) WithDefaults() SQLColumns {
	def := func(v *string, name string) {
		if *v == "" {
			*v = name
		}
	}
	def(&c.PatientID, "patient_id")
	def(&c.PatientName, "patient_name")
	def(&c.IssuerOfPatientID, "issuer_of_patient_id")
	def(&c.PatientBirthDate, "patient_birth_date")
	def(&c.PatientSex, "patient_sex")
	def(&c.StudyInstanceUID, "study_instance_uid")
	def(&c.StudyDate, "study_date")
	def(&c.StudyTime, "study_time")
	def(&c.StudyDescription, "study_description")
	def(&c.AccessionNumber, "accession_number")
	def(&c.StudyID, "study_id")
	def(&c.ReferringPhysicianName, "referring_physician_name")
	def(&c.SeriesInstanceUID, "series_instance_uid")
	def(&c.SeriesDescription, "series_description")
	def(&c.SeriesNumber, "series_number")
	def(&c.Modality, "modality")
	def(&c.SOPInstanceUID, "sop_instance_uid")
	def(&c.SOPClassUID, "sop_class_uid")
	def(&c.InstanceNumber, "instance_number")
	return c
}

// EffectiveDepth returns the deepest level the archive must be queried at.
// Archives that require instance UIDs are always queried down to IMAGE.
func (a ArchiveConfig) EffectiveDepth() QueryLevel {
	if a.RequireOnlySOPInstanceUID {
		return QueryLevelImage
	}
	switch a.QueryDepth {
	case QueryLevelStudy, QueryLevelSeries:
		return a.QueryDepth
	default:
		return QueryLevelImage
	}
}

// Validate checks that the kind specific settings are present
func (a ArchiveConfig) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("archive name is required")
	}
	switch a.Kind {
	case ArchiveKindSQL:
		if a.SQL.Driver == "" || a.SQL.DSN == "" || a.SQL.Source == "" {
			return fmt.Errorf("archive %s: sql driver, dsn and source are required", a.Name)
		}
	case ArchiveKindDIMSE:
		if a.DIMSE.Host == "" || a.DIMSE.Port == 0 || a.DIMSE.CalledAET == "" {
			return fmt.Errorf("archive %s: dimse host, port and called_aet are required", a.Name)
		}
	case ArchiveKindDICOMWeb:
		if a.DICOMWeb.QIDOURL == "" {
			return fmt.Errorf("archive %s: dicomweb qido_url is required", a.Name)
		}
		switch a.DICOMWeb.Auth.Mode {
		case "", AuthModeNone, AuthModeBasic, AuthModeForward:
		case AuthModeClientCredentials:
			if a.DICOMWeb.Auth.TokenURL == "" || a.DICOMWeb.Auth.ClientID == "" {
				return fmt.Errorf("archive %s: token_url and client_id are required for %s", a.Name, AuthModeClientCredentials)
			}
		default:
			return fmt.Errorf("archive %s: unsupported auth mode %q", a.Name, a.DICOMWeb.Auth.Mode)
		}
	default:
		return fmt.Errorf("archive %s: unsupported kind %q", a.Name, a.Kind)
	}
	return nil
}

// Redacted returns a copy without secrets, suitable for API responses
func (a ArchiveConfig) Redacted() ArchiveConfig {
	const mask = "****"
	if a.DICOMWeb.Auth.Password != "" {
		a.DICOMWeb.Auth.Password = mask
	}
	if a.DICOMWeb.Auth.ClientSecret != "" {
		a.DICOMWeb.Auth.ClientSecret = mask
	}
	if a.SQL.DSN != "" {
		a.SQL.DSN = mask
	}
	return a
}

// ConnectionStatus represents the status of an archive connection
type ConnectionStatus struct {
	Archive      string    `json:"archive"`
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// Duration is a time.Duration that reads "30s" style values from TOML and JSON
type Duration time.Duration

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}
