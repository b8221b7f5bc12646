package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Build outcomes recorded in BuildAudit.Status
const (
	BuildStatusSuccess = "success"
	BuildStatusPartial = "partial"
	BuildStatusFailure = "failure"
)

// BuildAudit records one executed manifest build
type BuildAudit struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BuildID        string    `gorm:"type:varchar(36);not null;index" json:"build_id"`
	Fingerprint    string    `gorm:"type:varchar(64);not null;index" json:"fingerprint"`
	Subject        string    `gorm:"type:varchar(255);index" json:"subject,omitempty"`
	Criteria       string    `gorm:"type:text" json:"criteria"`
	Archives       []string  `gorm:"serializer:json" json:"archives"`
	FailedArchives []string  `gorm:"serializer:json" json:"failed_archives,omitempty"`
	Patients       int       `json:"patients"`
	Instances      int       `json:"instances"`
	Status         string    `gorm:"type:varchar(20);index" json:"status"`
	ErrorMessage   string    `gorm:"type:text" json:"error_message,omitempty"`
	Duration       int64     `json:"duration_ms"`
	CreatedAt      time.Time `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (BuildAudit) TableName() string {
	return "build_audits"
}

// BeforeCreate hook
func (a *BuildAudit) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
