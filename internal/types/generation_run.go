package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RunStatusConfiguring = "configuring"
	RunStatusGenerating  = "generating"
	RunStatusEmailing    = "emailing"
	RunStatusComplete    = "complete"
	RunStatusCancelled   = "cancelled"
)

// GenerationRun persists one batch job: status, progress and the partial
// results a cancelled or failed run leaves behind.
type GenerationRun struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	User           *User          `gorm:"constraint:OnDelete:CASCADE;foreignKey:UserID;references:ID" json:"user,omitempty"`
	TemplateID     *uuid.UUID     `gorm:"type:uuid;index" json:"template_id,omitempty"`
	Status         string         `gorm:"column:status;not null;default:'configuring';index" json:"status"`
	TotalRows      int            `gorm:"column:total_rows;not null" json:"total_rows"`
	CurrentIndex   int            `gorm:"column:current_index;not null;default:0" json:"current_index"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	CertificateIDs datatypes.JSON `gorm:"column:certificate_ids" json:"certificate_ids,omitempty"`
	RowErrors      datatypes.JSON `gorm:"column:row_errors" json:"row_errors,omitempty"`
	Error          string         `gorm:"column:error" json:"error,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt     *time.Time     `gorm:"column:finished_at" json:"finished_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationRun) TableName() string { return "generation_run" }
