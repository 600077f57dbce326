package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	DeliveryStatusNone   = "none"
	DeliveryStatusSent   = "sent"
	DeliveryStatusFailed = "failed"
)

// Certificate is one issued document. Its ID doubles as the verification id
// embedded in the rendered artifact's QR code and URL.
type Certificate struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	User           *User          `gorm:"constraint:OnDelete:CASCADE;foreignKey:UserID;references:ID" json:"user,omitempty"`
	TemplateID     *uuid.UUID     `gorm:"type:uuid;index" json:"template_id,omitempty"`
	Title          string         `gorm:"column:title;not null" json:"title"`
	Description    string         `gorm:"column:description" json:"description"`
	IssuerName     string         `gorm:"column:issuer_name;not null" json:"issuer_name"`
	RecipientName  string         `gorm:"column:recipient_name" json:"recipient_name"`
	RecipientEmail string         `gorm:"column:recipient_email" json:"recipient_email,omitempty"`
	RowIndex       int            `gorm:"column:row_index;not null" json:"row_index"`
	OutputFormat   string         `gorm:"column:output_format;not null;default:'pdf'" json:"output_format"`
	DeliveryStatus string         `gorm:"column:delivery_status;not null;default:'none';index" json:"delivery_status"`
	DeliveryError  string         `gorm:"column:delivery_error" json:"delivery_error,omitempty"`
	IssuedAt       time.Time      `gorm:"column:issued_at;not null;default:now()" json:"issued_at"`
	CreatedAt      time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Certificate) TableName() string { return "certificate" }
