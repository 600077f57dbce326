package types

import (
	"time"

	"github.com/google/uuid"
)

// EmailLog records one delivery attempt, success or not.
type EmailLog struct {
	ID             uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	CertificateID  *uuid.UUID `gorm:"type:uuid;index" json:"certificate_id,omitempty"`
	RunID          *uuid.UUID `gorm:"type:uuid;index" json:"run_id,omitempty"`
	RecipientName  string     `gorm:"column:recipient_name" json:"recipient_name"`
	RecipientEmail string     `gorm:"column:recipient_email;not null" json:"recipient_email"`
	Success        bool       `gorm:"column:success;not null" json:"success"`
	Code           string     `gorm:"column:code" json:"code,omitempty"`
	Error          string     `gorm:"column:error" json:"error,omitempty"`
	MessageID      string     `gorm:"column:message_id" json:"message_id,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;default:now()" json:"created_at"`
}

func (EmailLog) TableName() string { return "email_log" }
