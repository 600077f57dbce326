package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CertificateTemplate stores the editor's scene graph as an opaque JSON blob.
// The pipeline parses it at generation time; the editor owns its shape.
type CertificateTemplate struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	User      *User          `gorm:"constraint:OnDelete:CASCADE;foreignKey:UserID;references:ID" json:"user,omitempty"`
	Name      string         `gorm:"column:name;not null" json:"name"`
	SceneJSON datatypes.JSON `gorm:"column:scene_json;not null" json:"scene_json"`
	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (CertificateTemplate) TableName() string { return "certificate_template" }
