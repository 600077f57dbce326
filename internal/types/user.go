package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID                  uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Email               string         `gorm:"uniqueIndex;not null" json:"email"`
	Name                string         `gorm:"column:name" json:"name"`
	IsPremium           bool           `gorm:"column:is_premium;not null;default:false" json:"is_premium"`
	FreeGenerationsUsed int            `gorm:"column:free_generations_used;not null;default:0" json:"free_generations_used"`
	CreatedAt           time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (User) TableName() string { return "user" }
