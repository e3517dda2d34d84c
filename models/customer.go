package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Customer is a marketplace user. Identity lives in the messaging gateway;
// here we only keep the numeric user id and what reconciliation needs to
// address the user.
type Customer struct {
	ID   uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`

	// ChatID is the messaging-gateway user identifier used for notifications
	ChatID   int64  `gorm:"not null;uniqueIndex" json:"chat_id"`
	Language string `gorm:"type:varchar(8);not null;default:'en'" json:"language"`

	IsActive *bool `gorm:"not null;default:true" json:"is_active"`

	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	// Relationships
	Wallet *Wallet `gorm:"foreignKey:CustomerID" json:"wallet,omitempty"`
	Basket *Basket `gorm:"foreignKey:CustomerID" json:"basket,omitempty"`
}

// BeforeCreate ensures UUID is set
func (c *Customer) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	return nil
}

// CustomerFilter represents filter criteria for customer queries
type CustomerFilter struct {
	ID       *uint      `json:"id,omitempty"`
	UUID     *uuid.UUID `json:"uuid,omitempty"`
	ChatID   *int64     `json:"chat_id,omitempty"`
	IsActive *bool      `json:"is_active,omitempty"`
}
