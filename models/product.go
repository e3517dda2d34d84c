package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Product represents a priced inventory position in the catalog.
//
// Available counts the units ever stocked minus the units sold. Reserved
// counts units currently held by unpaid baskets. The database enforces
// 0 <= reserved <= available with a CHECK constraint; the repository keeps
// the counters consistent with single atomic UPDATEs.
type Product struct {
	ID   uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`

	// Location and category attributes
	City        string `gorm:"type:varchar(100);not null;index:idx_products_location" json:"city"`
	District    string `gorm:"type:varchar(100);not null;index:idx_products_location" json:"district"`
	ProductType string `gorm:"type:varchar(100);not null;index" json:"product_type"`
	Size        string `gorm:"type:varchar(50);not null" json:"size"`

	// Unit price in EUR
	Price decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`

	// Inventory counters, constrained at the schema level
	Available int `gorm:"not null;default:0;check:chk_products_available,available >= 0" json:"available"`
	Reserved  int `gorm:"not null;default:0;check:chk_products_reserved,reserved >= 0 AND reserved <= available" json:"reserved"`

	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// BeforeCreate ensures UUID is set
func (p *Product) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	return nil
}

// Sellable returns how many units can still be reserved
func (p *Product) Sellable() int {
	return p.Available - p.Reserved
}

// ProductFilter represents filter criteria for product queries
type ProductFilter struct {
	ID          *uint      `json:"id,omitempty"`
	UUID        *uuid.UUID `json:"uuid,omitempty"`
	City        *string    `json:"city,omitempty"`
	District    *string    `json:"district,omitempty"`
	ProductType *string    `json:"product_type,omitempty"`
	Size        *string    `json:"size,omitempty"`
	InStock     *bool      `json:"in_stock,omitempty"`
}
