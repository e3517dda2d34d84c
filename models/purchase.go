package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Purchase is the immutable record of one finalized sale line. It is written
// inside the finalization transaction and never updated afterwards.
type Purchase struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`
	CorrelationID uuid.UUID `gorm:"type:uuid;index;not null" json:"correlation_id"`

	CustomerID uint `gorm:"not null;index" json:"customer_id"`
	ProductID  uint `gorm:"not null;index" json:"product_id"`

	// Denormalized product attributes at sale time
	City        string `gorm:"type:varchar(100);not null" json:"city"`
	District    string `gorm:"type:varchar(100);not null" json:"district"`
	ProductType string `gorm:"type:varchar(100);not null" json:"product_type"`
	Size        string `gorm:"type:varchar(50);not null" json:"size"`

	Quantity  int             `gorm:"not null" json:"quantity"`
	PricePaid decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price_paid"`
	Currency  string          `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`

	// PaymentID links back to the processor payment that funded the sale
	PaymentID string `gorm:"type:varchar(255);not null;index" json:"payment_id"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`

	// Relationships
	Customer Customer `gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE" json:"customer,omitempty"`
}

// BeforeCreate ensures UUID is set
func (p *Purchase) BeforeCreate(tx *gorm.DB) error {
	if p.UUID == uuid.Nil {
		p.UUID = uuid.New()
	}
	if p.CorrelationID == uuid.Nil {
		p.CorrelationID = uuid.New()
	}
	return nil
}

// PurchaseFilter represents filter criteria for purchase queries
type PurchaseFilter struct {
	ID            *uint      `json:"id,omitempty"`
	CustomerID    *uint      `json:"customer_id,omitempty"`
	ProductID     *uint      `json:"product_id,omitempty"`
	PaymentID     *string    `json:"payment_id,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
