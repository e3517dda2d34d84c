package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Basket is a customer's open set of reserved products. A customer has at
// most one open basket; it is cleared on checkout success, explicit clear,
// or TTL expiry by the sweeper.
type Basket struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID       uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`
	CustomerID uint      `gorm:"not null;uniqueIndex" json:"customer_id"`

	// LastModified drives TTL expiry; touched on every item mutation
	LastModified time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"last_modified"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`

	// Relationships
	Customer Customer     `gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE" json:"customer,omitempty"`
	Items    []BasketItem `gorm:"foreignKey:BasketID" json:"items,omitempty"`
}

// BeforeCreate ensures UUID is set
func (b *Basket) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == uuid.Nil {
		b.UUID = uuid.New()
	}
	return nil
}

// BasketItem is one product hold inside a basket. Price is the negotiated
// unit price at add time, so catalog edits cannot change an open basket.
type BasketItem struct {
	ID        uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	BasketID  uint            `gorm:"not null;index" json:"basket_id"`
	ProductID uint            `gorm:"not null;index" json:"product_id"`
	Quantity  int             `gorm:"not null;default:1;check:chk_basket_items_qty,quantity > 0" json:"quantity"`
	Price     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"price"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`

	// Relationships
	Product Product `gorm:"foreignKey:ProductID;constraint:OnDelete:RESTRICT" json:"product,omitempty"`
}

// Total returns the basket's EUR total at the prices locked in at add time
func (b *Basket) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range b.Items {
		total = total.Add(it.Price.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// BasketFilter represents filter criteria for basket queries
type BasketFilter struct {
	ID             *uint      `json:"id,omitempty"`
	UUID           *uuid.UUID `json:"uuid,omitempty"`
	CustomerID     *uint      `json:"customer_id,omitempty"`
	ModifiedBefore *time.Time `json:"modified_before,omitempty"`
}
