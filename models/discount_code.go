package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DiscountCode is a percentage discount applied at checkout. Management of
// codes happens elsewhere; the pipeline only looks codes up when a checkout
// references one and bumps the use counter at finalization.
type DiscountCode struct {
	ID      uint            `gorm:"primaryKey;autoIncrement" json:"id"`
	Code    string          `gorm:"type:varchar(100);uniqueIndex;not null" json:"code"`
	Percent decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"percent"`

	MaxUses  *int  `json:"max_uses,omitempty"`
	UsedWith int   `gorm:"not null;default:0" json:"used_with"`
	IsActive *bool `gorm:"not null;default:true" json:"is_active"`

	ExpiresAt *time.Time     `gorm:"index" json:"expires_at,omitempty"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Usable reports whether the code can still be applied
func (d *DiscountCode) Usable(now time.Time) bool {
	if d.IsActive != nil && !*d.IsActive {
		return false
	}
	if d.ExpiresAt != nil && now.After(*d.ExpiresAt) {
		return false
	}
	if d.MaxUses != nil && d.UsedWith >= *d.MaxUses {
		return false
	}
	return true
}

// Apply returns the amount after the discount, floored to the fiat minor unit
func (d *DiscountCode) Apply(amount decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(100).Sub(d.Percent).Div(decimal.NewFromInt(100))
	return amount.Mul(factor).RoundFloor(2)
}
