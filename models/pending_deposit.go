package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// DepositRemovalReason tags why a pending deposit was deleted. The tag is
// written to the audit trail; deletion itself is the commit point of the
// reconciliation protocol.
type DepositRemovalReason string

const (
	DepositRemovedPurchaseSuccess    DepositRemovalReason = "purchase_success"
	DepositRemovedRefillSuccess      DepositRemovalReason = "refill_success"
	DepositRemovedUnderpaid          DepositRemovalReason = "underpaid"
	DepositRemovedCurrencyMismatch   DepositRemovalReason = "currency_mismatch"
	DepositRemovedZeroExpectedCrypto DepositRemovalReason = "zero_expected_crypto"
	DepositRemovedZeroPaid           DepositRemovalReason = "zero_paid"
	DepositRemovedZeroCredit         DepositRemovalReason = "zero_credit"
	DepositRemovedFailure            DepositRemovalReason = "failure"
	DepositRemovedExpiry             DepositRemovalReason = "expiry"
)

// SnapshotItem is one line of the immutable basket snapshot captured at
// checkout time. Reconciliation never re-reads the live basket, so later
// price or stock edits cannot alter an in-flight payment.
type SnapshotItem struct {
	ProductID   uint            `json:"product_id"`
	City        string          `json:"city"`
	District    string          `json:"district"`
	ProductType string          `json:"product_type"`
	Size        string          `json:"size"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}

// PendingDeposit is the open expectation record for one in-flight payment,
// keyed by the processor-assigned payment identifier. Its existence is the
// idempotency token: a webhook retry that finds no row was already handled.
type PendingDeposit struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`
	CorrelationID uuid.UUID `gorm:"type:uuid;index;not null" json:"correlation_id"`

	// PaymentID is the natural unique key issued by the payment processor
	PaymentID string `gorm:"type:varchar(255);uniqueIndex;not null" json:"payment_id"`

	CustomerID uint  `gorm:"not null;index" json:"customer_id"`
	WalletID   uint  `gorm:"not null;index" json:"wallet_id"`
	BasketID   *uint `gorm:"index" json:"basket_id,omitempty"` // set for purchase deposits

	// PayCurrency is the crypto currency the processor quoted
	PayCurrency string `gorm:"type:varchar(20);not null" json:"pay_currency"`

	// TargetFiatAmount is the EUR amount owed; ExpectedCryptoAmount is the
	// crypto amount the processor quoted for it at checkout time. The rate
	// is locked by this pair: settlement value is computed proportionally,
	// never from a spot rate.
	TargetFiatAmount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"target_fiat_amount"`
	ExpectedCryptoAmount decimal.Decimal `gorm:"type:numeric(24,12);not null" json:"expected_crypto_amount"`

	IsPurchase       bool            `gorm:"not null;default:false" json:"is_purchase"`
	BasketSnapshot   json.RawMessage `gorm:"type:jsonb;default:'[]'" json:"basket_snapshot"`
	DiscountCodeUsed *string         `gorm:"type:varchar(100)" json:"discount_code_used,omitempty"`

	CreatedAt time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`
	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`

	// Relationships
	Customer Customer `gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE" json:"customer,omitempty"`
	Wallet   Wallet   `gorm:"foreignKey:WalletID;constraint:OnDelete:CASCADE" json:"wallet,omitempty"`
}

// BeforeCreate ensures UUID and CorrelationID are set
func (d *PendingDeposit) BeforeCreate(tx *gorm.DB) error {
	if d.UUID == uuid.Nil {
		d.UUID = uuid.New()
	}
	if d.CorrelationID == uuid.Nil {
		d.CorrelationID = uuid.New()
	}
	return nil
}

// Snapshot decodes the stored basket snapshot
func (d *PendingDeposit) Snapshot() ([]SnapshotItem, error) {
	var items []SnapshotItem
	if len(d.BasketSnapshot) == 0 {
		return items, nil
	}
	if err := json.Unmarshal(d.BasketSnapshot, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// PendingDepositFilter represents filter criteria for pending deposit queries
type PendingDepositFilter struct {
	ID            *uint      `json:"id,omitempty"`
	PaymentID     *string    `json:"payment_id,omitempty"`
	CustomerID    *uint      `json:"customer_id,omitempty"`
	BasketID      *uint      `json:"basket_id,omitempty"`
	IsPurchase    *bool      `json:"is_purchase,omitempty"`
	CreatedAfter  *time.Time `json:"created_after,omitempty"`
	CreatedBefore *time.Time `json:"created_before,omitempty"`
}
