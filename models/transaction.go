package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType represents the type of a wallet transaction
type TransactionType string

const (
	TransactionTypeRefill             TransactionType = "refill"
	TransactionTypeOverpaymentCredit  TransactionType = "overpayment_credit"
	TransactionTypeUnderpaymentCredit TransactionType = "underpayment_credit"
	TransactionTypePurchaseDebit      TransactionType = "purchase_debit"
)

// Transaction is one immutable balance movement on a wallet. BalanceBefore
// and BalanceAfter pin the wallet state around the movement for audit.
type Transaction struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          uuid.UUID `gorm:"type:uuid;uniqueIndex;not null;default:gen_random_uuid()" json:"uuid"`
	CorrelationID uuid.UUID `gorm:"type:uuid;index;not null" json:"correlation_id"`

	Type     TransactionType `gorm:"type:varchar(30);not null;index" json:"type"`
	Amount   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency string          `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`

	WalletID   uint `gorm:"not null;index" json:"wallet_id"`
	CustomerID uint `gorm:"not null;index" json:"customer_id"`

	BalanceBefore decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"balance_before"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"balance_after"`

	// ExternalReference carries the processor payment id that caused the move
	ExternalReference string `gorm:"type:varchar(255);index" json:"external_reference"`

	Description string          `gorm:"type:text" json:"description"`
	Metadata    json.RawMessage `gorm:"type:jsonb;default:'{}'" json:"metadata"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP;index" json:"created_at"`

	// Relationships
	Wallet   Wallet   `gorm:"foreignKey:WalletID;constraint:OnDelete:CASCADE" json:"wallet,omitempty"`
	Customer Customer `gorm:"foreignKey:CustomerID;constraint:OnDelete:CASCADE" json:"customer,omitempty"`
}

// BeforeCreate ensures UUID and CorrelationID are set
func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.UUID == uuid.Nil {
		t.UUID = uuid.New()
	}
	if t.CorrelationID == uuid.Nil {
		t.CorrelationID = uuid.New()
	}
	return nil
}

// TransactionFilter represents filter criteria for transaction queries
type TransactionFilter struct {
	ID                *uint            `json:"id,omitempty"`
	WalletID          *uint            `json:"wallet_id,omitempty"`
	CustomerID        *uint            `json:"customer_id,omitempty"`
	Type              *TransactionType `json:"type,omitempty"`
	ExternalReference *string          `json:"external_reference,omitempty"`
	CreatedAfter      *time.Time       `json:"created_after,omitempty"`
	CreatedBefore     *time.Time       `json:"created_before,omitempty"`
}
