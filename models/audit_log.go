// Package models contains domain entities for the order pipeline
package models

import (
	"encoding/json"
	"time"
)

type AuditLog struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	CustomerID   *uint           `gorm:"index:idx_audit_customer_id" json:"customer_id,omitempty"`
	Customer     *Customer       `gorm:"foreignKey:CustomerID;references:ID" json:"customer,omitempty"`
	Action       string          `gorm:"size:100;not null;index:idx_audit_action" json:"action"`
	Description  *string         `gorm:"type:text" json:"description,omitempty"`
	IPAddress    *string         `gorm:"type:inet;index:idx_audit_ip_address" json:"ip_address,omitempty"`
	UserAgent    *string         `gorm:"type:text" json:"user_agent,omitempty"`
	RequestID    *string         `gorm:"size:255;index:idx_audit_request_id" json:"request_id,omitempty"`
	Metadata     json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	Success      *bool           `gorm:"default:true;index:idx_audit_success" json:"success"`
	ErrorMessage *string         `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time       `gorm:"default:CURRENT_TIMESTAMP;index:idx_audit_created_at" json:"created_at"`
}

func (AuditLog) TableName() string {
	return "audit_log"
}

// Audit action constants
const (
	AuditActionDepositCreated       = "deposit_created"
	AuditActionDepositRemoved       = "deposit_removed"
	AuditActionPurchaseFinalized    = "purchase_finalized"
	AuditActionPurchaseUnderpaid    = "purchase_underpaid"
	AuditActionRefillCredited       = "refill_credited"
	AuditActionPaymentFailed        = "payment_failed"
	AuditActionWebhookRejected      = "webhook_rejected"
	AuditActionBasketExpired        = "basket_expired"
	AuditActionManualReviewRequired = "manual_review_required"
)

// AuditLogFilter represents filter criteria for audit log queries
type AuditLogFilter struct {
	ID            *uint
	CustomerID    *uint
	Action        *string
	Success       *bool
	IPAddress     *string
	RequestID     *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

func (a *AuditLog) IsFailed() bool {
	return a.Success != nil && !*a.Success
}

// RequiresOperator reports whether this row is one of the operator-visible
// inconsistencies that must never be auto-recovered into a best guess.
func (a *AuditLog) RequiresOperator() bool {
	return a.Action == AuditActionManualReviewRequired
}
