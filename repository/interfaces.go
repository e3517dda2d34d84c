package repository

import (
	"context"
	"errors"
	"time"

	"github.com/oryxmarket/oryx/models"
	"github.com/shopspring/decimal"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey string

const TxContextKey contextKey = "tx"

// Storage-level sentinel errors surfaced to the business flows
var (
	// ErrInsufficientStock is returned by Reserve when available - reserved < qty
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrDuplicatePaymentID is returned by pending-deposit Create when the
	// processor payment id already has an open row
	ErrDuplicatePaymentID = errors.New("pending deposit already exists for payment id")

	// ErrDepositNotFound is returned by Delete when no row was removed
	ErrDepositNotFound = errors.New("pending deposit not found")
)

// ProductRepository provides catalog reads and the reservation counters.
// Reserve, Release and Consume are the Reservation Manager: each is a single
// atomic UPDATE so the reserved/available invariant holds under concurrency.
type ProductRepository interface {
	ByID(ctx context.Context, id uint) (*models.Product, error)
	ByIDs(ctx context.Context, ids []uint) ([]*models.Product, error)
	ByFilter(ctx context.Context, filter models.ProductFilter, orderBy string, limit, offset int) ([]*models.Product, error)
	Save(ctx context.Context, product *models.Product) error

	// Reserve atomically checks available-reserved >= qty and increments
	// reserved; returns ErrInsufficientStock otherwise.
	Reserve(ctx context.Context, productID uint, qty int) error

	// Release decrements reserved by qty, floored at zero. A double release
	// must never drive the counter negative.
	Release(ctx context.Context, productID uint, qty int) error

	// Consume decrements both available and reserved by qty on a finalized
	// sale, removing the units from circulation.
	Consume(ctx context.Context, productID uint, qty int) error
}

// BasketRepository manages open baskets and their items
type BasketRepository interface {
	ByID(ctx context.Context, id uint) (*models.Basket, error)
	OpenByCustomerID(ctx context.Context, customerID uint) (*models.Basket, error)
	CreateForCustomer(ctx context.Context, customerID uint) (*models.Basket, error)
	AddItem(ctx context.Context, item *models.BasketItem) error
	RemoveItem(ctx context.Context, basketID, itemID uint) (*models.BasketItem, error)

	// Items returns the basket's lines with their Product populated
	Items(ctx context.Context, basketID uint) ([]*models.BasketItem, error)
	Touch(ctx context.Context, basketID uint, at time.Time) error

	// Clear deletes all items of the basket and the basket row itself
	Clear(ctx context.Context, basketID uint) error

	// ExpiredBefore returns baskets whose last_modified is older than cutoff
	// AND which are not referenced by any open pending deposit. The gating
	// subquery runs inside the caller's transaction; it is the sole guard
	// against sweeping a basket whose payment may still arrive.
	ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Basket, error)
}

// PendingDepositRepository is the pending-deposit ledger. Row existence is
// the idempotency token for webhook reconciliation; Delete is the commit
// point and must run last in the reconciling transaction.
type PendingDepositRepository interface {
	Create(ctx context.Context, deposit *models.PendingDeposit) error
	ByPaymentID(ctx context.Context, paymentID string) (*models.PendingDeposit, error)
	ByFilter(ctx context.Context, filter models.PendingDepositFilter, orderBy string, limit, offset int) ([]*models.PendingDeposit, error)

	// Delete removes the row and logs the reason tag. Returns
	// ErrDepositNotFound when no row was removed; callers treat that as a
	// benign already-handled outcome.
	Delete(ctx context.Context, paymentID string, reason models.DepositRemovalReason) error

	// OpenExistsForBasket reports whether any deposit still references the
	// basket (the sweeper gate)
	OpenExistsForBasket(ctx context.Context, basketID uint) (bool, error)
}

// WalletRepository manages wallet rows and balance credits
type WalletRepository interface {
	ByID(ctx context.Context, id uint) (*models.Wallet, error)
	ByCustomerID(ctx context.Context, customerID uint) (*models.Wallet, error)
	Save(ctx context.Context, wallet *models.Wallet) error

	// Credit adds amount to the wallet balance and returns the balances
	// around the movement for the transaction audit row
	Credit(ctx context.Context, walletID uint, amount decimal.Decimal) (before, after decimal.Decimal, err error)
}

// TransactionRepository persists wallet audit rows
type TransactionRepository interface {
	Save(ctx context.Context, tx *models.Transaction) error
	ByFilter(ctx context.Context, filter models.TransactionFilter, orderBy string, limit, offset int) ([]*models.Transaction, error)
}

// PurchaseRepository persists finalized sale records
type PurchaseRepository interface {
	Save(ctx context.Context, purchase *models.Purchase) error
	SaveBatch(ctx context.Context, purchases []*models.Purchase) error
	ByFilter(ctx context.Context, filter models.PurchaseFilter, orderBy string, limit, offset int) ([]*models.Purchase, error)
}

// CustomerRepository manages marketplace users
type CustomerRepository interface {
	ByID(ctx context.Context, id uint) (*models.Customer, error)
	ByChatID(ctx context.Context, chatID int64) (*models.Customer, error)
	Save(ctx context.Context, customer *models.Customer) error
}

// DiscountCodeRepository looks codes up and counts their uses
type DiscountCodeRepository interface {
	ByCode(ctx context.Context, code string) (*models.DiscountCode, error)
	IncrementUse(ctx context.Context, code string) error
}

// AuditLogRepository persists audit rows
type AuditLogRepository interface {
	Save(ctx context.Context, log *models.AuditLog) error
	ByFilter(ctx context.Context, filter models.AuditLogFilter, orderBy string, limit, offset int) ([]*models.AuditLog, error)
}
