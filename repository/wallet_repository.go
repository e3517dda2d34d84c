package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/oryxmarket/oryx/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletRepositoryImpl implements WalletRepository
type WalletRepositoryImpl struct {
	*BaseRepository[models.Wallet, models.WalletFilter]
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *gorm.DB) WalletRepository {
	return &WalletRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Wallet, models.WalletFilter](db),
	}
}

func (r *WalletRepositoryImpl) ByCustomerID(ctx context.Context, customerID uint) (*models.Wallet, error) {
	db := r.getDB(ctx)
	var wallet models.Wallet
	if err := db.Where("customer_id = ?", customerID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

// Credit adds amount to the wallet under a row lock so concurrent credits
// serialize. Returns the balance before and after for the audit row.
func (r *WalletRepositoryImpl) Credit(ctx context.Context, walletID uint, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	if amount.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("credit amount must not be negative, got %s", amount)
	}
	db := r.getDB(ctx)

	var wallet models.Wallet
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&wallet, walletID).Error; err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	before := wallet.Balance
	after := before.Add(amount)
	if err := db.Model(&models.Wallet{}).Where("id = ?", walletID).
		UpdateColumn("balance", after).Error; err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return before, after, nil
}
