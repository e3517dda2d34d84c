package repository

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/oryxmarket/oryx/models"
	"gorm.io/gorm"
)

// PendingDepositRepositoryImpl implements PendingDepositRepository
type PendingDepositRepositoryImpl struct {
	*BaseRepository[models.PendingDeposit, models.PendingDepositFilter]
}

// NewPendingDepositRepository creates a new pending deposit repository
func NewPendingDepositRepository(db *gorm.DB) PendingDepositRepository {
	return &PendingDepositRepositoryImpl{
		BaseRepository: NewBaseRepository[models.PendingDeposit, models.PendingDepositFilter](db),
	}
}

func (r *PendingDepositRepositoryImpl) Create(ctx context.Context, deposit *models.PendingDeposit) error {
	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return err
	}
	if shouldCommit {
		defer func() {
			if err != nil {
				db.Rollback()
			} else {
				db.Commit()
			}
		}()
	}
	err = db.Create(deposit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			err = ErrDuplicatePaymentID
		}
		return err
	}
	return nil
}

func (r *PendingDepositRepositoryImpl) ByPaymentID(ctx context.Context, paymentID string) (*models.PendingDeposit, error) {
	db := r.getDB(ctx)
	var deposit models.PendingDeposit
	if err := db.Where("payment_id = ?", paymentID).First(&deposit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deposit, nil
}

func (r *PendingDepositRepositoryImpl) ByFilter(ctx context.Context, filter models.PendingDepositFilter, orderBy string, limit, offset int) ([]*models.PendingDeposit, error) {
	db := r.getDB(ctx)
	var deposits []*models.PendingDeposit
	q := db.Model(&models.PendingDeposit{})
	q = r.applyFilter(q, filter)
	if orderBy != "" {
		q = q.Order(orderBy)
	} else {
		q = q.Order("created_at DESC")
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&deposits).Error; err != nil {
		return nil, err
	}
	return deposits, nil
}

// Delete removes the ledger row. The reason tag goes to the log stream for
// audit; a zero-row delete returns ErrDepositNotFound so callers can treat a
// webhook retry as benign instead of re-applying effects.
func (r *PendingDepositRepositoryImpl) Delete(ctx context.Context, paymentID string, reason models.DepositRemovalReason) error {
	db := r.getDB(ctx)
	res := db.Where("payment_id = ?", paymentID).Delete(&models.PendingDeposit{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDepositNotFound
	}
	log.Printf("pending deposit %s removed (reason=%s)", paymentID, reason)
	return nil
}

func (r *PendingDepositRepositoryImpl) OpenExistsForBasket(ctx context.Context, basketID uint) (bool, error) {
	db := r.getDB(ctx)
	var count int64
	if err := db.Model(&models.PendingDeposit{}).Where("basket_id = ?", basketID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *PendingDepositRepositoryImpl) applyFilter(q *gorm.DB, f models.PendingDepositFilter) *gorm.DB {
	if f.ID != nil {
		q = q.Where("id = ?", *f.ID)
	}
	if f.PaymentID != nil {
		q = q.Where("payment_id = ?", *f.PaymentID)
	}
	if f.CustomerID != nil {
		q = q.Where("customer_id = ?", *f.CustomerID)
	}
	if f.BasketID != nil {
		q = q.Where("basket_id = ?", *f.BasketID)
	}
	if f.IsPurchase != nil {
		q = q.Where("is_purchase = ?", *f.IsPurchase)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at > ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	return q
}

// isUniqueViolation detects a postgres unique_violation (23505) from the
// driver error text without binding to a specific driver error type
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
