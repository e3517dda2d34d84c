package repository

import (
	"context"

	"github.com/oryxmarket/oryx/models"
	"gorm.io/gorm"
)

// PurchaseRepositoryImpl implements PurchaseRepository
type PurchaseRepositoryImpl struct {
	*BaseRepository[models.Purchase, models.PurchaseFilter]
}

// NewPurchaseRepository creates a new purchase repository
func NewPurchaseRepository(db *gorm.DB) PurchaseRepository {
	return &PurchaseRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Purchase, models.PurchaseFilter](db),
	}
}

func (r *PurchaseRepositoryImpl) ByFilter(ctx context.Context, filter models.PurchaseFilter, orderBy string, limit, offset int) ([]*models.Purchase, error) {
	db := r.getDB(ctx)
	var purchases []*models.Purchase
	q := db.Model(&models.Purchase{})
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
	if err := q.Find(&purchases).Error; err != nil {
		return nil, err
	}
	return purchases, nil
}

func (r *PurchaseRepositoryImpl) applyFilter(q *gorm.DB, f models.PurchaseFilter) *gorm.DB {
	if f.ID != nil {
		q = q.Where("id = ?", *f.ID)
	}
	if f.CustomerID != nil {
		q = q.Where("customer_id = ?", *f.CustomerID)
	}
	if f.ProductID != nil {
		q = q.Where("product_id = ?", *f.ProductID)
	}
	if f.PaymentID != nil {
		q = q.Where("payment_id = ?", *f.PaymentID)
	}
	if f.CreatedAfter != nil {
		q = q.Where("created_at > ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	return q
}
