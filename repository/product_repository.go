package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/oryxmarket/oryx/models"
	"gorm.io/gorm"
)

// ProductRepositoryImpl implements ProductRepository
type ProductRepositoryImpl struct {
	*BaseRepository[models.Product, models.ProductFilter]
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *gorm.DB) ProductRepository {
	return &ProductRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Product, models.ProductFilter](db),
	}
}

func (r *ProductRepositoryImpl) ByIDs(ctx context.Context, ids []uint) ([]*models.Product, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	db := r.getDB(ctx)
	var products []*models.Product
	if err := db.Where("id = ANY(?)", pq.Array(ids)).Order("id ASC").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

func (r *ProductRepositoryImpl) ByFilter(ctx context.Context, filter models.ProductFilter, orderBy string, limit, offset int) ([]*models.Product, error) {
	db := r.getDB(ctx)
	var products []*models.Product
	q := db.Model(&models.Product{})
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
	if err := q.Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// Reserve holds qty units against unpaid demand. The guard and the increment
// happen in one statement so two concurrent reservations cannot both pass a
// stale check.
func (r *ProductRepositoryImpl) Reserve(ctx context.Context, productID uint, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve quantity must be positive, got %d", qty)
	}
	db := r.getDB(ctx)
	res := db.Model(&models.Product{}).
		Where("id = ? AND available - reserved >= ?", productID, qty).
		UpdateColumn("reserved", gorm.Expr("reserved + ?", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientStock
	}
	return nil
}

// Release gives qty units back. Floored at zero: a duplicate release must
// not inflate sellable stock.
func (r *ProductRepositoryImpl) Release(ctx context.Context, productID uint, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("release quantity must be positive, got %d", qty)
	}
	db := r.getDB(ctx)
	res := db.Model(&models.Product{}).
		Where("id = ?", productID).
		UpdateColumn("reserved", gorm.Expr("GREATEST(reserved - ?, 0)", qty))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("release: product %d not found", productID)
	}
	return nil
}

// Consume removes qty sold units from circulation, decrementing both
// counters. Fails if the hold is gone; finalization must never consume
// units it does not hold.
func (r *ProductRepositoryImpl) Consume(ctx context.Context, productID uint, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("consume quantity must be positive, got %d", qty)
	}
	db := r.getDB(ctx)
	res := db.Model(&models.Product{}).
		Where("id = ? AND reserved >= ? AND available >= ?", productID, qty, qty).
		UpdateColumns(map[string]any{
			"available": gorm.Expr("available - ?", qty),
			"reserved":  gorm.Expr("reserved - ?", qty),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("consume: product %d has no hold covering %d units", productID, qty)
	}
	return nil
}

func (r *ProductRepositoryImpl) applyFilter(q *gorm.DB, f models.ProductFilter) *gorm.DB {
	if f.ID != nil {
		q = q.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		q = q.Where("uuid = ?", *f.UUID)
	}
	if f.City != nil {
		q = q.Where("city = ?", *f.City)
	}
	if f.District != nil {
		q = q.Where("district = ?", *f.District)
	}
	if f.ProductType != nil {
		q = q.Where("product_type = ?", *f.ProductType)
	}
	if f.Size != nil {
		q = q.Where("size = ?", *f.Size)
	}
	if f.InStock != nil && *f.InStock {
		q = q.Where("available - reserved > 0")
	}
	return q
}

// IsNotFound reports whether err is the gorm record-not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
