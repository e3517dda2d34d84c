package repository

import (
	"context"
	"errors"
	"time"

	"github.com/oryxmarket/oryx/models"
	"gorm.io/gorm"
)

// BasketRepositoryImpl implements BasketRepository
type BasketRepositoryImpl struct {
	*BaseRepository[models.Basket, models.BasketFilter]
}

// NewBasketRepository creates a new basket repository
func NewBasketRepository(db *gorm.DB) BasketRepository {
	return &BasketRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Basket, models.BasketFilter](db),
	}
}

func (r *BasketRepositoryImpl) ByID(ctx context.Context, id uint) (*models.Basket, error) {
	db := r.getDB(ctx)
	var basket models.Basket
	if err := db.Preload("Items").First(&basket, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &basket, nil
}

func (r *BasketRepositoryImpl) OpenByCustomerID(ctx context.Context, customerID uint) (*models.Basket, error) {
	db := r.getDB(ctx)
	var basket models.Basket
	if err := db.Preload("Items").Where("customer_id = ?", customerID).Last(&basket).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &basket, nil
}

func (r *BasketRepositoryImpl) CreateForCustomer(ctx context.Context, customerID uint) (*models.Basket, error) {
	db := r.getDB(ctx)
	basket := &models.Basket{
		CustomerID:   customerID,
		LastModified: time.Now().UTC(),
	}
	if err := db.Create(basket).Error; err != nil {
		return nil, err
	}
	return basket, nil
}

func (r *BasketRepositoryImpl) AddItem(ctx context.Context, item *models.BasketItem) error {
	db := r.getDB(ctx)
	return db.Create(item).Error
}

func (r *BasketRepositoryImpl) RemoveItem(ctx context.Context, basketID, itemID uint) (*models.BasketItem, error) {
	db := r.getDB(ctx)
	var item models.BasketItem
	if err := db.Where("id = ? AND basket_id = ?", itemID, basketID).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := db.Delete(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// Items returns the basket's lines oldest first, with Product loaded: the
// checkout snapshot and the basket response both read product attributes off
// the line.
func (r *BasketRepositoryImpl) Items(ctx context.Context, basketID uint) ([]*models.BasketItem, error) {
	db := r.getDB(ctx)
	var items []*models.BasketItem
	if err := db.Preload("Product").Where("basket_id = ?", basketID).Order("id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *BasketRepositoryImpl) Touch(ctx context.Context, basketID uint, at time.Time) error {
	db := r.getDB(ctx)
	return db.Model(&models.Basket{}).Where("id = ?", basketID).
		UpdateColumn("last_modified", at).Error
}

func (r *BasketRepositoryImpl) Clear(ctx context.Context, basketID uint) error {
	db := r.getDB(ctx)
	if err := db.Where("basket_id = ?", basketID).Delete(&models.BasketItem{}).Error; err != nil {
		return err
	}
	return db.Delete(&models.Basket{}, basketID).Error
}

// ExpiredBefore selects sweep candidates. The NOT EXISTS guard is the race
// gate from the reconciliation protocol: a basket with an open pending
// deposit is never a candidate, however old it is.
func (r *BasketRepositoryImpl) ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Basket, error) {
	db := r.getDB(ctx)
	var baskets []*models.Basket
	q := db.Preload("Items").
		Where("last_modified < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM pending_deposits pd WHERE pd.basket_id = baskets.id)").
		Order("last_modified ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&baskets).Error; err != nil {
		return nil, err
	}
	return baskets, nil
}
