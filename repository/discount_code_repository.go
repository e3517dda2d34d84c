package repository

import (
	"context"
	"errors"

	"github.com/oryxmarket/oryx/models"
	"gorm.io/gorm"
)

// DiscountCodeRepositoryImpl implements DiscountCodeRepository
type DiscountCodeRepositoryImpl struct {
	*BaseRepository[models.DiscountCode, struct{}]
}

// NewDiscountCodeRepository creates a new discount code repository
func NewDiscountCodeRepository(db *gorm.DB) DiscountCodeRepository {
	return &DiscountCodeRepositoryImpl{
		BaseRepository: NewBaseRepository[models.DiscountCode, struct{}](db),
	}
}

func (r *DiscountCodeRepositoryImpl) ByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	db := r.getDB(ctx)
	var dc models.DiscountCode
	if err := db.Where("code = ?", code).First(&dc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dc, nil
}

func (r *DiscountCodeRepositoryImpl) IncrementUse(ctx context.Context, code string) error {
	db := r.getDB(ctx)
	return db.Model(&models.DiscountCode{}).Where("code = ?", code).
		UpdateColumn("used_with", gorm.Expr("used_with + 1")).Error
}
