// Package businessflow contains the business logic for the application.
package businessflow

import (
	"context"
	"encoding/json"

	"github.com/oryxmarket/oryx/app/dto"
	"github.com/oryxmarket/oryx/models"
	"github.com/oryxmarket/oryx/repository"
	"github.com/oryxmarket/oryx/utils"
	"github.com/shopspring/decimal"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds all client-related information for audit logging
type ClientMetadata struct {
	IPAddress  string            `json:"ip_address"`
	UserAgent  string            `json:"user_agent"`
	RequestID  string            `json:"request_id,omitempty"`
	Additional map[string]string `json:"additional,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
		Additional: make(map[string]string),
	}
}

// AddAdditional adds additional custom information to the metadata
func (cm *ClientMetadata) AddAdditional(key, value string) {
	if cm.Additional == nil {
		cm.Additional = make(map[string]string)
	}
	cm.Additional[key] = value
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

func getCustomerByChatID(ctx context.Context, repo repository.CustomerRepository, chatID int64) (models.Customer, error) {
	customer, err := repo.ByChatID(ctx, chatID)
	if err != nil {
		return models.Customer{}, err
	}
	if customer == nil {
		return models.Customer{}, ErrCustomerNotFound
	}
	return *customer, nil
}

func getWallet(ctx context.Context, repo repository.WalletRepository, customerID uint) (models.Wallet, error) {
	wallet, err := repo.ByCustomerID(ctx, customerID)
	if err != nil {
		return models.Wallet{}, err
	}
	if wallet == nil {
		return models.Wallet{}, ErrWalletNotFound
	}
	return *wallet, nil
}

// ToBasketResponse converts a basket and its priced lines to the wire shape
func ToBasketResponse(basket models.Basket, items []models.BasketItem) *dto.BasketResponse {
	resp := &dto.BasketResponse{
		BasketID:     basket.ID,
		Items:        make([]dto.BasketItemDTO, 0, len(items)),
		Currency:     utils.EuroCurrency,
		LastModified: basket.LastModified.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	total := decimal.Zero
	for _, item := range items {
		line := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		total = total.Add(line)
		resp.Items = append(resp.Items, dto.BasketItemDTO{
			ID:          item.ID,
			ProductID:   item.ProductID,
			City:        item.Product.City,
			District:    item.Product.District,
			ProductType: item.Product.ProductType,
			Size:        item.Product.Size,
			Quantity:    item.Quantity,
			UnitPrice:   item.Price.StringFixed(2),
			LineTotal:   line.StringFixed(2),
		})
	}
	resp.Total = total.StringFixed(2)
	return resp
}

func auditEntry(action string, customerID *uint, paymentID string, metadata *ClientMetadata, extra map[string]any) *models.AuditLog {
	details := map[string]any{}
	if paymentID != "" {
		details["payment_id"] = paymentID
	}
	for k, v := range extra {
		details[k] = v
	}
	raw, _ := json.Marshal(details)
	entry := &models.AuditLog{
		Action:     action,
		CustomerID: customerID,
		Metadata:   raw,
		Success:    utils.ToPtr(true),
	}
	if metadata != nil {
		if metadata.IPAddress != "" {
			entry.IPAddress = &metadata.IPAddress
		}
		if metadata.UserAgent != "" {
			entry.UserAgent = &metadata.UserAgent
		}
		if metadata.RequestID != "" {
			entry.RequestID = &metadata.RequestID
		}
	}
	return entry
}
