package dto

// AddBasketItemRequest adds a quantity of one product to the customer's open basket
type AddBasketItemRequest struct {
	ChatID    int64 `json:"chat_id" validate:"required"`
	ProductID uint  `json:"product_id" validate:"required,min=1"`
	Quantity  int   `json:"quantity" validate:"required,min=1"`
}

// RemoveBasketItemRequest removes a line from the customer's open basket
type RemoveBasketItemRequest struct {
	ChatID       int64 `json:"chat_id" validate:"required"`
	BasketItemID uint  `json:"basket_item_id" validate:"required,min=1"`
}

// ClearBasketRequest empties the customer's open basket
type ClearBasketRequest struct {
	ChatID int64 `json:"chat_id" validate:"required"`
}

// BasketItemDTO is one priced line of a basket
type BasketItemDTO struct {
	ID          uint   `json:"id"`
	ProductID   uint   `json:"product_id"`
	City        string `json:"city"`
	District    string `json:"district"`
	ProductType string `json:"product_type"`
	Size        string `json:"size"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
	LineTotal   string `json:"line_total"`
}

// BasketResponse is the customer's open basket with its locked prices
type BasketResponse struct {
	BasketID     uint            `json:"basket_id"`
	Items        []BasketItemDTO `json:"items"`
	Total        string          `json:"total"`
	Currency     string          `json:"currency"`
	LastModified string          `json:"last_modified"`
}
