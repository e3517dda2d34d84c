// Package businessflow contains the core business logic and use cases for basket and checkout workflows
package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/oryxmarket/oryx/app/dto"
	"github.com/oryxmarket/oryx/app/services"
	"github.com/oryxmarket/oryx/config"
	"github.com/oryxmarket/oryx/models"
	"github.com/oryxmarket/oryx/repository"
	"github.com/oryxmarket/oryx/utils"
	"github.com/shopspring/decimal"
)

// CheckoutFlow defines basket management and deposit-opening operations
type CheckoutFlow interface {
	GetBasket(ctx context.Context, chatID int64) (*dto.BasketResponse, error)
	AddItem(ctx context.Context, req *dto.AddBasketItemRequest, metadata *ClientMetadata) (*dto.BasketResponse, error)
	RemoveItem(ctx context.Context, req *dto.RemoveBasketItemRequest, metadata *ClientMetadata) (*dto.BasketResponse, error)
	ClearBasket(ctx context.Context, req *dto.ClearBasketRequest, metadata *ClientMetadata) error
	Checkout(ctx context.Context, req *dto.CheckoutRequest, metadata *ClientMetadata) (*dto.CreateDepositResponse, error)
	Refill(ctx context.Context, req *dto.RefillRequest, metadata *ClientMetadata) (*dto.CreateDepositResponse, error)
}

// CheckoutFlowImpl implements CheckoutFlow
type CheckoutFlowImpl struct {
	productRepo  repository.ProductRepository
	basketRepo   repository.BasketRepository
	depositRepo  repository.PendingDepositRepository
	walletRepo   repository.WalletRepository
	customerRepo repository.CustomerRepository
	discountRepo repository.DiscountCodeRepository
	auditRepo    repository.AuditLogRepository
	provider     services.PaymentProvider
	cache        *services.ProductCache
	tx           repository.Transactor
	paymentsCfg  config.PaymentsConfig
	basketCfg    config.BasketConfig
}

func NewCheckoutFlow(
	productRepo repository.ProductRepository,
	basketRepo repository.BasketRepository,
	depositRepo repository.PendingDepositRepository,
	walletRepo repository.WalletRepository,
	customerRepo repository.CustomerRepository,
	discountRepo repository.DiscountCodeRepository,
	auditRepo repository.AuditLogRepository,
	provider services.PaymentProvider,
	cache *services.ProductCache,
	tx repository.Transactor,
	paymentsCfg config.PaymentsConfig,
	basketCfg config.BasketConfig,
) CheckoutFlow {
	return &CheckoutFlowImpl{
		productRepo:  productRepo,
		basketRepo:   basketRepo,
		depositRepo:  depositRepo,
		walletRepo:   walletRepo,
		customerRepo: customerRepo,
		discountRepo: discountRepo,
		auditRepo:    auditRepo,
		provider:     provider,
		cache:        cache,
		tx:           tx,
		paymentsCfg:  paymentsCfg,
		basketCfg:    basketCfg,
	}
}

func (f *CheckoutFlowImpl) GetBasket(ctx context.Context, chatID int64) (*dto.BasketResponse, error) {
	customer, err := getCustomerByChatID(ctx, f.customerRepo, chatID)
	if err != nil {
		return nil, err
	}
	basket, err := f.basketRepo.OpenByCustomerID(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load basket: %w", err)
	}
	if basket == nil {
		return &dto.BasketResponse{Items: []dto.BasketItemDTO{}, Total: "0.00", Currency: utils.EuroCurrency}, nil
	}
	items, err := f.basketRepo.Items(ctx, basket.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load basket items: %w", err)
	}
	return ToBasketResponse(*basket, deref(items)), nil
}

// AddItem reserves stock and prices the line inside one transaction. The
// reservation and the price lock happen together or not at all.
func (f *CheckoutFlowImpl) AddItem(ctx context.Context, req *dto.AddBasketItemRequest, metadata *ClientMetadata) (*dto.BasketResponse, error) {
	if req.Quantity <= 0 {
		return nil, ErrQuantityInvalid
	}

	var basket models.Basket
	var items []*models.BasketItem

	err := f.tx.WithTx(ctx, func(txCtx context.Context) error {
		customer, err := getCustomerByChatID(txCtx, f.customerRepo, req.ChatID)
		if err != nil {
			return err
		}

		product, err := f.productRepo.ByID(txCtx, req.ProductID)
		if err != nil {
			return fmt.Errorf("failed to load product: %w", err)
		}
		if product == nil {
			return ErrProductNotFound
		}
		if product.Sellable() <= 0 {
			return ErrProductNotSellable
		}

		b, err := f.basketRepo.OpenByCustomerID(txCtx, customer.ID)
		if err != nil {
			return fmt.Errorf("failed to load basket: %w", err)
		}
		if b == nil {
			b, err = f.basketRepo.CreateForCustomer(txCtx, customer.ID)
			if err != nil {
				return fmt.Errorf("failed to create basket: %w", err)
			}
		} else {
			// A basket with an open deposit is frozen: the snapshot inside
			// the deposit is what settles, and a hold taken now would never
			// be matched by a release when the basket goes away with it.
			open, err := f.depositRepo.OpenExistsForBasket(txCtx, b.ID)
			if err != nil {
				return fmt.Errorf("failed to check open deposits: %w", err)
			}
			if open {
				return ErrDepositAlreadyOpen
			}
		}

		if err := f.productRepo.Reserve(txCtx, product.ID, req.Quantity); err != nil {
			if errors.Is(err, repository.ErrInsufficientStock) {
				return ErrInsufficientStock
			}
			return fmt.Errorf("failed to reserve stock: %w", err)
		}

		item := &models.BasketItem{
			BasketID:  b.ID,
			ProductID: product.ID,
			Quantity:  req.Quantity,
			Price:     product.Price,
		}
		if err := f.basketRepo.AddItem(txCtx, item); err != nil {
			return fmt.Errorf("failed to add basket item: %w", err)
		}
		if err := f.basketRepo.Touch(txCtx, b.ID, utils.UTCNow()); err != nil {
			return fmt.Errorf("failed to touch basket: %w", err)
		}

		basket = *b
		items, err = f.basketRepo.Items(txCtx, b.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	f.invalidateCache(ctx, req.ProductID)
	return ToBasketResponse(basket, deref(items)), nil
}

// RemoveItem releases the line's reservation in the same transaction that
// deletes the line.
func (f *CheckoutFlowImpl) RemoveItem(ctx context.Context, req *dto.RemoveBasketItemRequest, metadata *ClientMetadata) (*dto.BasketResponse, error) {
	var basket models.Basket
	var items []*models.BasketItem
	var releasedProduct uint

	err := f.tx.WithTx(ctx, func(txCtx context.Context) error {
		customer, err := getCustomerByChatID(txCtx, f.customerRepo, req.ChatID)
		if err != nil {
			return err
		}
		b, err := f.basketRepo.OpenByCustomerID(txCtx, customer.ID)
		if err != nil {
			return fmt.Errorf("failed to load basket: %w", err)
		}
		if b == nil {
			return ErrBasketNotFound
		}

		open, err := f.depositRepo.OpenExistsForBasket(txCtx, b.ID)
		if err != nil {
			return fmt.Errorf("failed to check open deposits: %w", err)
		}
		if open {
			return ErrDepositAlreadyOpen
		}

		removed, err := f.basketRepo.RemoveItem(txCtx, b.ID, req.BasketItemID)
		if err != nil {
			return fmt.Errorf("failed to remove basket item: %w", err)
		}
		if removed == nil {
			return ErrBasketItemNotFound
		}

		if err := f.productRepo.Release(txCtx, removed.ProductID, removed.Quantity); err != nil {
			return fmt.Errorf("failed to release stock: %w", err)
		}
		releasedProduct = removed.ProductID

		if err := f.basketRepo.Touch(txCtx, b.ID, utils.UTCNow()); err != nil {
			return fmt.Errorf("failed to touch basket: %w", err)
		}

		basket = *b
		items, err = f.basketRepo.Items(txCtx, b.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	f.invalidateCache(ctx, releasedProduct)
	return ToBasketResponse(basket, deref(items)), nil
}

// ClearBasket releases every reservation and drops the basket. Rejected when
// an open deposit still references the basket, since the snapshot inside the
// deposit would outlive the reservations it expects.
func (f *CheckoutFlowImpl) ClearBasket(ctx context.Context, req *dto.ClearBasketRequest, metadata *ClientMetadata) error {
	var productIDs []uint

	err := f.tx.WithTx(ctx, func(txCtx context.Context) error {
		customer, err := getCustomerByChatID(txCtx, f.customerRepo, req.ChatID)
		if err != nil {
			return err
		}
		b, err := f.basketRepo.OpenByCustomerID(txCtx, customer.ID)
		if err != nil {
			return fmt.Errorf("failed to load basket: %w", err)
		}
		if b == nil {
			return nil
		}

		open, err := f.depositRepo.OpenExistsForBasket(txCtx, b.ID)
		if err != nil {
			return fmt.Errorf("failed to check open deposits: %w", err)
		}
		if open {
			return ErrDepositAlreadyOpen
		}

		items, err := f.basketRepo.Items(txCtx, b.ID)
		if err != nil {
			return fmt.Errorf("failed to load basket items: %w", err)
		}
		for _, item := range items {
			if err := f.productRepo.Release(txCtx, item.ProductID, item.Quantity); err != nil {
				return fmt.Errorf("failed to release stock: %w", err)
			}
			productIDs = append(productIDs, item.ProductID)
		}
		return f.basketRepo.Clear(txCtx, b.ID)
	})
	if err != nil {
		return err
	}

	for _, id := range productIDs {
		f.invalidateCache(ctx, id)
	}
	return nil
}

// Checkout opens a purchase deposit: the processor issues an invoice at a
// locked rate and the ledger row binds that invoice to a frozen snapshot of
// the basket. The basket itself stays open until reconciliation settles.
func (f *CheckoutFlowImpl) Checkout(ctx context.Context, req *dto.CheckoutRequest, metadata *ClientMetadata) (*dto.CreateDepositResponse, error) {
	customer, err := getCustomerByChatID(ctx, f.customerRepo, req.ChatID)
	if err != nil {
		return nil, err
	}
	wallet, err := getWallet(ctx, f.walletRepo, customer.ID)
	if err != nil {
		return nil, err
	}
	basket, err := f.basketRepo.OpenByCustomerID(ctx, customer.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load basket: %w", err)
	}
	if basket == nil {
		return nil, ErrBasketEmpty
	}
	items, err := f.basketRepo.Items(ctx, basket.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load basket items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrBasketEmpty
	}

	open, err := f.depositRepo.OpenExistsForBasket(ctx, basket.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check open deposits: %w", err)
	}
	if open {
		return nil, ErrDepositAlreadyOpen
	}

	total := decimal.Zero
	snapshot := make([]models.SnapshotItem, 0, len(items))
	for _, item := range items {
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		snapshot = append(snapshot, models.SnapshotItem{
			ProductID:   item.ProductID,
			City:        item.Product.City,
			District:    item.Product.District,
			ProductType: item.Product.ProductType,
			Size:        item.Product.Size,
			Quantity:    item.Quantity,
			Price:       item.Price,
		})
	}

	var discountCode *string
	if req.DiscountCode != "" {
		code, err := f.discountRepo.ByCode(ctx, strings.TrimSpace(req.DiscountCode))
		if err != nil {
			return nil, fmt.Errorf("failed to load discount code: %w", err)
		}
		if code == nil || !code.Usable(utils.UTCNow()) {
			return nil, ErrDiscountCodeInvalid
		}
		total = code.Apply(total)
		discountCode = &code.Code
	}
	if !total.IsPositive() {
		return nil, ErrAmountTooLow
	}

	rawSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to encode basket snapshot: %w", err)
	}

	return f.openDeposit(ctx, openDepositInput{
		customer:     customer,
		wallet:       wallet,
		basketID:     &basket.ID,
		isPurchase:   true,
		fiatAmount:   total,
		payCurrency:  req.PayCurrency,
		snapshot:     rawSnapshot,
		discountCode: discountCode,
		orderID:      fmt.Sprintf("purchase-%d-%d", customer.ID, basket.ID),
		metadata:     metadata,
	})
}

// Refill opens a wallet top-up deposit with no basket attached
func (f *CheckoutFlowImpl) Refill(ctx context.Context, req *dto.RefillRequest, metadata *ClientMetadata) (*dto.CreateDepositResponse, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, NewBusinessError("REFILL_AMOUNT_INVALID", "amount is not a valid number", err)
	}
	amount = amount.RoundFloor(utils.FiatMinorUnitDigits)
	if !amount.IsPositive() {
		return nil, ErrAmountTooLow
	}

	customer, err := getCustomerByChatID(ctx, f.customerRepo, req.ChatID)
	if err != nil {
		return nil, err
	}
	wallet, err := getWallet(ctx, f.walletRepo, customer.ID)
	if err != nil {
		return nil, err
	}

	return f.openDeposit(ctx, openDepositInput{
		customer:    customer,
		wallet:      wallet,
		isPurchase:  false,
		fiatAmount:  amount,
		payCurrency: req.PayCurrency,
		snapshot:    json.RawMessage("[]"),
		orderID:     fmt.Sprintf("refill-%d-%d", customer.ID, utils.UTCNow().Unix()),
		metadata:    metadata,
	})
}

type openDepositInput struct {
	customer     models.Customer
	wallet       models.Wallet
	basketID     *uint
	isPurchase   bool
	fiatAmount   decimal.Decimal
	payCurrency  string
	snapshot     json.RawMessage
	discountCode *string
	orderID      string
	metadata     *ClientMetadata
}

// openDeposit asks the processor for an invoice and records the open
// expectation. The processor call happens before the transaction; a row is
// only written for an invoice that actually exists.
func (f *CheckoutFlowImpl) openDeposit(ctx context.Context, in openDepositInput) (*dto.CreateDepositResponse, error) {
	payCurrency := strings.ToLower(strings.TrimSpace(in.payCurrency))

	payment, err := f.provider.CreatePayment(ctx, services.CreatePaymentInput{
		FiatAmount:   in.fiatAmount,
		FiatCurrency: utils.EuroCurrency,
		PayCurrency:  payCurrency,
		OrderID:      in.orderID,
		CallbackURL:  f.paymentsCfg.CallbackURL,
	})
	if err != nil {
		return nil, NewBusinessError("PAYMENT_CREATE_FAILED", "payment processor rejected the invoice", err)
	}
	if !payment.PayAmount.IsPositive() {
		return nil, ErrZeroExpectedCrypto
	}

	expiresAt := utils.UTCNowAdd(f.paymentsCfg.DepositWindow)
	if payment.ExpiresAt != nil {
		expiresAt = payment.ExpiresAt.UTC()
	}

	deposit := &models.PendingDeposit{
		PaymentID:            payment.PaymentID,
		CustomerID:           in.customer.ID,
		WalletID:             in.wallet.ID,
		BasketID:             in.basketID,
		PayCurrency:          payCurrency,
		TargetFiatAmount:     in.fiatAmount,
		ExpectedCryptoAmount: payment.PayAmount,
		IsPurchase:           in.isPurchase,
		BasketSnapshot:       in.snapshot,
		DiscountCodeUsed:     in.discountCode,
		ExpiresAt:            &expiresAt,
	}

	err = f.tx.WithTx(ctx, func(txCtx context.Context) error {
		if in.basketID != nil {
			open, err := f.depositRepo.OpenExistsForBasket(txCtx, *in.basketID)
			if err != nil {
				return fmt.Errorf("failed to check open deposits: %w", err)
			}
			if open {
				return ErrDepositAlreadyOpen
			}
			if err := f.basketRepo.Touch(txCtx, *in.basketID, utils.UTCNow()); err != nil {
				return fmt.Errorf("failed to touch basket: %w", err)
			}
		}
		if err := f.depositRepo.Create(txCtx, deposit); err != nil {
			return fmt.Errorf("failed to create pending deposit: %w", err)
		}
		if err := f.auditRepo.Save(txCtx, auditEntry(models.AuditActionDepositCreated, &in.customer.ID, payment.PaymentID, in.metadata, map[string]any{
			"is_purchase":  in.isPurchase,
			"fiat_amount":  in.fiatAmount.StringFixed(2),
			"pay_currency": payCurrency,
		})); err != nil {
			log.Printf("checkout: failed to write audit row for payment %s: %v", payment.PaymentID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &dto.CreateDepositResponse{
		PaymentID:    payment.PaymentID,
		PayAddress:   payment.PayAddress,
		PayAmount:    payment.PayAmount.String(),
		PayCurrency:  payCurrency,
		FiatAmount:   in.fiatAmount.StringFixed(2),
		FiatCurrency: utils.EuroCurrency,
		ExpiresAt:    expiresAt.Format(time.RFC3339),
		IsPurchase:   in.isPurchase,
	}, nil
}

func (f *CheckoutFlowImpl) invalidateCache(ctx context.Context, productID uint) {
	if f.cache == nil || productID == 0 {
		return
	}
	if err := f.cache.Invalidate(ctx, productID); err != nil {
		log.Printf("checkout: failed to invalidate product cache for %d: %v", productID, err)
	}
}

func deref(items []*models.BasketItem) []models.BasketItem {
	out := make([]models.BasketItem, 0, len(items))
	for _, item := range items {
		out = append(out, *item)
	}
	return out
}
