package businessflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/oryxmarket/oryx/app/dto"
	"github.com/oryxmarket/oryx/app/services"
	"github.com/oryxmarket/oryx/config"
	"github.com/oryxmarket/oryx/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type checkoutHarness struct {
	flow         CheckoutFlow
	productRepo  *fakeProductRepo
	basketRepo   *fakeBasketRepo
	depositRepo  *fakeDepositRepo
	walletRepo   *fakeWalletRepo
	discountRepo *fakeDiscountRepo
	auditRepo    *fakeAuditRepo
	provider     *fakeProvider
}

func newCheckoutHarness(products ...*models.Product) *checkoutHarness {
	h := &checkoutHarness{
		productRepo:  newFakeProductRepo(products...),
		basketRepo:   newFakeBasketRepo(),
		depositRepo:  newFakeDepositRepo(),
		walletRepo:   newFakeWalletRepo(&models.Wallet{ID: 1, CustomerID: 1, Balance: decimal.Zero}),
		discountRepo: newFakeDiscountRepo(),
		auditRepo:    &fakeAuditRepo{},
		provider: &fakeProvider{result: &services.CreatePaymentResult{
			PaymentID:   "pay-new",
			PayAddress:  "bc1qexample",
			PayAmount:   decimal.RequireFromString("0.05"),
			PayCurrency: "btc",
		}},
	}
	h.basketRepo.products = h.productRepo
	customerRepo := newFakeCustomerRepo(&models.Customer{ID: 1, ChatID: 900})
	h.flow = NewCheckoutFlow(
		h.productRepo, h.basketRepo, h.depositRepo, h.walletRepo,
		customerRepo, h.discountRepo, h.auditRepo, h.provider,
		nil, passthroughTx{},
		config.PaymentsConfig{CallbackURL: "https://example.test/webhook"},
		config.BasketConfig{},
	)
	return h
}

func testProduct(id uint, price string, available, reserved int) *models.Product {
	return &models.Product{
		ID:          id,
		City:        "Berlin",
		District:    "Mitte",
		ProductType: "widget",
		Size:        "m",
		Price:       decimal.RequireFromString(price),
		Available:   available,
		Reserved:    reserved,
	}
}

func TestAddItem(t *testing.T) {
	t.Run("reserves stock and locks the price", func(t *testing.T) {
		product := testProduct(10, "50.00", 5, 0)
		h := newCheckoutHarness(product)

		resp, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 2}, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, product.Reserved)
		require.Len(t, resp.Items, 1)
		assert.Equal(t, "50.00", resp.Items[0].UnitPrice)
		assert.Equal(t, "100.00", resp.Items[0].LineTotal)
		assert.Equal(t, "100.00", resp.Total)
		assert.Equal(t, "Berlin", resp.Items[0].City)

		// A later price edit must not move the locked line price
		product.Price = decimal.RequireFromString("99.00")
		basket, _ := h.basketRepo.OpenByCustomerID(context.Background(), 1)
		items, _ := h.basketRepo.Items(context.Background(), basket.ID)
		assert.Equal(t, "50.00", items[0].Price.StringFixed(2))
	})

	t.Run("rejects non-positive quantities", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 0}, nil)
		assert.ErrorIs(t, err, ErrQuantityInvalid)
	})

	t.Run("rejects unknown products", func(t *testing.T) {
		h := newCheckoutHarness()
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 99, Quantity: 1}, nil)
		assert.ErrorIs(t, err, ErrProductNotFound)
	})

	t.Run("rejects fully reserved products", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 3, 3))
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 1}, nil)
		assert.ErrorIs(t, err, ErrProductNotSellable)
	})

	t.Run("rejects quantities above the sellable count", func(t *testing.T) {
		product := testProduct(10, "50.00", 3, 1)
		h := newCheckoutHarness(product)
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 3}, nil)
		assert.ErrorIs(t, err, ErrInsufficientStock)
		assert.Equal(t, 1, product.Reserved, "a failed add must not leak a reservation")
	})

	t.Run("rejects unknown customers", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 1234, ProductID: 10, Quantity: 1}, nil)
		assert.ErrorIs(t, err, ErrCustomerNotFound)
	})

	t.Run("rejected while a deposit is open", func(t *testing.T) {
		// A unit reserved into a checked-out basket would vanish with the
		// basket at settlement without ever being released
		product := testProduct(10, "50.00", 5, 0)
		extra := testProduct(11, "10.00", 4, 0)
		h := newCheckoutHarness(product, extra)
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 2}, nil)
		require.NoError(t, err)
		basket, _ := h.basketRepo.OpenByCustomerID(context.Background(), 1)

		require.NoError(t, h.depositRepo.Create(context.Background(), &models.PendingDeposit{
			PaymentID: "pay-open", CustomerID: 1, WalletID: 1, BasketID: &basket.ID,
			BasketSnapshot: json.RawMessage("[]"),
		}))

		_, err = h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 11, Quantity: 1}, nil)
		assert.ErrorIs(t, err, ErrDepositAlreadyOpen)
		assert.Equal(t, 0, extra.Reserved, "the rejected add must not take a hold")
	})
}

func TestRemoveItem(t *testing.T) {
	product := testProduct(10, "50.00", 5, 0)
	h := newCheckoutHarness(product)

	resp, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 2}, nil)
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)

	resp, err = h.flow.RemoveItem(context.Background(), &dto.RemoveBasketItemRequest{ChatID: 900, BasketItemID: resp.Items[0].ID}, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.Equal(t, 0, product.Reserved, "the line's reservation must be released")

	t.Run("unknown item", func(t *testing.T) {
		_, err := h.flow.RemoveItem(context.Background(), &dto.RemoveBasketItemRequest{ChatID: 900, BasketItemID: 777}, nil)
		assert.ErrorIs(t, err, ErrBasketItemNotFound)
	})

	t.Run("rejected while a deposit is open", func(t *testing.T) {
		product := testProduct(10, "50.00", 5, 0)
		h := newCheckoutHarness(product)
		resp, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 2}, nil)
		require.NoError(t, err)
		basket, _ := h.basketRepo.OpenByCustomerID(context.Background(), 1)

		require.NoError(t, h.depositRepo.Create(context.Background(), &models.PendingDeposit{
			PaymentID: "pay-open", CustomerID: 1, WalletID: 1, BasketID: &basket.ID,
			BasketSnapshot: json.RawMessage("[]"),
		}))

		_, err = h.flow.RemoveItem(context.Background(), &dto.RemoveBasketItemRequest{ChatID: 900, BasketItemID: resp.Items[0].ID}, nil)
		assert.ErrorIs(t, err, ErrDepositAlreadyOpen)
		assert.Equal(t, 2, product.Reserved, "held stock must survive the rejected removal")
	})
}

func TestClearBasket(t *testing.T) {
	t.Run("releases every reservation", func(t *testing.T) {
		product := testProduct(10, "50.00", 5, 0)
		h := newCheckoutHarness(product)
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 3}, nil)
		require.NoError(t, err)

		require.NoError(t, h.flow.ClearBasket(context.Background(), &dto.ClearBasketRequest{ChatID: 900}, nil))
		assert.Equal(t, 0, product.Reserved)
		basket, _ := h.basketRepo.OpenByCustomerID(context.Background(), 1)
		assert.Nil(t, basket)
	})

	t.Run("rejected while a deposit is open", func(t *testing.T) {
		product := testProduct(10, "50.00", 5, 0)
		h := newCheckoutHarness(product)
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: 10, Quantity: 1}, nil)
		require.NoError(t, err)
		basket, _ := h.basketRepo.OpenByCustomerID(context.Background(), 1)

		require.NoError(t, h.depositRepo.Create(context.Background(), &models.PendingDeposit{
			PaymentID: "pay-open", CustomerID: 1, WalletID: 1, BasketID: &basket.ID,
			BasketSnapshot: json.RawMessage("[]"),
		}))

		err = h.flow.ClearBasket(context.Background(), &dto.ClearBasketRequest{ChatID: 900}, nil)
		assert.ErrorIs(t, err, ErrDepositAlreadyOpen)
		assert.Equal(t, 1, product.Reserved, "held stock must survive the rejected clear")
	})

	t.Run("no basket is a no-op", func(t *testing.T) {
		h := newCheckoutHarness()
		assert.NoError(t, h.flow.ClearBasket(context.Background(), &dto.ClearBasketRequest{ChatID: 900}, nil))
	})
}

func TestCheckout(t *testing.T) {
	addLine := func(t *testing.T, h *checkoutHarness, productID uint, qty int) {
		t.Helper()
		_, err := h.flow.AddItem(context.Background(), &dto.AddBasketItemRequest{ChatID: 900, ProductID: productID, Quantity: qty}, nil)
		require.NoError(t, err)
	}

	t.Run("opens a purchase deposit with a frozen snapshot", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		addLine(t, h, 10, 2)

		resp, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "BTC"}, nil)
		require.NoError(t, err)

		assert.Equal(t, "pay-new", resp.PaymentID)
		assert.Equal(t, "100.00", resp.FiatAmount)
		assert.Equal(t, "btc", resp.PayCurrency)
		assert.True(t, resp.IsPurchase)

		deposit, repoErr := h.depositRepo.ByPaymentID(context.Background(), "pay-new")
		require.NoError(t, repoErr)
		require.NotNil(t, deposit)
		assert.Equal(t, "100.00", deposit.TargetFiatAmount.StringFixed(2))
		assert.Equal(t, "0.05", deposit.ExpectedCryptoAmount.String())
		require.NotNil(t, deposit.BasketID)

		snapshot, snapErr := deposit.Snapshot()
		require.NoError(t, snapErr)
		require.Len(t, snapshot, 1)
		assert.Equal(t, uint(10), snapshot[0].ProductID)
		assert.Equal(t, 2, snapshot[0].Quantity)
		assert.Equal(t, "Berlin", snapshot[0].City)

		// The provider was asked for the post-discount total
		require.Len(t, h.provider.inputs, 1)
		assert.Equal(t, "100.00", h.provider.inputs[0].FiatAmount.StringFixed(2))
		assert.Equal(t, "https://example.test/webhook", h.provider.inputs[0].CallbackURL)

		assert.Contains(t, h.auditRepo.actions(), models.AuditActionDepositCreated)
	})

	t.Run("rejects an empty basket", func(t *testing.T) {
		h := newCheckoutHarness()
		_, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc"}, nil)
		assert.ErrorIs(t, err, ErrBasketEmpty)
	})

	t.Run("rejects a second deposit for the same basket", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		addLine(t, h, 10, 1)

		_, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc"}, nil)
		require.NoError(t, err)

		h.provider.result.PaymentID = "pay-second"
		_, err = h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc"}, nil)
		assert.ErrorIs(t, err, ErrDepositAlreadyOpen)
	})

	t.Run("applies a usable discount code", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		h.discountRepo.codes["SAVE10"] = &models.DiscountCode{Code: "SAVE10", Percent: decimal.RequireFromString("10")}
		addLine(t, h, 10, 2)

		resp, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc", DiscountCode: "SAVE10"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "90.00", resp.FiatAmount)

		deposit, _ := h.depositRepo.ByPaymentID(context.Background(), "pay-new")
		require.NotNil(t, deposit.DiscountCodeUsed)
		assert.Equal(t, "SAVE10", *deposit.DiscountCodeUsed)
	})

	t.Run("rejects an exhausted discount code", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		maxUses := 1
		h.discountRepo.codes["DEAD"] = &models.DiscountCode{Code: "DEAD", Percent: decimal.RequireFromString("10"), MaxUses: &maxUses, UsedWith: 1}
		addLine(t, h, 10, 1)

		_, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc", DiscountCode: "DEAD"}, nil)
		assert.ErrorIs(t, err, ErrDiscountCodeInvalid)
	})

	t.Run("rejects a total discounted to zero", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		h.discountRepo.codes["FREE"] = &models.DiscountCode{Code: "FREE", Percent: decimal.RequireFromString("100")}
		addLine(t, h, 10, 1)

		_, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc", DiscountCode: "FREE"}, nil)
		assert.ErrorIs(t, err, ErrAmountTooLow)
	})

	t.Run("rejects a zero crypto quote from the processor", func(t *testing.T) {
		h := newCheckoutHarness(testProduct(10, "50.00", 5, 0))
		h.provider.result.PayAmount = decimal.Zero
		addLine(t, h, 10, 1)

		_, err := h.flow.Checkout(context.Background(), &dto.CheckoutRequest{ChatID: 900, PayCurrency: "btc"}, nil)
		assert.ErrorIs(t, err, ErrZeroExpectedCrypto)

		deposit, _ := h.depositRepo.ByPaymentID(context.Background(), "pay-new")
		assert.Nil(t, deposit, "no ledger row without a usable quote")
	})
}

func TestRefill(t *testing.T) {
	t.Run("opens a basketless deposit", func(t *testing.T) {
		h := newCheckoutHarness()

		resp, err := h.flow.Refill(context.Background(), &dto.RefillRequest{ChatID: 900, Amount: "25.00", PayCurrency: "btc"}, nil)
		require.NoError(t, err)
		assert.False(t, resp.IsPurchase)
		assert.Equal(t, "25.00", resp.FiatAmount)

		deposit, _ := h.depositRepo.ByPaymentID(context.Background(), "pay-new")
		require.NotNil(t, deposit)
		assert.Nil(t, deposit.BasketID)
		assert.False(t, deposit.IsPurchase)
	})

	t.Run("floors the amount to the fiat minor unit", func(t *testing.T) {
		h := newCheckoutHarness()
		resp, err := h.flow.Refill(context.Background(), &dto.RefillRequest{ChatID: 900, Amount: "25.999", PayCurrency: "btc"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "25.99", resp.FiatAmount)
	})

	t.Run("rejects unparseable amounts", func(t *testing.T) {
		h := newCheckoutHarness()
		_, err := h.flow.Refill(context.Background(), &dto.RefillRequest{ChatID: 900, Amount: "ten", PayCurrency: "btc"}, nil)
		require.Error(t, err)
		var be *BusinessError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, "REFILL_AMOUNT_INVALID", be.Code)
	})

	t.Run("rejects non-positive amounts", func(t *testing.T) {
		h := newCheckoutHarness()
		_, err := h.flow.Refill(context.Background(), &dto.RefillRequest{ChatID: 900, Amount: "0", PayCurrency: "btc"}, nil)
		assert.ErrorIs(t, err, ErrAmountTooLow)
	})
}
