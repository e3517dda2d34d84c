package businessflow

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/oryxmarket/oryx/app/dto"
	"github.com/oryxmarket/oryx/app/services"
	"github.com/oryxmarket/oryx/config"
	"github.com/oryxmarket/oryx/models"
	"github.com/oryxmarket/oryx/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIPNSecret = "test-ipn-secret-used-for-signing-callbacks"

func TestCanonicalJSON(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "sorts object keys",
			input:    `{"b": 2, "a": 1}`,
			expected: `{"a":1,"b":2}`,
		},
		{
			name:     "sorts nested objects and compacts separators",
			input:    `{"z": {"y": 1, "x": "s"}, "a": [3, 2]}`,
			expected: `{"a":[3,2],"z":{"x":"s","y":1}}`,
		},
		{
			name:     "preserves numeric literals verbatim",
			input:    `{"amount": 1.50, "qty": 100}`,
			expected: `{"amount":1.50,"qty":100}`,
		},
		{
			name:     "keeps high precision crypto amounts",
			input:    `{"actually_paid": 0.050000000001}`,
			expected: `{"actually_paid":0.050000000001}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(got))
		})
	}

	t.Run("does not escape html characters", func(t *testing.T) {
		got, err := CanonicalJSON([]byte(`{"order_description": "Tom & Jerry <specials>"}`))
		require.NoError(t, err)
		assert.Equal(t, `{"order_description":"Tom & Jerry <specials>"}`, string(got))
	})

	t.Run("escapes non-ascii as lowercase u-sequences", func(t *testing.T) {
		got, err := CanonicalJSON([]byte(`{"note": "café"}`))
		require.NoError(t, err)
		assert.Equal(t, `{"note":"café"}`, string(got))
	})

	t.Run("escapes astral runes as surrogate pairs", func(t *testing.T) {
		got, err := CanonicalJSON([]byte(`{"e": "😀"}`))
		require.NoError(t, err)
		assert.Equal(t, `{"e":"😀"}`, string(got))
	})

	t.Run("rejects malformed input", func(t *testing.T) {
		_, err := CanonicalJSON([]byte(`{"a":`))
		assert.Error(t, err)
	})
}

func TestComputeSignature(t *testing.T) {
	body := []byte(`{"payment_id": 123, "payment_status": "finished"}`)
	reordered := []byte(`{"payment_status": "finished", "payment_id": 123}`)

	sig, err := ComputeSignature(body, testIPNSecret)
	require.NoError(t, err)
	assert.Len(t, sig, 128) // hex SHA-512

	sig2, err := ComputeSignature(reordered, testIPNSecret)
	require.NoError(t, err)
	assert.Equal(t, sig, sig2, "key order must not change the signature")

	other, err := ComputeSignature(body, "another-secret")
	require.NoError(t, err)
	assert.NotEqual(t, sig, other)

	t.Run("signs bodies with html and non-ascii characters", func(t *testing.T) {
		body := []byte(`{"payment_id": 1, "payment_status": "finished", "pay_currency": "btc", "actually_paid": 0.05, "order_description": "Tom & Jerry <café>"}`)
		canonical := `{"actually_paid":0.05,"order_description":"Tom & Jerry <café>","pay_currency":"btc","payment_id":1,"payment_status":"finished"}`
		mac := hmac.New(sha512.New, []byte(testIPNSecret))
		mac.Write([]byte(canonical))
		want := hex.EncodeToString(mac.Sum(nil))

		sig, err := ComputeSignature(body, testIPNSecret)
		require.NoError(t, err)
		assert.Equal(t, want, sig)

		_, err = newVerifyFlow(testIPNSecret).VerifyAndParse(body, sig)
		assert.NoError(t, err)
	})
}

func newVerifyFlow(secret string) ReconciliationFlow {
	return NewReconciliationFlow(
		newFakeDepositRepo(), newFakeProductRepo(), newFakeBasketRepo(),
		newFakeWalletRepo(), newFakeCustomerRepo(), &fakePurchaseRepo{},
		&fakeTransactionRepo{}, newFakeDiscountRepo(), &fakeAuditRepo{},
		services.NewMockNotifier(), nil, passthroughTx{},
		config.PaymentsConfig{IPNSecret: secret},
	)
}

func TestVerifyAndParse(t *testing.T) {
	body := []byte(`{"payment_id": 4417232461, "payment_status": "finished", "pay_currency": "btc", "pay_amount": 0.05, "actually_paid": 0.05}`)
	sig, err := ComputeSignature(body, testIPNSecret)
	require.NoError(t, err)

	flow := newVerifyFlow(testIPNSecret)

	t.Run("accepts a valid signature", func(t *testing.T) {
		cb, err := flow.VerifyAndParse(body, sig)
		require.NoError(t, err)
		assert.Equal(t, "4417232461", cb.PaymentID.String())
		assert.Equal(t, dto.PaymentStatusFinished, cb.PaymentStatus)
		assert.Equal(t, "0.05", cb.ActuallyPaid.String())
	})

	t.Run("accepts uppercase hex with surrounding whitespace", func(t *testing.T) {
		_, err := flow.VerifyAndParse(body, "  "+strings.ToUpper(sig)+" ")
		assert.NoError(t, err)
	})

	t.Run("rejects a missing signature", func(t *testing.T) {
		_, err := flow.VerifyAndParse(body, "")
		assert.ErrorIs(t, err, ErrSignatureMissing)
	})

	t.Run("rejects a tampered body", func(t *testing.T) {
		tampered := []byte(`{"payment_id": 4417232461, "payment_status": "finished", "pay_currency": "btc", "pay_amount": 0.05, "actually_paid": 99.0}`)
		_, err := flow.VerifyAndParse(tampered, sig)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rejects a signature from the wrong secret", func(t *testing.T) {
		wrong, err := ComputeSignature(body, "another-secret")
		require.NoError(t, err)
		_, err = flow.VerifyAndParse(body, wrong)
		assert.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("rejects unparseable bodies", func(t *testing.T) {
		_, err := flow.VerifyAndParse([]byte(`not json`), "deadbeef")
		assert.ErrorIs(t, err, ErrMalformedPayload)
	})

	t.Run("rejects callbacks without a payment id", func(t *testing.T) {
		noID := []byte(`{"payment_status": "finished"}`)
		noIDSig, err := ComputeSignature(noID, testIPNSecret)
		require.NoError(t, err)
		_, err = flow.VerifyAndParse(noID, noIDSig)
		assert.ErrorIs(t, err, ErrPaymentIDMissing)
	})

	t.Run("rejects callbacks missing a required key", func(t *testing.T) {
		// A correctly signed callback with a required key absent must stop
		// here; it must never reach the settlement machinery.
		bodies := map[string]string{
			"payment_status": `{"payment_id": 1, "pay_currency": "btc", "actually_paid": 0.05}`,
			"pay_currency":   `{"payment_id": 1, "payment_status": "finished", "actually_paid": 0.05}`,
			"actually_paid":  `{"payment_id": 1, "payment_status": "finished", "pay_currency": "btc"}`,
		}
		for missing, body := range bodies {
			sig, err := ComputeSignature([]byte(body), testIPNSecret)
			require.NoError(t, err)
			_, err = flow.VerifyAndParse([]byte(body), sig)
			assert.ErrorIs(t, err, ErrMalformedPayload, "missing %s", missing)
		}
	})

	t.Run("processes unverified callbacks when no secret is configured", func(t *testing.T) {
		unconfigured := newVerifyFlow("")
		cb, err := unconfigured.VerifyAndParse(body, "")
		require.NoError(t, err)
		assert.Equal(t, "4417232461", cb.PaymentID.String())

		cb, err = unconfigured.VerifyAndParse(body, "garbage-signature")
		require.NoError(t, err)
		assert.Equal(t, "4417232461", cb.PaymentID.String())
	})
}

// reconcileHarness wires a reconciliation flow around in-memory state
type reconcileHarness struct {
	flow         ReconciliationFlow
	productRepo  *fakeProductRepo
	basketRepo   *fakeBasketRepo
	depositRepo  *fakeDepositRepo
	walletRepo   *fakeWalletRepo
	customerRepo *fakeCustomerRepo
	purchaseRepo *fakePurchaseRepo
	txRepo       *fakeTransactionRepo
	discountRepo *fakeDiscountRepo
	auditRepo    *fakeAuditRepo
	notifier     *services.MockNotifier
}

func newReconcileHarness(products []*models.Product, deposits ...*models.PendingDeposit) *reconcileHarness {
	h := &reconcileHarness{
		productRepo:  newFakeProductRepo(products...),
		basketRepo:   newFakeBasketRepo(),
		depositRepo:  newFakeDepositRepo(deposits...),
		walletRepo:   newFakeWalletRepo(&models.Wallet{ID: 1, CustomerID: 1, Balance: decimal.Zero}),
		customerRepo: newFakeCustomerRepo(&models.Customer{ID: 1, ChatID: 900}),
		purchaseRepo: &fakePurchaseRepo{},
		txRepo:       &fakeTransactionRepo{},
		discountRepo: newFakeDiscountRepo(),
		auditRepo:    &fakeAuditRepo{},
		notifier:     services.NewMockNotifier(),
	}
	h.useTransactor(passthroughTx{})
	return h
}

func (h *reconcileHarness) useTransactor(tx repository.Transactor) {
	h.flow = NewReconciliationFlow(
		h.depositRepo, h.productRepo, h.basketRepo, h.walletRepo,
		h.customerRepo, h.purchaseRepo, h.txRepo, h.discountRepo,
		h.auditRepo, h.notifier, nil, tx,
		config.PaymentsConfig{IPNSecret: testIPNSecret},
	)
}

func mustSnapshot(t *testing.T, items []models.SnapshotItem) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(items)
	require.NoError(t, err)
	return raw
}

// purchaseDeposit builds a purchase deposit over one snapshot line of
// qty units at unitPrice, quoted at expected crypto for target fiat
func purchaseDeposit(t *testing.T, basketID uint, qty int, unitPrice, target, expected string) *models.PendingDeposit {
	t.Helper()
	return &models.PendingDeposit{
		PaymentID:            "pay-1",
		CustomerID:           1,
		WalletID:             1,
		BasketID:             &basketID,
		PayCurrency:          "btc",
		TargetFiatAmount:     decimal.RequireFromString(target),
		ExpectedCryptoAmount: decimal.RequireFromString(expected),
		IsPurchase:           true,
		BasketSnapshot: mustSnapshot(t, []models.SnapshotItem{
			{ProductID: 10, City: "Berlin", District: "Mitte", ProductType: "widget", Size: "m", Quantity: qty, Price: decimal.RequireFromString(unitPrice)},
		}),
	}
}

func callback(paymentID, status, currency, paid string) *dto.IPNCallback {
	return &dto.IPNCallback{
		PaymentID:     json.Number(paymentID),
		PaymentStatus: status,
		PayCurrency:   currency,
		ActuallyPaid:  json.Number(paid),
	}
}

func TestReconcileNonTerminalStatus(t *testing.T) {
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness(nil, deposit)

	for _, status := range []string{dto.PaymentStatusWaiting, dto.PaymentStatusConfirming, dto.PaymentStatusSending} {
		err := h.flow.Reconcile(context.Background(), callback("pay-1", status, "btc", "0"), nil)
		require.NoError(t, err)
	}

	got, err := h.depositRepo.ByPaymentID(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.NotNil(t, got, "non-terminal statuses must leave the row open")
	assert.Empty(t, h.notifier.Events)
}

func TestReconcileUnknownPaymentIsBenign(t *testing.T) {
	h := newReconcileHarness(nil)

	err := h.flow.Reconcile(context.Background(), callback("pay-unknown", dto.PaymentStatusFinished, "btc", "0.05"), nil)
	require.NoError(t, err)
	assert.Empty(t, h.notifier.Events)
	assert.Empty(t, h.purchaseRepo.saved)
}

func TestReconcileExactPaymentFinalizesPurchase(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2, Price: decimal.RequireFromString("50.00")}
	basketID := uint(5)
	deposit := purchaseDeposit(t, basketID, 2, "50.00", "100.00", "0.05")
	code := "SAVE10"
	deposit.DiscountCodeUsed = &code
	h := newReconcileHarness([]*models.Product{product}, deposit)
	h.basketRepo.baskets[basketID] = &models.Basket{ID: basketID, CustomerID: 1}

	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "btc", "0.05"), nil)
	require.NoError(t, err)

	// Units leave circulation entirely
	assert.Equal(t, 3, product.Available)
	assert.Equal(t, 0, product.Reserved)

	require.Len(t, h.purchaseRepo.saved, 1)
	p := h.purchaseRepo.saved[0]
	assert.Equal(t, uint(10), p.ProductID)
	assert.Equal(t, 2, p.Quantity)
	assert.Equal(t, "pay-1", p.PaymentID)
	assert.Equal(t, "Berlin", p.City)

	assert.Equal(t, models.DepositRemovedPurchaseSuccess, h.depositRepo.removed["pay-1"])
	assert.Contains(t, h.basketRepo.cleared, basketID)
	assert.Equal(t, 1, h.discountRepo.uses["SAVE10"])

	// Exact payment leaves the wallet untouched
	wallet, _ := h.walletRepo.ByID(context.Background(), 1)
	assert.True(t, wallet.Balance.IsZero())
	assert.Empty(t, h.txRepo.saved)

	assert.Contains(t, h.auditRepo.actions(), models.AuditActionPurchaseFinalized)
	require.Len(t, h.notifier.Events, 1)
	assert.Contains(t, h.notifier.Events[0], "purchase_finalized")
	assert.Contains(t, h.notifier.Events[0], "chat=900")
}

func TestReconcileOverpaymentCreditsDifference(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)
	h.basketRepo.baskets[5] = &models.Basket{ID: 5, CustomerID: 1}

	// 0.06 paid against 0.05 expected settles at 120.00 at the locked rate
	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "btc", "0.06"), nil)
	require.NoError(t, err)

	wallet, _ := h.walletRepo.ByID(context.Background(), 1)
	assert.Equal(t, "20.00", wallet.Balance.StringFixed(2))

	require.Len(t, h.txRepo.saved, 1)
	tx := h.txRepo.saved[0]
	assert.Equal(t, models.TransactionTypeOverpaymentCredit, tx.Type)
	assert.Equal(t, "20.00", tx.Amount.StringFixed(2))
	assert.Equal(t, "pay-1", tx.ExternalReference)
	assert.True(t, tx.BalanceBefore.IsZero())
	assert.Equal(t, "20.00", tx.BalanceAfter.StringFixed(2))

	assert.Equal(t, models.DepositRemovedPurchaseSuccess, h.depositRepo.removed["pay-1"])
}

func TestReconcileUnderpaidPurchaseCreditsAndReleasesStock(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	basketID := uint(5)
	deposit := purchaseDeposit(t, basketID, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)
	h.basketRepo.baskets[basketID] = &models.Basket{ID: basketID, CustomerID: 1}

	// Half the expected crypto settles at exactly half the target
	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusPartiallyPaid, "btc", "0.025"), nil)
	require.NoError(t, err)

	wallet, _ := h.walletRepo.ByID(context.Background(), 1)
	assert.Equal(t, "50.00", wallet.Balance.StringFixed(2))

	require.Len(t, h.txRepo.saved, 1)
	assert.Equal(t, models.TransactionTypeUnderpaymentCredit, h.txRepo.saved[0].Type)

	// Nothing is sold; the held units go back to the pool and the basket is
	// dropped so the sweeper never sees it
	assert.Equal(t, 5, product.Available)
	assert.Equal(t, 0, product.Reserved)
	assert.Empty(t, h.purchaseRepo.saved)
	assert.Contains(t, h.basketRepo.cleared, basketID)

	assert.Equal(t, models.DepositRemovedUnderpaid, h.depositRepo.removed["pay-1"])
	require.Len(t, h.notifier.Events, 1)
	assert.Contains(t, h.notifier.Events[0], "purchase_underpaid")
	assert.Contains(t, h.notifier.Events[0], "needed=100.00")
	assert.Contains(t, h.notifier.Events[0], "credited=50.00")
}

func TestReconcileSettledValueFloorsToMinorUnit(t *testing.T) {
	deposit := &models.PendingDeposit{
		PaymentID:            "pay-1",
		CustomerID:           1,
		WalletID:             1,
		PayCurrency:          "btc",
		TargetFiatAmount:     decimal.RequireFromString("10.00"),
		ExpectedCryptoAmount: decimal.RequireFromString("3"),
		IsPurchase:           false,
		BasketSnapshot:       json.RawMessage("[]"),
	}
	h := newReconcileHarness(nil, deposit)

	// 10.00 * 1 / 3 = 3.333... floors to 3.33, never rounds up
	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "btc", "1"), nil)
	require.NoError(t, err)

	wallet, _ := h.walletRepo.ByID(context.Background(), 1)
	assert.Equal(t, "3.33", wallet.Balance.StringFixed(2))
}

func TestReconcileFailureReleasesReservations(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)

	for _, status := range []string{dto.PaymentStatusFailed, dto.PaymentStatusExpired, dto.PaymentStatusRefunded} {
		t.Run(status, func(t *testing.T) {
			product.Reserved = 2
			h.depositRepo.deposits["pay-1"] = deposit

			err := h.flow.Reconcile(context.Background(), callback("pay-1", status, "btc", "0"), nil)
			require.NoError(t, err)

			assert.Equal(t, 0, product.Reserved)
			assert.Equal(t, 5, product.Available)
			want := models.DepositRemovedFailure
			if status == dto.PaymentStatusExpired {
				want = models.DepositRemovedExpiry
			}
			assert.Equal(t, want, h.depositRepo.removed["pay-1"])
		})
	}

	assert.Contains(t, h.auditRepo.actions(), models.AuditActionPaymentFailed)
	assert.Contains(t, h.notifier.Events[0], "payment_failed")
	assert.Contains(t, h.notifier.Events[0], "purchase=true")
}

func TestReconcileCurrencyMismatchGoesToReview(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)

	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "eth", "1.5"), nil)
	require.NoError(t, err)

	assert.Equal(t, 0, product.Reserved)
	assert.Equal(t, models.DepositRemovedCurrencyMismatch, h.depositRepo.removed["pay-1"])
	assert.Contains(t, h.auditRepo.actions(), models.AuditActionManualReviewRequired)

	var alerted bool
	for _, ev := range h.notifier.Events {
		if strings.Contains(ev, "operator_alert") {
			alerted = true
		}
	}
	assert.True(t, alerted, "a mismatched currency must page the operator")
}

func TestReconcileZeroExpectedCryptoGoesToReview(t *testing.T) {
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0")
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	h := newReconcileHarness([]*models.Product{product}, deposit)

	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "btc", "0.05"), nil)
	require.NoError(t, err)

	assert.Equal(t, models.DepositRemovedZeroExpectedCrypto, h.depositRepo.removed["pay-1"])
	assert.Empty(t, h.purchaseRepo.saved)
	assert.Empty(t, h.txRepo.saved)
}

func TestReconcileZeroPaidOnSuccessStatus(t *testing.T) {
	t.Run("finished with nothing paid closes the row", func(t *testing.T) {
		product := &models.Product{ID: 10, Available: 5, Reserved: 2}
		deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
		h := newReconcileHarness([]*models.Product{product}, deposit)

		err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "btc", "0"), nil)
		require.NoError(t, err)

		assert.Equal(t, 0, product.Reserved)
		assert.Equal(t, models.DepositRemovedZeroPaid, h.depositRepo.removed["pay-1"])
		assert.Empty(t, h.txRepo.saved)
	})

	t.Run("confirmed with nothing paid leaves the row open", func(t *testing.T) {
		product := &models.Product{ID: 10, Available: 5, Reserved: 2}
		deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
		h := newReconcileHarness([]*models.Product{product}, deposit)

		err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusConfirmed, "btc", "0"), nil)
		require.NoError(t, err)

		got, repoErr := h.depositRepo.ByPaymentID(context.Background(), "pay-1")
		require.NoError(t, repoErr)
		assert.NotNil(t, got, "the amount may still land, the row must wait")
		assert.Equal(t, 2, product.Reserved)
		assert.Empty(t, h.notifier.Events)
	})
}

func TestReconcileChildPaymentIsIgnored(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)

	cb := callback("pay-child", dto.PaymentStatusFinished, "btc", "0.05")
	cb.ParentPaymentID = json.Number("pay-1")

	err := h.flow.Reconcile(context.Background(), cb, nil)
	require.NoError(t, err)

	got, repoErr := h.depositRepo.ByPaymentID(context.Background(), "pay-1")
	require.NoError(t, repoErr)
	assert.NotNil(t, got, "child notifications must not touch the ledger")
	assert.Equal(t, 2, product.Reserved)
	assert.Empty(t, h.purchaseRepo.saved)
	assert.Empty(t, h.txRepo.saved)
	assert.Empty(t, h.notifier.Events)
}

func TestReconcileUnderpaidRoundingToZeroCredit(t *testing.T) {
	// A dust payment whose settled value floors to 0.00 closes the row
	// without a wallet movement
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "1000000")
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	h := newReconcileHarness([]*models.Product{product}, deposit)

	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusPartiallyPaid, "btc", "1"), nil)
	require.NoError(t, err)

	assert.Equal(t, models.DepositRemovedZeroCredit, h.depositRepo.removed["pay-1"])
	assert.Empty(t, h.txRepo.saved)
	// Units go back to the pool like any other underpayment
	assert.Equal(t, 0, product.Reserved)
	assert.Equal(t, 5, product.Available)
}

func TestReconcileFinalizationFailureRetainsDeposit(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)
	h.useTransactor(rollbackAuditTx{audit: h.auditRepo})
	h.productRepo.consumeErr = assert.AnError

	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusFinished, "btc", "0.05"), nil)
	require.Error(t, err)

	// The row survives for the operator and the processor's retry
	got, repoErr := h.depositRepo.ByPaymentID(context.Background(), "pay-1")
	require.NoError(t, repoErr)
	assert.NotNil(t, got)
	assert.Empty(t, h.purchaseRepo.saved)

	// The operator trail is written after the transaction rolls back, so it
	// must survive the rollback
	assert.Contains(t, h.auditRepo.actions(), models.AuditActionManualReviewRequired)
	require.Len(t, h.notifier.Events, 1)
	assert.Contains(t, h.notifier.Events[0], "operator_alert")
	assert.Contains(t, h.notifier.Events[0], "pay-1")
}

func TestReconcileRefillCreditsWallet(t *testing.T) {
	deposit := &models.PendingDeposit{
		PaymentID:            "pay-1",
		CustomerID:           1,
		WalletID:             1,
		PayCurrency:          "btc",
		TargetFiatAmount:     decimal.RequireFromString("25.00"),
		ExpectedCryptoAmount: decimal.RequireFromString("0.0125"),
		IsPurchase:           false,
		BasketSnapshot:       json.RawMessage("[]"),
	}
	h := newReconcileHarness(nil, deposit)

	err := h.flow.Reconcile(context.Background(), callback("pay-1", dto.PaymentStatusConfirmed, "btc", "0.0125"), nil)
	require.NoError(t, err)

	wallet, _ := h.walletRepo.ByID(context.Background(), 1)
	assert.Equal(t, "25.00", wallet.Balance.StringFixed(2))
	require.Len(t, h.txRepo.saved, 1)
	assert.Equal(t, models.TransactionTypeRefill, h.txRepo.saved[0].Type)
	assert.Equal(t, models.DepositRemovedRefillSuccess, h.depositRepo.removed["pay-1"])
	assert.Contains(t, h.notifier.Events[0], "refill_credited")
}

func TestReconcileReplayAfterSettlementIsNoOp(t *testing.T) {
	product := &models.Product{ID: 10, Available: 5, Reserved: 2}
	deposit := purchaseDeposit(t, 5, 2, "50.00", "100.00", "0.05")
	h := newReconcileHarness([]*models.Product{product}, deposit)
	h.basketRepo.baskets[5] = &models.Basket{ID: 5, CustomerID: 1}

	cb := callback("pay-1", dto.PaymentStatusFinished, "btc", "0.05")
	require.NoError(t, h.flow.Reconcile(context.Background(), cb, nil))
	require.Len(t, h.purchaseRepo.saved, 1)

	// The processor redelivers the same callback; the missing row absorbs it
	require.NoError(t, h.flow.Reconcile(context.Background(), cb, nil))
	assert.Len(t, h.purchaseRepo.saved, 1)
	assert.Equal(t, 3, product.Available)
	assert.Equal(t, 0, product.Reserved)
	assert.Len(t, h.notifier.Events, 1)
}
