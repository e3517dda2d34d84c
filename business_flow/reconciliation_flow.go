// Package businessflow contains the core business logic and use cases for webhook settlement workflows
package businessflow

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/oryxmarket/oryx/app/dto"
	"github.com/oryxmarket/oryx/app/services"
	"github.com/oryxmarket/oryx/config"
	"github.com/oryxmarket/oryx/models"
	"github.com/oryxmarket/oryx/repository"
	"github.com/oryxmarket/oryx/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var reconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oryx_reconcile_outcomes_total",
	Help: "Reconciliation outcomes by removal reason or disposition",
}, []string{"outcome"})

// ReconciliationFlow settles incoming processor callbacks against the
// pending-deposit ledger
type ReconciliationFlow interface {
	// VerifyAndParse authenticates the raw callback body against the IPN
	// secret and decodes it. It performs no state changes and is safe to
	// call on the listener goroutine.
	VerifyAndParse(raw []byte, signature string) (*dto.IPNCallback, error)

	// Reconcile applies one authenticated callback to the ledger. It must
	// run on the context that owns ledger state.
	Reconcile(ctx context.Context, cb *dto.IPNCallback, metadata *ClientMetadata) error
}

// ReconciliationFlowImpl implements ReconciliationFlow
type ReconciliationFlowImpl struct {
	depositRepo     repository.PendingDepositRepository
	productRepo     repository.ProductRepository
	basketRepo      repository.BasketRepository
	walletRepo      repository.WalletRepository
	customerRepo    repository.CustomerRepository
	purchaseRepo    repository.PurchaseRepository
	transactionRepo repository.TransactionRepository
	discountRepo    repository.DiscountCodeRepository
	auditRepo       repository.AuditLogRepository
	notifier        services.Notifier
	cache           *services.ProductCache
	tx              repository.Transactor
	paymentsCfg     config.PaymentsConfig
}

func NewReconciliationFlow(
	depositRepo repository.PendingDepositRepository,
	productRepo repository.ProductRepository,
	basketRepo repository.BasketRepository,
	walletRepo repository.WalletRepository,
	customerRepo repository.CustomerRepository,
	purchaseRepo repository.PurchaseRepository,
	transactionRepo repository.TransactionRepository,
	discountRepo repository.DiscountCodeRepository,
	auditRepo repository.AuditLogRepository,
	notifier services.Notifier,
	cache *services.ProductCache,
	tx repository.Transactor,
	paymentsCfg config.PaymentsConfig,
) ReconciliationFlow {
	return &ReconciliationFlowImpl{
		depositRepo:     depositRepo,
		productRepo:     productRepo,
		basketRepo:      basketRepo,
		walletRepo:      walletRepo,
		customerRepo:    customerRepo,
		purchaseRepo:    purchaseRepo,
		transactionRepo: transactionRepo,
		discountRepo:    discountRepo,
		auditRepo:       auditRepo,
		notifier:        notifier,
		cache:           cache,
		tx:              tx,
		paymentsCfg:     paymentsCfg,
	}
}

// CanonicalJSON re-encodes a JSON document with sorted object keys, compact
// separators, numeric literals preserved verbatim and non-ASCII characters
// \u-escaped. The processor signs this canonical form, not the raw bytes it
// happens to send; `&`, `<` and `>` stay unescaped to match it.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return asciiEscape(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// asciiEscape rewrites non-ASCII runes as lowercase \uXXXX escapes, runes
// above the BMP as surrogate pairs. Only string values can carry non-ASCII
// bytes, so escaping the encoded document wholesale is safe.
func asciiEscape(in []byte) []byte {
	var out bytes.Buffer
	out.Grow(len(in))
	for _, r := range string(in) {
		switch {
		case r < utf8.RuneSelf:
			out.WriteByte(byte(r))
		case r > 0xffff:
			hi, lo := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, hi, lo)
		default:
			fmt.Fprintf(&out, `\u%04x`, r)
		}
	}
	return out.Bytes()
}

// ComputeSignature returns the hex HMAC-SHA512 of the canonical body
func ComputeSignature(raw []byte, secret string) (string, error) {
	canonical, err := CanonicalJSON(raw)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (f *ReconciliationFlowImpl) VerifyAndParse(raw []byte, signature string) (*dto.IPNCallback, error) {
	if f.paymentsCfg.IPNSecret == "" {
		// Degraded, insecure mode. Callbacks are processed WITHOUT
		// verification; an accepted operational risk, never a silent one.
		log.Printf("reconcile: SECURITY WARNING: no IPN secret configured, processing UNVERIFIED callback")
	} else {
		if signature == "" {
			return nil, ErrSignatureMissing
		}
		expected, err := ComputeSignature(raw, f.paymentsCfg.IPNSecret)
		if err != nil {
			return nil, ErrMalformedPayload
		}
		if !hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature)))) {
			return nil, ErrSignatureInvalid
		}
	}

	var cb dto.IPNCallback
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return nil, ErrMalformedPayload
	}
	if cb.PaymentID.String() == "" {
		return nil, ErrPaymentIDMissing
	}
	// payment_status, pay_currency and actually_paid are required keys; a
	// callback without them must never reach the settlement machinery.
	if cb.PaymentStatus == "" || cb.PayCurrency == "" || cb.ActuallyPaid.String() == "" {
		return nil, ErrMalformedPayload
	}
	return &cb, nil
}

// settlement statuses; anything else leaves the deposit untouched
func isSuccessStatus(status string) bool {
	switch status {
	case dto.PaymentStatusFinished, dto.PaymentStatusConfirmed, dto.PaymentStatusPartiallyPaid:
		return true
	}
	return false
}

func isFailureStatus(status string) bool {
	switch status {
	case dto.PaymentStatusFailed, dto.PaymentStatusExpired, dto.PaymentStatusRefunded:
		return true
	}
	return false
}

// finalizationError carries what the operator needs to know when stock no
// longer backs a paid reservation. The settling transaction rolls back, so
// the audit trail must be written outside it.
type finalizationError struct {
	customerID uint
	productID  uint
	quantity   int
	cause      error
}

func (e *finalizationError) Error() string {
	return fmt.Sprintf("failed to consume stock for product %d: %v", e.productID, e.cause)
}

func (e *finalizationError) Unwrap() error { return e.cause }

// outcome describes what happened inside the reconciling transaction so the
// notifications can be sent after commit
type outcome struct {
	kind       string
	chatID     int64
	paymentID  string
	amount     decimal.Decimal
	needed     decimal.Decimal
	alert      string
	products   []uint
	isPurchase bool
}

// Reconcile applies the state machine for one callback. The pending-deposit
// row is the idempotency token: every terminal branch ends with its deletion
// as the final statement of the transaction, so a crash before commit leaves
// the row for the processor's retry and a replay after commit finds nothing
// to do.
func (f *ReconciliationFlowImpl) Reconcile(ctx context.Context, cb *dto.IPNCallback, metadata *ClientMetadata) error {
	paymentID := cb.PaymentID.String()
	status := strings.ToLower(strings.TrimSpace(cb.PaymentStatus))

	if cb.IsChild() {
		// Child notification of a split payment; only parent-level
		// settlement drives the ledger.
		log.Printf("reconcile: ignoring child payment %s (parent %s)", paymentID, cb.ParentPaymentID.String())
		reconcileOutcomes.WithLabelValues("child_ignored").Inc()
		return nil
	}

	if !isSuccessStatus(status) && !isFailureStatus(status) {
		// waiting, confirming, sending: informational, the row stays open
		reconcileOutcomes.WithLabelValues("ignored_status").Inc()
		return nil
	}

	var out *outcome
	err := f.tx.WithTx(ctx, func(txCtx context.Context) error {
		deposit, err := f.depositRepo.ByPaymentID(txCtx, paymentID)
		if err != nil {
			return fmt.Errorf("failed to load pending deposit: %w", err)
		}
		if deposit == nil {
			// Unknown or already settled payment. Retries land here.
			log.Printf("reconcile: no open deposit for payment %s (status %s)", paymentID, status)
			reconcileOutcomes.WithLabelValues("no_open_deposit").Inc()
			return nil
		}

		customer, err := f.customerRepo.ByID(txCtx, deposit.CustomerID)
		if err != nil {
			return fmt.Errorf("failed to load customer: %w", err)
		}
		if customer == nil {
			return ErrCustomerNotFound
		}

		if isFailureStatus(status) {
			out, err = f.settleFailure(txCtx, deposit, customer, status, metadata)
			return err
		}
		out, err = f.settleSuccess(txCtx, deposit, customer, cb, metadata)
		return err
	})
	if err != nil {
		f.reportFinalizationFailure(ctx, paymentID, metadata, err)
		return err
	}

	if out != nil && f.cache != nil {
		for _, id := range out.products {
			if err := f.cache.Invalidate(ctx, id); err != nil {
				log.Printf("reconcile: failed to invalidate product cache for %d: %v", id, err)
			}
		}
	}
	f.deliver(ctx, out)
	return nil
}

// settleFailure releases any held stock and closes the ledger entry
func (f *ReconciliationFlowImpl) settleFailure(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, status string, metadata *ClientMetadata) (*outcome, error) {
	if err := f.releaseHeld(ctx, deposit); err != nil {
		return nil, err
	}
	if err := f.auditRepo.Save(ctx, auditEntry(models.AuditActionPaymentFailed, &customer.ID, deposit.PaymentID, metadata, map[string]any{
		"payment_status": status,
		"is_purchase":    deposit.IsPurchase,
	})); err != nil {
		log.Printf("reconcile: failed to write audit row for payment %s: %v", deposit.PaymentID, err)
	}
	reason := models.DepositRemovedFailure
	if status == dto.PaymentStatusExpired {
		reason = models.DepositRemovedExpiry
	}
	reconcileOutcomes.WithLabelValues(string(reason)).Inc()
	if err := f.depositRepo.Delete(ctx, deposit.PaymentID, reason); err != nil {
		return nil, err
	}
	return &outcome{kind: "failed", chatID: customer.ChatID, paymentID: deposit.PaymentID, isPurchase: deposit.IsPurchase}, nil
}

func (f *ReconciliationFlowImpl) settleSuccess(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, cb *dto.IPNCallback, metadata *ClientMetadata) (*outcome, error) {
	// The currency the processor settled in must be the one the invoice
	// quoted; the locked rate is meaningless across currencies.
	if !strings.EqualFold(strings.TrimSpace(cb.PayCurrency), deposit.PayCurrency) {
		return f.closeForReview(ctx, deposit, customer, models.DepositRemovedCurrencyMismatch, metadata,
			fmt.Sprintf("payment %s settled in %s but deposit expected %s", deposit.PaymentID, cb.PayCurrency, deposit.PayCurrency))
	}

	if !deposit.ExpectedCryptoAmount.IsPositive() {
		return f.closeForReview(ctx, deposit, customer, models.DepositRemovedZeroExpectedCrypto, metadata,
			fmt.Sprintf("payment %s has a zero expected crypto amount", deposit.PaymentID))
	}

	paid, err := decimal.NewFromString(cb.ActuallyPaid.String())
	if err != nil {
		return nil, ErrUnpriceablePayment
	}
	if !paid.IsPositive() {
		if strings.EqualFold(strings.TrimSpace(cb.PaymentStatus), dto.PaymentStatusConfirmed) {
			// Confirmed with nothing paid yet: the amount may still land,
			// leave the row open.
			reconcileOutcomes.WithLabelValues("ignored_status").Inc()
			return nil, nil
		}
		if err := f.releaseHeld(ctx, deposit); err != nil {
			return nil, err
		}
		reconcileOutcomes.WithLabelValues(string(models.DepositRemovedZeroPaid)).Inc()
		if err := f.depositRepo.Delete(ctx, deposit.PaymentID, models.DepositRemovedZeroPaid); err != nil {
			return nil, err
		}
		return &outcome{kind: "failed", chatID: customer.ChatID, paymentID: deposit.PaymentID, isPurchase: deposit.IsPurchase}, nil
	}

	// Settled fiat value at the rate locked when the invoice was created:
	// target * paid / expected, floored to the fiat minor unit. Spot rates
	// at settlement time never enter the computation.
	settled := deposit.TargetFiatAmount.Mul(paid).Div(deposit.ExpectedCryptoAmount).RoundFloor(utils.FiatMinorUnitDigits)

	if deposit.IsPurchase {
		if paid.GreaterThanOrEqual(deposit.ExpectedCryptoAmount) {
			return f.finalizePurchase(ctx, deposit, customer, settled, metadata)
		}
		return f.settleUnderpaidPurchase(ctx, deposit, customer, settled, metadata)
	}
	return f.settleRefill(ctx, deposit, customer, settled, metadata)
}

// finalizePurchase converts the frozen snapshot into purchase records,
// retires the sold units and credits any overpayment to the wallet.
func (f *ReconciliationFlowImpl) finalizePurchase(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, settled decimal.Decimal, metadata *ClientMetadata) (*outcome, error) {
	snapshot, err := deposit.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to decode basket snapshot: %w", err)
	}

	purchases := make([]*models.Purchase, 0, len(snapshot))
	for _, item := range snapshot {
		if err := f.productRepo.Consume(ctx, item.ProductID, item.Quantity); err != nil {
			// Stock no longer backs the reservation. Keep the row open so
			// an operator can settle it by hand; the processor retry will
			// hit the same wall until then. The transaction is about to
			// roll back, so the operator trail is written after it.
			reconcileOutcomes.WithLabelValues("finalization_failed").Inc()
			return nil, &finalizationError{
				customerID: customer.ID,
				productID:  item.ProductID,
				quantity:   item.Quantity,
				cause:      err,
			}
		}
		purchases = append(purchases, &models.Purchase{
			CustomerID:  customer.ID,
			ProductID:   item.ProductID,
			City:        item.City,
			District:    item.District,
			ProductType: item.ProductType,
			Size:        item.Size,
			Quantity:    item.Quantity,
			PricePaid:   item.Price,
			Currency:    utils.EuroCurrency,
			PaymentID:   deposit.PaymentID,
		})
	}
	if err := f.purchaseRepo.SaveBatch(ctx, purchases); err != nil {
		return nil, fmt.Errorf("failed to save purchases: %w", err)
	}

	overpaid := settled.Sub(deposit.TargetFiatAmount)
	if overpaid.IsPositive() {
		if err := f.credit(ctx, deposit, customer, overpaid, models.TransactionTypeOverpaymentCredit, "overpayment credited at locked rate"); err != nil {
			return nil, err
		}
	}

	if deposit.DiscountCodeUsed != nil {
		if err := f.discountRepo.IncrementUse(ctx, *deposit.DiscountCodeUsed); err != nil {
			return nil, fmt.Errorf("failed to count discount use: %w", err)
		}
	}

	if deposit.BasketID != nil {
		if err := f.basketRepo.Clear(ctx, *deposit.BasketID); err != nil {
			return nil, fmt.Errorf("failed to clear basket: %w", err)
		}
	}

	if err := f.auditRepo.Save(ctx, auditEntry(models.AuditActionPurchaseFinalized, &customer.ID, deposit.PaymentID, metadata, map[string]any{
		"total":    deposit.TargetFiatAmount.StringFixed(2),
		"overpaid": overpaid.StringFixed(2),
		"lines":    len(purchases),
	})); err != nil {
		log.Printf("reconcile: failed to write audit row for payment %s: %v", deposit.PaymentID, err)
	}

	reconcileOutcomes.WithLabelValues(string(models.DepositRemovedPurchaseSuccess)).Inc()
	if err := f.depositRepo.Delete(ctx, deposit.PaymentID, models.DepositRemovedPurchaseSuccess); err != nil {
		return nil, err
	}
	products := make([]uint, 0, len(snapshot))
	for _, item := range snapshot {
		products = append(products, item.ProductID)
	}
	return &outcome{kind: "purchase_finalized", chatID: customer.ChatID, paymentID: deposit.PaymentID, amount: deposit.TargetFiatAmount, products: products}, nil
}

// settleUnderpaidPurchase abandons the purchase: the held units go back to
// the pool and the settled value is credited to the wallet so the customer
// is not out their funds.
func (f *ReconciliationFlowImpl) settleUnderpaidPurchase(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, settled decimal.Decimal, metadata *ClientMetadata) (*outcome, error) {
	if err := f.releaseHeld(ctx, deposit); err != nil {
		return nil, err
	}

	if !settled.IsPositive() {
		reconcileOutcomes.WithLabelValues(string(models.DepositRemovedZeroCredit)).Inc()
		if err := f.depositRepo.Delete(ctx, deposit.PaymentID, models.DepositRemovedZeroCredit); err != nil {
			return nil, err
		}
		return &outcome{kind: "failed", chatID: customer.ChatID, paymentID: deposit.PaymentID, isPurchase: deposit.IsPurchase}, nil
	}

	if err := f.credit(ctx, deposit, customer, settled, models.TransactionTypeUnderpaymentCredit, "partial payment credited at locked rate"); err != nil {
		return nil, err
	}

	if err := f.auditRepo.Save(ctx, auditEntry(models.AuditActionPurchaseUnderpaid, &customer.ID, deposit.PaymentID, metadata, map[string]any{
		"needed":   deposit.TargetFiatAmount.StringFixed(2),
		"credited": settled.StringFixed(2),
	})); err != nil {
		log.Printf("reconcile: failed to write audit row for payment %s: %v", deposit.PaymentID, err)
	}

	reconcileOutcomes.WithLabelValues(string(models.DepositRemovedUnderpaid)).Inc()
	if err := f.depositRepo.Delete(ctx, deposit.PaymentID, models.DepositRemovedUnderpaid); err != nil {
		return nil, err
	}
	return &outcome{kind: "purchase_underpaid", chatID: customer.ChatID, paymentID: deposit.PaymentID, amount: settled, needed: deposit.TargetFiatAmount}, nil
}

func (f *ReconciliationFlowImpl) settleRefill(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, settled decimal.Decimal, metadata *ClientMetadata) (*outcome, error) {
	if !settled.IsPositive() {
		reconcileOutcomes.WithLabelValues(string(models.DepositRemovedZeroCredit)).Inc()
		if err := f.depositRepo.Delete(ctx, deposit.PaymentID, models.DepositRemovedZeroCredit); err != nil {
			return nil, err
		}
		return &outcome{kind: "failed", chatID: customer.ChatID, paymentID: deposit.PaymentID, isPurchase: deposit.IsPurchase}, nil
	}

	if err := f.credit(ctx, deposit, customer, settled, models.TransactionTypeRefill, "wallet refill credited at locked rate"); err != nil {
		return nil, err
	}

	if err := f.auditRepo.Save(ctx, auditEntry(models.AuditActionRefillCredited, &customer.ID, deposit.PaymentID, metadata, map[string]any{
		"amount": settled.StringFixed(2),
	})); err != nil {
		log.Printf("reconcile: failed to write audit row for payment %s: %v", deposit.PaymentID, err)
	}

	reconcileOutcomes.WithLabelValues(string(models.DepositRemovedRefillSuccess)).Inc()
	if err := f.depositRepo.Delete(ctx, deposit.PaymentID, models.DepositRemovedRefillSuccess); err != nil {
		return nil, err
	}
	return &outcome{kind: "refill_credited", chatID: customer.ChatID, paymentID: deposit.PaymentID, amount: settled}, nil
}

// closeForReview releases held stock, closes the ledger entry under the
// given reason and queues an operator alert
func (f *ReconciliationFlowImpl) closeForReview(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, reason models.DepositRemovalReason, metadata *ClientMetadata, alert string) (*outcome, error) {
	if err := f.releaseHeld(ctx, deposit); err != nil {
		return nil, err
	}
	if err := f.auditRepo.Save(ctx, auditEntry(models.AuditActionManualReviewRequired, &customer.ID, deposit.PaymentID, metadata, map[string]any{
		"reason": string(reason),
	})); err != nil {
		log.Printf("reconcile: failed to write audit row for payment %s: %v", deposit.PaymentID, err)
	}
	reconcileOutcomes.WithLabelValues(string(reason)).Inc()
	if err := f.depositRepo.Delete(ctx, deposit.PaymentID, reason); err != nil {
		return nil, err
	}
	return &outcome{kind: "failed", chatID: customer.ChatID, paymentID: deposit.PaymentID, alert: alert, isPurchase: deposit.IsPurchase}, nil
}

// releaseHeld returns the units held by a purchase deposit to the pool and
// drops the basket the holds belonged to. Clearing the basket here keeps
// Reserve/Release pairing exact: the sweeper never sees a basket whose holds
// reconciliation already released.
func (f *ReconciliationFlowImpl) releaseHeld(ctx context.Context, deposit *models.PendingDeposit) error {
	if !deposit.IsPurchase {
		return nil
	}
	snapshot, err := deposit.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to decode basket snapshot: %w", err)
	}
	for _, item := range snapshot {
		if err := f.productRepo.Release(ctx, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("failed to release stock for product %d: %w", item.ProductID, err)
		}
	}
	if deposit.BasketID != nil {
		if err := f.basketRepo.Clear(ctx, *deposit.BasketID); err != nil {
			return fmt.Errorf("failed to clear basket: %w", err)
		}
	}
	return nil
}

func (f *ReconciliationFlowImpl) credit(ctx context.Context, deposit *models.PendingDeposit, customer *models.Customer, amount decimal.Decimal, txType models.TransactionType, description string) error {
	before, after, err := f.walletRepo.Credit(ctx, deposit.WalletID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit wallet: %w", err)
	}
	return f.transactionRepo.Save(ctx, &models.Transaction{
		Type:              txType,
		Amount:            amount,
		Currency:          utils.EuroCurrency,
		WalletID:          deposit.WalletID,
		CustomerID:        customer.ID,
		BalanceBefore:     before,
		BalanceAfter:      after,
		ExternalReference: deposit.PaymentID,
		Description:       description,
	})
}

// deliver sends the post-commit notifications. Delivery failures are logged
// and dropped; the ledger has already settled.
func (f *ReconciliationFlowImpl) deliver(ctx context.Context, out *outcome) {
	if out == nil {
		return
	}
	var err error
	switch out.kind {
	case "purchase_finalized":
		err = f.notifier.PurchaseFinalized(ctx, out.chatID, out.paymentID, out.amount)
	case "purchase_underpaid":
		err = f.notifier.PurchaseUnderpaid(ctx, out.chatID, out.paymentID, out.needed, out.amount)
	case "refill_credited":
		err = f.notifier.RefillCredited(ctx, out.chatID, out.paymentID, out.amount)
	case "failed":
		err = f.notifier.PaymentFailed(ctx, out.chatID, out.paymentID, out.isPurchase)
	}
	if err != nil {
		log.Printf("reconcile: failed to notify %s for payment %s: %v", out.kind, out.paymentID, err)
	}
	if out.alert != "" {
		if err := f.notifier.AlertOperator(ctx, out.alert); err != nil {
			log.Printf("reconcile: failed to alert operator for payment %s: %v", out.paymentID, err)
		}
	}
}

// reportFinalizationFailure writes the operator trail for a paid deposit
// whose stock could not be consumed. It runs on the outer context after the
// settling transaction has rolled back, so the audit row survives.
func (f *ReconciliationFlowImpl) reportFinalizationFailure(ctx context.Context, paymentID string, metadata *ClientMetadata, err error) {
	var fe *finalizationError
	if !errors.As(err, &fe) {
		return
	}
	if aerr := f.auditRepo.Save(ctx, auditEntry(models.AuditActionManualReviewRequired, &fe.customerID, paymentID, metadata, map[string]any{
		"product_id": fe.productID,
		"quantity":   fe.quantity,
		"cause":      fe.cause.Error(),
	})); aerr != nil {
		log.Printf("reconcile: failed to write audit row for payment %s: %v", paymentID, aerr)
	}
	alert := fmt.Sprintf("payment %s is paid but product %d (qty %d) no longer backs the hold: %v; deposit retained for manual settlement", paymentID, fe.productID, fe.quantity, fe.cause)
	if aerr := f.notifier.AlertOperator(ctx, alert); aerr != nil {
		log.Printf("reconcile: failed to alert operator for payment %s: %v", paymentID, aerr)
	}
}
