package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/oryxmarket/oryx/app/services"
	"github.com/oryxmarket/oryx/models"
	"github.com/oryxmarket/oryx/repository"
	"github.com/shopspring/decimal"
)

// passthroughTx runs the callback on the caller's context without a real
// database transaction
type passthroughTx struct{}

func (passthroughTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// rollbackAuditTx models the one rollback effect the settlement paths care
// about: audit rows written inside a failed transaction are discarded
type rollbackAuditTx struct {
	audit *fakeAuditRepo
}

func (t rollbackAuditTx) WithTx(ctx context.Context, fn func(context.Context) error) error {
	mark := len(t.audit.entries)
	err := fn(ctx)
	if err != nil {
		t.audit.entries = t.audit.entries[:mark]
	}
	return err
}

type fakeProductRepo struct {
	products   map[uint]*models.Product
	consumed   map[uint]int
	released   map[uint]int
	consumeErr error
}

func newFakeProductRepo(products ...*models.Product) *fakeProductRepo {
	r := &fakeProductRepo{
		products: make(map[uint]*models.Product),
		consumed: make(map[uint]int),
		released: make(map[uint]int),
	}
	for _, p := range products {
		r.products[p.ID] = p
	}
	return r
}

func (r *fakeProductRepo) ByID(ctx context.Context, id uint) (*models.Product, error) {
	return r.products[id], nil
}

func (r *fakeProductRepo) ByIDs(ctx context.Context, ids []uint) ([]*models.Product, error) {
	var out []*models.Product
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *fakeProductRepo) ByFilter(ctx context.Context, filter models.ProductFilter, orderBy string, limit, offset int) ([]*models.Product, error) {
	return nil, nil
}

func (r *fakeProductRepo) Save(ctx context.Context, product *models.Product) error {
	r.products[product.ID] = product
	return nil
}

func (r *fakeProductRepo) Reserve(ctx context.Context, productID uint, qty int) error {
	p, ok := r.products[productID]
	if !ok {
		return fmt.Errorf("product %d not found", productID)
	}
	if p.Available-p.Reserved < qty {
		return repository.ErrInsufficientStock
	}
	p.Reserved += qty
	return nil
}

func (r *fakeProductRepo) Release(ctx context.Context, productID uint, qty int) error {
	p, ok := r.products[productID]
	if !ok {
		return fmt.Errorf("product %d not found", productID)
	}
	p.Reserved -= qty
	if p.Reserved < 0 {
		p.Reserved = 0
	}
	r.released[productID] += qty
	return nil
}

func (r *fakeProductRepo) Consume(ctx context.Context, productID uint, qty int) error {
	if r.consumeErr != nil {
		return r.consumeErr
	}
	p, ok := r.products[productID]
	if !ok {
		return fmt.Errorf("product %d not found", productID)
	}
	if p.Available < qty || p.Reserved < qty {
		return repository.ErrInsufficientStock
	}
	p.Available -= qty
	p.Reserved -= qty
	r.consumed[productID] += qty
	return nil
}

type fakeBasketRepo struct {
	baskets map[uint]*models.Basket
	items   map[uint][]*models.BasketItem
	cleared []uint
	touched []uint
	nextID  uint

	// products backs the Product preload the real repository performs
	products *fakeProductRepo
}

func newFakeBasketRepo() *fakeBasketRepo {
	return &fakeBasketRepo{
		baskets: make(map[uint]*models.Basket),
		items:   make(map[uint][]*models.BasketItem),
		nextID:  1,
	}
}

func (r *fakeBasketRepo) ByID(ctx context.Context, id uint) (*models.Basket, error) {
	return r.baskets[id], nil
}

func (r *fakeBasketRepo) OpenByCustomerID(ctx context.Context, customerID uint) (*models.Basket, error) {
	for _, b := range r.baskets {
		if b.CustomerID == customerID {
			return b, nil
		}
	}
	return nil, nil
}

func (r *fakeBasketRepo) CreateForCustomer(ctx context.Context, customerID uint) (*models.Basket, error) {
	b := &models.Basket{ID: r.nextID, CustomerID: customerID, LastModified: time.Now().UTC()}
	r.nextID++
	r.baskets[b.ID] = b
	return b, nil
}

func (r *fakeBasketRepo) AddItem(ctx context.Context, item *models.BasketItem) error {
	item.ID = uint(len(r.items[item.BasketID]) + 1)
	r.items[item.BasketID] = append(r.items[item.BasketID], item)
	return nil
}

func (r *fakeBasketRepo) RemoveItem(ctx context.Context, basketID, itemID uint) (*models.BasketItem, error) {
	items := r.items[basketID]
	for i, it := range items {
		if it.ID == itemID {
			r.items[basketID] = append(items[:i], items[i+1:]...)
			return it, nil
		}
	}
	return nil, nil
}

func (r *fakeBasketRepo) Items(ctx context.Context, basketID uint) ([]*models.BasketItem, error) {
	items := r.items[basketID]
	if r.products != nil {
		for _, it := range items {
			if p, ok := r.products.products[it.ProductID]; ok {
				it.Product = *p
			}
		}
	}
	return items, nil
}

func (r *fakeBasketRepo) Touch(ctx context.Context, basketID uint, at time.Time) error {
	if b, ok := r.baskets[basketID]; ok {
		b.LastModified = at
	}
	r.touched = append(r.touched, basketID)
	return nil
}

func (r *fakeBasketRepo) Clear(ctx context.Context, basketID uint) error {
	delete(r.baskets, basketID)
	delete(r.items, basketID)
	r.cleared = append(r.cleared, basketID)
	return nil
}

func (r *fakeBasketRepo) ExpiredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.Basket, error) {
	var out []*models.Basket
	for _, b := range r.baskets {
		if b.LastModified.Before(cutoff) {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeDepositRepo struct {
	deposits map[string]*models.PendingDeposit
	removed  map[string]models.DepositRemovalReason
}

func newFakeDepositRepo(deposits ...*models.PendingDeposit) *fakeDepositRepo {
	r := &fakeDepositRepo{
		deposits: make(map[string]*models.PendingDeposit),
		removed:  make(map[string]models.DepositRemovalReason),
	}
	for _, d := range deposits {
		r.deposits[d.PaymentID] = d
	}
	return r
}

func (r *fakeDepositRepo) Create(ctx context.Context, deposit *models.PendingDeposit) error {
	if _, ok := r.deposits[deposit.PaymentID]; ok {
		return repository.ErrDuplicatePaymentID
	}
	r.deposits[deposit.PaymentID] = deposit
	return nil
}

func (r *fakeDepositRepo) ByPaymentID(ctx context.Context, paymentID string) (*models.PendingDeposit, error) {
	return r.deposits[paymentID], nil
}

func (r *fakeDepositRepo) ByFilter(ctx context.Context, filter models.PendingDepositFilter, orderBy string, limit, offset int) ([]*models.PendingDeposit, error) {
	return nil, nil
}

func (r *fakeDepositRepo) Delete(ctx context.Context, paymentID string, reason models.DepositRemovalReason) error {
	if _, ok := r.deposits[paymentID]; !ok {
		return repository.ErrDepositNotFound
	}
	delete(r.deposits, paymentID)
	r.removed[paymentID] = reason
	return nil
}

func (r *fakeDepositRepo) OpenExistsForBasket(ctx context.Context, basketID uint) (bool, error) {
	for _, d := range r.deposits {
		if d.BasketID != nil && *d.BasketID == basketID {
			return true, nil
		}
	}
	return false, nil
}

type fakeWalletRepo struct {
	wallets map[uint]*models.Wallet
}

func newFakeWalletRepo(wallets ...*models.Wallet) *fakeWalletRepo {
	r := &fakeWalletRepo{wallets: make(map[uint]*models.Wallet)}
	for _, w := range wallets {
		r.wallets[w.ID] = w
	}
	return r
}

func (r *fakeWalletRepo) ByID(ctx context.Context, id uint) (*models.Wallet, error) {
	return r.wallets[id], nil
}

func (r *fakeWalletRepo) ByCustomerID(ctx context.Context, customerID uint) (*models.Wallet, error) {
	for _, w := range r.wallets {
		if w.CustomerID == customerID {
			return w, nil
		}
	}
	return nil, nil
}

func (r *fakeWalletRepo) Save(ctx context.Context, wallet *models.Wallet) error {
	r.wallets[wallet.ID] = wallet
	return nil
}

func (r *fakeWalletRepo) Credit(ctx context.Context, walletID uint, amount decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	w, ok := r.wallets[walletID]
	if !ok {
		return decimal.Zero, decimal.Zero, fmt.Errorf("wallet %d not found", walletID)
	}
	before := w.Balance
	w.Balance = w.Balance.Add(amount)
	return before, w.Balance, nil
}

type fakeCustomerRepo struct {
	customers map[uint]*models.Customer
}

func newFakeCustomerRepo(customers ...*models.Customer) *fakeCustomerRepo {
	r := &fakeCustomerRepo{customers: make(map[uint]*models.Customer)}
	for _, c := range customers {
		r.customers[c.ID] = c
	}
	return r
}

func (r *fakeCustomerRepo) ByID(ctx context.Context, id uint) (*models.Customer, error) {
	return r.customers[id], nil
}

func (r *fakeCustomerRepo) ByChatID(ctx context.Context, chatID int64) (*models.Customer, error) {
	for _, c := range r.customers {
		if c.ChatID == chatID {
			return c, nil
		}
	}
	return nil, nil
}

func (r *fakeCustomerRepo) Save(ctx context.Context, customer *models.Customer) error {
	r.customers[customer.ID] = customer
	return nil
}

type fakePurchaseRepo struct {
	saved []*models.Purchase
}

func (r *fakePurchaseRepo) Save(ctx context.Context, purchase *models.Purchase) error {
	r.saved = append(r.saved, purchase)
	return nil
}

func (r *fakePurchaseRepo) SaveBatch(ctx context.Context, purchases []*models.Purchase) error {
	r.saved = append(r.saved, purchases...)
	return nil
}

func (r *fakePurchaseRepo) ByFilter(ctx context.Context, filter models.PurchaseFilter, orderBy string, limit, offset int) ([]*models.Purchase, error) {
	return r.saved, nil
}

type fakeTransactionRepo struct {
	saved []*models.Transaction
}

func (r *fakeTransactionRepo) Save(ctx context.Context, tx *models.Transaction) error {
	r.saved = append(r.saved, tx)
	return nil
}

func (r *fakeTransactionRepo) ByFilter(ctx context.Context, filter models.TransactionFilter, orderBy string, limit, offset int) ([]*models.Transaction, error) {
	return r.saved, nil
}

type fakeDiscountRepo struct {
	codes map[string]*models.DiscountCode
	uses  map[string]int
}

func newFakeDiscountRepo(codes ...*models.DiscountCode) *fakeDiscountRepo {
	r := &fakeDiscountRepo{codes: make(map[string]*models.DiscountCode), uses: make(map[string]int)}
	for _, c := range codes {
		r.codes[c.Code] = c
	}
	return r
}

func (r *fakeDiscountRepo) ByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	return r.codes[code], nil
}

func (r *fakeDiscountRepo) IncrementUse(ctx context.Context, code string) error {
	r.uses[code]++
	return nil
}

type fakeAuditRepo struct {
	entries []*models.AuditLog
}

func (r *fakeAuditRepo) Save(ctx context.Context, log *models.AuditLog) error {
	r.entries = append(r.entries, log)
	return nil
}

func (r *fakeAuditRepo) ByFilter(ctx context.Context, filter models.AuditLogFilter, orderBy string, limit, offset int) ([]*models.AuditLog, error) {
	return r.entries, nil
}

func (r *fakeAuditRepo) actions() []string {
	out := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Action)
	}
	return out
}

type fakeProvider struct {
	result *services.CreatePaymentResult
	err    error
	inputs []services.CreatePaymentInput
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) CreatePayment(ctx context.Context, in services.CreatePaymentInput) (*services.CreatePaymentResult, error) {
	p.inputs = append(p.inputs, in)
	if p.err != nil {
		return nil, p.err
	}
	return p.result, nil
}

func (p *fakeProvider) GetEstimate(ctx context.Context, fiatAmount decimal.Decimal, fiatCurrency, payCurrency string) (*services.EstimateResult, error) {
	return &services.EstimateResult{EstimatedAmount: fiatAmount, PayCurrency: payCurrency}, nil
}
