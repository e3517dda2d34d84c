// Package scheduler
package scheduler

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/oryxmarket/oryx/models"
	"github.com/oryxmarket/oryx/repository"
	"github.com/oryxmarket/oryx/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/natefinch/lumberjack.v2"
)

var sweptBaskets = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "oryx_swept_baskets_total",
	Help: "Expired baskets cleared by the sweeper, by result",
}, []string{"result"})

// BasketSweeper periodically clears inactive baskets and returns their
// reserved stock to the pool. Baskets referenced by an open pending deposit
// are never touched: the payment for them may still arrive, and only
// reconciliation may settle a basket that money is in flight for.
type BasketSweeper struct {
	basketRepo  repository.BasketRepository
	productRepo repository.ProductRepository
	depositRepo repository.PendingDepositRepository
	auditRepo   repository.AuditLogRepository
	tx          repository.Transactor
	logger      *log.Logger

	ttl       time.Duration
	interval  time.Duration
	batchSize int
}

func NewBasketSweeper(
	basketRepo repository.BasketRepository,
	productRepo repository.ProductRepository,
	depositRepo repository.PendingDepositRepository,
	auditRepo repository.AuditLogRepository,
	tx repository.Transactor,
	ttl time.Duration,
	interval time.Duration,
) *BasketSweeper {
	if ttl <= 0 {
		ttl = utils.DefaultBasketTTL
	}
	if interval <= 0 {
		interval = utils.DefaultSweepInterval
	}
	s := &BasketSweeper{
		basketRepo:  basketRepo,
		productRepo: productRepo,
		depositRepo: depositRepo,
		auditRepo:   auditRepo,
		tx:          tx,
		ttl:         ttl,
		interval:    interval,
		batchSize:   100,
	}
	s.initLogger()
	return s
}

// initLogger writes to stdout and a size-rotated file under data/
func (s *BasketSweeper) initLogger() {
	rotated := &lumberjack.Logger{
		Filename:   filepath.Join("data", "sweeper.log"),
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	mw := io.MultiWriter(os.Stdout, rotated)
	s.logger = log.New(mw, "sweeper ", log.LstdFlags|log.Lmicroseconds|log.LUTC)
}

// Start launches the sweep loop in a background goroutine and returns a stop function
func (s *BasketSweeper) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	return cancel
}

func (s *BasketSweeper) runOnce(ctx context.Context) {
	cutoff := utils.UTCNow().Add(-s.ttl)

	// Candidate listing already excludes deposit-gated baskets, but the
	// authoritative check runs inside each basket's own transaction: a
	// checkout may open a deposit between the listing and the sweep.
	baskets, err := s.basketRepo.ExpiredBefore(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Printf("sweeper: list expired baskets failed: %v", err)
		return
	}
	if len(baskets) == 0 {
		return
	}
	s.logger.Printf("sweeper: %d baskets expired before %s", len(baskets), cutoff.Format(time.RFC3339))

	for _, basket := range baskets {
		if err := s.sweepOne(ctx, basket.ID, basket.CustomerID); err != nil {
			s.logger.Printf("sweeper: sweep basket id=%d failed: %v", basket.ID, err)
			sweptBaskets.WithLabelValues("error").Inc()
			continue
		}
		sweptBaskets.WithLabelValues("cleared").Inc()
	}
}

func (s *BasketSweeper) sweepOne(ctx context.Context, basketID uint, customerID uint) error {
	return s.tx.WithTx(ctx, func(txCtx context.Context) error {
		basket, err := s.basketRepo.ByID(txCtx, basketID)
		if err != nil {
			return err
		}
		if basket == nil || basket.LastModified.After(utils.UTCNow().Add(-s.ttl)) {
			// Gone or touched again since listing
			return nil
		}

		open, err := s.depositRepo.OpenExistsForBasket(txCtx, basketID)
		if err != nil {
			return err
		}
		if open {
			// A checkout opened a deposit after the listing; the payment
			// may still arrive, leave the basket alone.
			return nil
		}

		items, err := s.basketRepo.Items(txCtx, basketID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := s.productRepo.Release(txCtx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
		if err := s.basketRepo.Clear(txCtx, basketID); err != nil {
			return err
		}

		entry := &models.AuditLog{
			Action:     models.AuditActionBasketExpired,
			CustomerID: &customerID,
			Success:    utils.ToPtr(true),
		}
		if err := s.auditRepo.Save(txCtx, entry); err != nil {
			s.logger.Printf("sweeper: audit write failed for basket id=%d: %v", basketID, err)
		}
		return nil
	})
}
