// Package ledger owns user credit balances and their append-only transaction
// log. Every mutation is one conditional statement inside one store
// transaction together with its log row, so balances always reconcile.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/models"
	"serotonyl.ru/qvote/internal/notify"
	"serotonyl.ru/qvote/internal/store"
)

// Options are the ledger's economic parameters.
type Options struct {
	StartingBalance int64         // Grant given on first access
	ReplenishGrant  int64         // Credits added per replenishment period
	ReplenishPeriod time.Duration // Minimum time between replenishments
	SweepBatch      int           // Users per batch in ReplenishDue
}

// DefaultOptions: 100 credits to start, 100 more every week.
func DefaultOptions() Options {
	return Options{
		StartingBalance: 100,
		ReplenishGrant:  100,
		ReplenishPeriod: 7 * 24 * time.Hour,
		SweepBatch:      500,
	}
}

// Service is the credit ledger. It keeps no state of its own.
type Service struct {
	store   store.Store
	bus     notify.Publisher
	opts    Options
	now     func() time.Time
	metrics *metrics
}

// NewService creates the ledger. bus and reg may be nil.
func NewService(st store.Store, bus notify.Publisher, opts Options, reg prometheus.Registerer) *Service {
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = DefaultOptions().SweepBatch
	}
	return &Service{
		store:   st,
		bus:     bus,
		opts:    opts,
		now:     common.Now,
		metrics: newMetrics(reg),
	}
}

// SetClock replaces the time source. Used by tests and by the replenish
// command to pin "now" for a whole sweep.
func (s *Service) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC().Truncate(time.Microsecond) }
}

// Options returns the economic parameters in use.
func (s *Service) Options() Options {
	return s.opts
}

// GetOrInitialize returns the user's row, creating it with the starting
// grant on first access. Concurrent first accesses create exactly one row and
// one grant: the insert is ON CONFLICT DO NOTHING and only the winner logs.
func (s *Service) GetOrInitialize(ctx context.Context, userID string) (*models.UserCredit, error) {
	if userID == "" {
		return nil, common.ErrInvalidUser
	}
	c, err := s.store.GetCredit(ctx, userID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, common.StorageError("get credit", err)
	}

	var created bool
	err = s.store.InTx(ctx, func(q store.Queries) error {
		now := s.now()
		row := &models.UserCredit{
			UserID:            userID,
			Balance:           s.opts.StartingBalance,
			TotalEarned:       s.opts.StartingBalance,
			LastReplenishedAt: now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		var err error
		created, err = q.CreateCredit(ctx, row)
		if err != nil {
			return err
		}
		if created && s.opts.StartingBalance > 0 {
			if err := q.InsertTransaction(ctx, &models.CreditTransaction{
				UserID:      userID,
				Amount:      s.opts.StartingBalance,
				Kind:        models.KindMeritAward,
				Description: "Starting grant",
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}
		c, err = q.GetCredit(ctx, userID)
		return err
	})
	if err != nil {
		return nil, common.StorageError("initialize credit", err)
	}
	if created {
		s.metrics.initialized.Inc()
		s.metrics.earned.WithLabelValues(string(models.KindMeritAward)).Add(float64(s.opts.StartingBalance))
		log.WithFields(log.Fields{
			"user_id": userID,
			"balance": c.Balance,
		}).Info("Credit account created")
		s.PublishBalance(c)
	}
	return c, nil
}

// MaybeReplenish grants the periodic allowance if a full period has passed
// since the last one. Returns the current row and whether a grant happened.
// Not being due is not an error. The due check is part of the UPDATE, so two
// calls in one period grant once.
func (s *Service) MaybeReplenish(ctx context.Context, userID string) (*models.UserCredit, bool, error) {
	if userID == "" {
		return nil, false, common.ErrInvalidUser
	}
	var c *models.UserCredit
	var granted bool
	err := s.store.InTx(ctx, func(q store.Queries) error {
		now := s.now()
		var err error
		c, err = q.ReplenishCredits(ctx, userID, s.opts.ReplenishGrant, now.Add(-s.opts.ReplenishPeriod), now)
		if errors.Is(err, store.ErrNoMatch) {
			c, err = q.GetCredit(ctx, userID)
			return err
		}
		if err != nil {
			return err
		}
		granted = true
		return q.InsertTransaction(ctx, &models.CreditTransaction{
			UserID:      userID,
			Amount:      s.opts.ReplenishGrant,
			Kind:        models.KindPeriodicReplenish,
			Description: "Periodic replenishment",
			CreatedAt:   now,
		})
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("user %s: %w", userID, common.ErrNotFound)
	}
	if err != nil {
		return nil, false, common.StorageError("replenish credit", err)
	}
	if granted {
		s.metrics.replenished.Inc()
		s.metrics.earned.WithLabelValues(string(models.KindPeriodicReplenish)).Add(float64(s.opts.ReplenishGrant))
		log.WithFields(log.Fields{
			"user_id": userID,
			"grant":   s.opts.ReplenishGrant,
			"balance": c.Balance,
		}).Info("Credits replenished")
		s.PublishBalance(c)
	}
	return c, granted, nil
}

// AwardRequest describes a privileged credit grant.
type AwardRequest struct {
	UserID      string
	Amount      int64
	Kind        models.TransactionKind // merit_award (default) or admin_grant
	Description string
	ReferenceID *string
}

// Award adds credits to a user, creating the account if needed.
func (s *Service) Award(ctx context.Context, req AwardRequest) (*models.UserCredit, error) {
	if req.Kind == "" {
		req.Kind = models.KindMeritAward
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", common.ErrInvalidKind, req.Kind)
	}
	if req.Kind != models.KindMeritAward && req.Kind != models.KindAdminGrant {
		return nil, fmt.Errorf("%w: %s is not an award", common.ErrInvalidKind, req.Kind)
	}
	if req.Amount <= 0 {
		return nil, common.ErrInvalidAmount
	}
	if _, err := s.GetOrInitialize(ctx, req.UserID); err != nil {
		return nil, err
	}

	var c *models.UserCredit
	err := s.store.InTx(ctx, func(q store.Queries) error {
		now := s.now()
		var err error
		c, err = q.AddCredits(ctx, req.UserID, req.Amount, now)
		if err != nil {
			return err
		}
		return q.InsertTransaction(ctx, &models.CreditTransaction{
			UserID:      req.UserID,
			Amount:      req.Amount,
			Kind:        req.Kind,
			Description: req.Description,
			ReferenceID: req.ReferenceID,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, common.StorageError("award credit", err)
	}
	s.metrics.earned.WithLabelValues(string(req.Kind)).Add(float64(req.Amount))
	log.WithFields(log.Fields{
		"user_id": req.UserID,
		"amount":  req.Amount,
		"kind":    req.Kind,
	}).Info("Credits awarded")
	s.PublishBalance(c)
	return c, nil
}

// TrySpend debits amount if the balance covers it. Otherwise it returns
// *common.InsufficientCreditError and nothing changes.
func (s *Service) TrySpend(ctx context.Context, userID string, amount int64, description string, referenceID *string) (*models.UserCredit, error) {
	if amount <= 0 {
		return nil, common.ErrInvalidAmount
	}
	if _, err := s.GetOrInitialize(ctx, userID); err != nil {
		return nil, err
	}
	var c *models.UserCredit
	err := s.store.InTx(ctx, func(q store.Queries) error {
		var err error
		c, err = s.SpendInTx(ctx, q, userID, amount, description, referenceID)
		return err
	})
	if err != nil {
		return nil, s.spendError(err)
	}
	s.PublishBalance(c)
	return c, nil
}

// SpendInTx is TrySpend bound to a transaction owned by the caller, so the
// debit commits or rolls back together with the caller's own writes. It does
// not publish; call PublishBalance after the commit.
func (s *Service) SpendInTx(
	ctx context.Context,
	q store.Queries,
	userID string,
	amount int64,
	description string,
	referenceID *string,
) (*models.UserCredit, error) {
	if amount <= 0 {
		return nil, common.ErrInvalidAmount
	}
	now := s.now()
	c, err := q.SpendCredits(ctx, userID, amount, now)
	if errors.Is(err, store.ErrNoMatch) {
		var have int64
		cur, err := q.GetCredit(ctx, userID)
		switch {
		case err == nil:
			have = cur.Balance
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
		s.metrics.rejected.Inc()
		return nil, &common.InsufficientCreditError{Have: have, Need: amount}
	}
	if err != nil {
		return nil, err
	}
	if err := q.InsertTransaction(ctx, &models.CreditTransaction{
		UserID:      userID,
		Amount:      -amount,
		Kind:        models.KindVoteSpend,
		Description: description,
		ReferenceID: referenceID,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}
	s.metrics.spent.Add(float64(amount))
	return c, nil
}

// spendError keeps business errors as they are and wraps everything else.
func (s *Service) spendError(err error) error {
	if errors.Is(err, common.ErrInsufficientCredit) || errors.Is(err, common.ErrInvalidAmount) {
		return err
	}
	return common.StorageError("spend credit", err)
}

// GetBalance returns the user's current row after lazy initialization and
// any replenishment that has come due.
func (s *Service) GetBalance(ctx context.Context, userID string) (*models.UserCredit, error) {
	if _, err := s.GetOrInitialize(ctx, userID); err != nil {
		return nil, err
	}
	c, _, err := s.MaybeReplenish(ctx, userID)
	return c, err
}

// History returns the newest transactions first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*models.CreditTransaction, error) {
	if userID == "" {
		return nil, common.ErrInvalidUser
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	txs, err := s.store.ListTransactions(ctx, userID, limit)
	if err != nil {
		return nil, common.StorageError("list transactions", err)
	}
	return txs, nil
}

// AuditReport is the result of reconciling one account.
type AuditReport struct {
	UserID         string `json:"userId"`
	Balance        int64  `json:"balance"`
	TotalEarned    int64  `json:"totalEarned"`
	TotalSpent     int64  `json:"totalSpent"`
	TransactionSum int64  `json:"transactionSum"`
	Consistent     bool   `json:"consistent"`
}

// Audit checks balance = earned - spent and that the log sums to the
// balance. Both reads run in one transaction so they see the same state.
// A mismatch is returned as common.ErrLedgerMismatch alongside the report.
func (s *Service) Audit(ctx context.Context, userID string) (*AuditReport, error) {
	if userID == "" {
		return nil, common.ErrInvalidUser
	}
	var report AuditReport
	err := s.store.InTx(ctx, func(q store.Queries) error {
		c, err := q.GetCredit(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := q.SumTransactions(ctx, userID)
		if err != nil {
			return err
		}
		report = AuditReport{
			UserID:         userID,
			Balance:        c.Balance,
			TotalEarned:    c.TotalEarned,
			TotalSpent:     c.TotalSpent,
			TransactionSum: sum,
			Consistent:     c.Consistent() && sum == c.Balance,
		}
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, common.ErrNotFound)
	}
	if err != nil {
		return nil, common.StorageError("audit credit", err)
	}
	if !report.Consistent {
		log.WithFields(log.Fields{
			"user_id": userID,
			"balance": report.Balance,
			"sum":     report.TransactionSum,
		}).Error("Ledger does not reconcile")
		return &report, common.ErrLedgerMismatch
	}
	return &report, nil
}

// ReplenishDue replenishes every user whose period has elapsed, in batches.
// Returns how many users were granted.
func (s *Service) ReplenishDue(ctx context.Context) (int, error) {
	granted := 0
	for {
		if err := ctx.Err(); err != nil {
			return granted, err
		}
		due := s.now().Add(-s.opts.ReplenishPeriod)
		ids, err := s.store.ListCreditsDue(ctx, due, s.opts.SweepBatch)
		if err != nil {
			return granted, common.StorageError("list due users", err)
		}
		if len(ids) == 0 {
			return granted, nil
		}
		batchGranted := 0
		for _, id := range ids {
			_, ok, err := s.MaybeReplenish(ctx, id)
			if err != nil {
				return granted, err
			}
			if ok {
				batchGranted++
			}
		}
		granted += batchGranted
		// Every listed user was due; none granted means another sweep got
		// there first and the list would repeat.
		if batchGranted == 0 || len(ids) < s.opts.SweepBatch {
			return granted, nil
		}
	}
}

// PublishBalance queues a balance:{userId} notification. It never waits
// on subscribers.
func (s *Service) PublishBalance(c *models.UserCredit) {
	if s.bus == nil || c == nil {
		return
	}
	topic := notify.BalanceTopic(c.UserID)
	s.bus.PublishAsync(topic, notify.NewEvent(topic, notify.BalanceChanged{
		UserID:  c.UserID,
		Balance: c.Balance,
	}))
}
