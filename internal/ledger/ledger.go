// Package ledger is the only writer of user funds. Every settlement and adjustment runs in one database
// transaction that also writes the audit rows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhijun2003/QingyunAI/internal/locks"
	"github.com/zhijun2003/QingyunAI/internal/models"
	"github.com/zhijun2003/QingyunAI/internal/store"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrNegativeCost        = errors.New("cost must not be negative")
)

// InsufficientBalanceError reports the funds available when a charge could not be covered.
type InsufficientBalanceError struct {
	UserID    string
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for user %s: available %s, required %s", e.UserID, e.Available.String(), e.Required.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// SettleRequest describes one priced call. Cost is the total charge; when zero it is derived from the components.
type SettleRequest struct {
	UserID           string
	ModelID          string
	ConversationID   string
	InputTokens      int
	OutputTokens     int
	InputCost        decimal.Decimal
	OutputCost       decimal.Decimal
	Cost             decimal.Decimal
	UserMessage      string
	AssistantMessage string
	Description      string
}

type Settlement struct {
	UserMessageID      string
	AssistantMessageID string
	UsageLogID         string
	TransactionID      string
	Cost               decimal.Decimal
	FreeQuotaUsed      decimal.Decimal
	BalanceUsed        decimal.Decimal
	BalanceBefore      decimal.Decimal
	BalanceAfter       decimal.Decimal
}

type Options struct {
	// Locker, when set, serializes settlements per user across replicas in addition to the row lock.
	Locker      locks.Locker
	UserLockTTL time.Duration
	Now         func() time.Time
}

type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
	opts   Options
}

func New(db *gorm.DB, logger *zap.Logger, opts Options) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserLockTTL <= 0 {
		opts.UserLockTTL = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{db: db, logger: logger, opts: opts}
}

// Settle charges the call against free quota first and balance second, and records the exchange. When the
// funds cannot cover the cost nothing is written.
func (l *Ledger) Settle(ctx context.Context, req SettleRequest) (Settlement, error) {
	cost := req.Cost
	if cost.IsZero() {
		cost = req.InputCost.Add(req.OutputCost)
	}
	if cost.IsNegative() || req.InputCost.IsNegative() || req.OutputCost.IsNegative() {
		return Settlement{}, ErrNegativeCost
	}
	if strings.TrimSpace(req.UserID) == "" {
		return Settlement{}, ErrUserNotFound
	}

	unlock, err := l.lockUser(ctx, req.UserID)
	if err != nil {
		return Settlement{}, err
	}
	defer unlock()

	now := l.opts.Now()
	var out Settlement
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockedUser(tx, req.UserID)
		if err != nil {
			return err
		}

		before := user.FreeQuota.Add(user.Balance)
		freeUsed, balanceUsed := split(user.FreeQuota, cost)
		if balanceUsed.GreaterThan(user.Balance) {
			return &InsufficientBalanceError{UserID: user.ID, Available: before, Required: cost}
		}

		userMsg := store.Message{
			ID:             uuid.NewString(),
			ConversationID: req.ConversationID,
			Role:           string(models.RoleUser),
			Content:        req.UserMessage,
			Tokens:         req.InputTokens,
			Cost:           decimal.Zero,
			CreatedAt:      now,
		}
		assistantMsg := store.Message{
			ID:             uuid.NewString(),
			ConversationID: req.ConversationID,
			Role:           string(models.RoleAssistant),
			Content:        req.AssistantMessage,
			Tokens:         req.OutputTokens,
			Cost:           cost,
			// Strictly after the prompt so history ordering is stable.
			CreatedAt: now.Add(time.Millisecond),
		}
		if err := tx.Create(&userMsg).Error; err != nil {
			return fmt.Errorf("insert user message: %w", err)
		}
		if err := tx.Create(&assistantMsg).Error; err != nil {
			return fmt.Errorf("insert assistant message: %w", err)
		}

		if err := tx.Model(&store.User{}).Where("id = ?", user.ID).Updates(map[string]any{
			"free_quota":   user.FreeQuota.Sub(freeUsed),
			"balance":      user.Balance.Sub(balanceUsed),
			"total_spent":  user.TotalSpent.Add(cost),
			"total_tokens": gorm.Expr("total_tokens + ?", req.InputTokens+req.OutputTokens),
		}).Error; err != nil {
			return fmt.Errorf("update user funds: %w", err)
		}

		usage := store.UsageLog{
			ID:             uuid.NewString(),
			UserID:         user.ID,
			ModelID:        req.ModelID,
			ConversationID: req.ConversationID,
			MessageID:      assistantMsg.ID,
			InputTokens:    req.InputTokens,
			OutputTokens:   req.OutputTokens,
			TotalTokens:    req.InputTokens + req.OutputTokens,
			InputCost:      req.InputCost,
			OutputCost:     req.OutputCost,
			TotalCost:      cost,
			CreatedAt:      now,
		}
		if err := tx.Create(&usage).Error; err != nil {
			return fmt.Errorf("insert usage log: %w", err)
		}

		after := before.Sub(cost)
		txn := store.Transaction{
			ID:            uuid.NewString(),
			UserID:        user.ID,
			Type:          store.TransactionConsumption,
			Amount:        cost.Neg(),
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   req.Description,
			RelatedID:     assistantMsg.ID,
			CreatedAt:     now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}

		out = Settlement{
			UserMessageID:      userMsg.ID,
			AssistantMessageID: assistantMsg.ID,
			UsageLogID:         usage.ID,
			TransactionID:      txn.ID,
			Cost:               cost,
			FreeQuotaUsed:      freeUsed,
			BalanceUsed:        balanceUsed,
			BalanceBefore:      before,
			BalanceAfter:       after,
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	l.logger.Debug("settled call",
		zap.String("user_id", req.UserID),
		zap.String("model_id", req.ModelID),
		zap.String("cost", cost.String()),
		zap.String("free_quota_used", out.FreeQuotaUsed.String()),
		zap.String("balance_used", out.BalanceUsed.String()))
	return out, nil
}

// split draws cost from free quota first. The shortfall is what the balance must cover.
func split(freeQuota, cost decimal.Decimal) (freeUsed, balanceUsed decimal.Decimal) {
	if freeQuota.GreaterThanOrEqual(cost) {
		return cost, decimal.Zero
	}
	if freeQuota.IsNegative() {
		freeQuota = decimal.Zero
	}
	return freeQuota, cost.Sub(freeQuota)
}

func lockedUser(tx *gorm.DB, userID string) (store.User, error) {
	var user store.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.User{}, ErrUserNotFound
	}
	if err != nil {
		return store.User{}, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func (l *Ledger) lockUser(ctx context.Context, userID string) (func(), error) {
	if l.opts.Locker == nil {
		return func() {}, nil
	}
	release, err := l.opts.Locker.Lock(ctx, "ledger:user:"+userID, l.opts.UserLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock user funds: %w", err)
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			l.logger.Warn("release user lock failed", zap.String("user_id", userID), zap.Error(err))
		}
	}, nil
}
