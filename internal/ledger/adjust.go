package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zhijun2003/QingyunAI/internal/store"
)

var ErrNegativeResult = errors.New("adjustment would leave a negative balance")

// Adjustment is the outcome of an operator balance change.
type Adjustment struct {
	TransactionID string
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Balance       decimal.Decimal
}

// Adjust adds amount (which may be negative) to the user's balance. Free quota is left alone.
func (l *Ledger) Adjust(ctx context.Context, userID string, amount decimal.Decimal, reason string) (Adjustment, error) {
	if amount.IsZero() {
		return Adjustment{}, errors.New("ledger: adjustment amount must not be zero")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "balance adjustment"
	}

	unlock, err := l.lockUser(ctx, userID)
	if err != nil {
		return Adjustment{}, err
	}
	defer unlock()

	var out Adjustment
	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := lockedUser(tx, userID)
		if err != nil {
			return err
		}
		newBalance := user.Balance.Add(amount)
		if newBalance.IsNegative() {
			return fmt.Errorf("%w: balance %s, amount %s", ErrNegativeResult, user.Balance.String(), amount.String())
		}
		if err := tx.Model(&store.User{}).Where("id = ?", user.ID).Update("balance", newBalance).Error; err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		before := user.FreeQuota.Add(user.Balance)
		txn := store.Transaction{
			ID:            uuid.NewString(),
			UserID:        user.ID,
			Type:          store.TransactionAdjustment,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  before.Add(amount),
			Description:   reason,
			CreatedAt:     l.opts.Now(),
		}
		if err := tx.Create(&txn).Error; err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		out = Adjustment{
			TransactionID: txn.ID,
			BalanceBefore: txn.BalanceBefore,
			BalanceAfter:  txn.BalanceAfter,
			Balance:       newBalance,
		}
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	l.logger.Info("balance adjusted",
		zap.String("user_id", userID),
		zap.String("amount", amount.String()),
		zap.String("reason", reason))
	return out, nil
}
