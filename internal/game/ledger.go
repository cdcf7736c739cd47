package game

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const ledgerStripes = 64

// Ledger is the only writer of balance mutations. Every operation for a given
// user is serialized through a striped lock so concurrent bet/cashout/deposit
// calls can never race each other, while different users proceed in parallel.
type Ledger struct {
	store Store
	log   *logrus.Entry
	locks [ledgerStripes]sync.Mutex
}

func NewLedger(store Store) *Ledger {
	return &Ledger{
		store: store,
		log:   logrus.WithField("component", "ledger"),
	}
}

func (l *Ledger) userLock(userID int64) *sync.Mutex {
	return &l.locks[uint64(userID)%ledgerStripes]
}

// PlaceBet debits the stake and records the bet in one storage transaction.
// A failed debit leaves no bet behind.
func (l *Ledger) PlaceBet(ctx context.Context, userID, roundNumber, amount int64, autoCashout float64) (int64, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	newBalance, err := l.store.PlaceBet(ctx, userID, roundNumber, amount, autoCashout)
	if err != nil {
		return 0, err
	}

	l.log.WithFields(logrus.Fields{
		"user":   userID,
		"round":  roundNumber,
		"amount": amount,
	}).Info("bet placed")
	return newBalance, nil
}

// Cashout credits the payout for bet at multiplier and flips its status.
// On success the bet is mutated in place so the engine's round state stays
// consistent with storage.
func (l *Ledger) Cashout(ctx context.Context, bet *ActiveBet, roundNumber int64, multiplier float64) (int64, int64, error) {
	if bet.Status != BetPlaced {
		return 0, 0, ErrAlreadyCashedOut
	}

	payout := Payout(bet.Amount, multiplier)

	mu := l.userLock(bet.UserID)
	mu.Lock()
	newBalance, err := l.store.SettleCashout(ctx, bet.UserID, roundNumber, multiplier, payout)
	mu.Unlock()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to settle cashout for user %d: %w", bet.UserID, err)
	}

	bet.Status = BetCashedOut
	bet.CashoutMultiple = multiplier
	bet.Payout = payout

	l.log.WithFields(logrus.Fields{
		"user":       bet.UserID,
		"round":      roundNumber,
		"multiplier": multiplier,
		"payout":     payout,
	}).Info("cashout settled")
	return payout, newBalance, nil
}

// SettleLoss marks a still-placed bet as crashed. The stake was debited at
// placement, so no balance movement happens here.
func (l *Ledger) SettleLoss(ctx context.Context, bet *ActiveBet, roundNumber int64) error {
	if bet.Status != BetPlaced {
		return nil
	}
	if err := l.store.SettleLoss(ctx, bet.UserID, roundNumber); err != nil {
		return fmt.Errorf("failed to settle loss for user %d: %w", bet.UserID, err)
	}
	bet.Status = BetCrashed
	bet.Payout = 0
	return nil
}

// Adjust applies an out-of-round balance change (deposit, withdrawal, bonus)
// through the same per-user serialization as game operations.
func (l *Ledger) Adjust(ctx context.Context, userID, amount int64, txType TransactionType, description string) (int64, error) {
	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()
	return l.store.Adjust(ctx, userID, amount, txType, description)
}

// Balance reads the user's current balance.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	return l.store.Balance(ctx, userID)
}

// Recover refunds all placed bets of rounds left open by a previous process.
// A round interrupted mid-flight cannot be resumed from wall-clock time, so
// it is aborted and stakes are returned.
func (l *Ledger) Recover(ctx context.Context) error {
	refunded, err := l.store.RefundOpenRounds(ctx)
	if err != nil {
		return fmt.Errorf("failed to refund open rounds: %w", err)
	}
	if refunded > 0 {
		l.log.WithField("bets", refunded).Warn("refunded bets from interrupted rounds")
	}
	return nil
}

// Payout converts a stake and multiplier to whole currency units, truncating
// toward zero so the house never overpays on the fractional part.
func Payout(amount int64, multiplier float64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(multiplier)).
		IntPart()
}
