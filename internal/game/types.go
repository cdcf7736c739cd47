package game

import (
	"context"
	"errors"
	"time"
)

// Phase is the current stage of a crash round. Values match what the client
// renders verbatim.
type Phase string

const (
	PhaseWaiting Phase = "waiting"
	PhaseBetting Phase = "betting"
	PhasePlaying Phase = "playing"
	PhaseCrashed Phase = "crashed"
)

// BetStatus is the lifecycle of a single bet. A bet leaves "placed" exactly
// once and never returns.
type BetStatus string

const (
	BetPlaced    BetStatus = "placed"
	BetCashedOut BetStatus = "cashed_out"
	BetCrashed   BetStatus = "crashed"
	BetRefunded  BetStatus = "refunded"
)

// TransactionType tags entries in the append-only transaction log.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxGameWin    TransactionType = "game_win"
	TxGameLoss   TransactionType = "game_loss"
	TxBonus      TransactionType = "bonus"
	TxRefund     TransactionType = "refund"
)

// Validation errors reported back to the originating connection. Never fatal.
var (
	ErrBettingClosed       = errors.New("betting is closed")
	ErrRoundNotRunning     = errors.New("cannot cashout now")
	ErrBetTooSmall         = errors.New("bet below minimum")
	ErrBetTooLarge         = errors.New("bet above maximum")
	ErrInvalidAmount       = errors.New("bet amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateBet        = errors.New("bet already placed this round")
	ErrNoActiveBet         = errors.New("no active bet")
	ErrAlreadyCashedOut    = errors.New("already cashed out")
	ErrInvalidTarget       = errors.New("auto cashout target must be above 1.00")
	ErrEngineStopped       = errors.New("game engine is not running")
)

// RoundSummary is one line of round history, shown in the client's
// last-rounds strip.
type RoundSummary struct {
	RoundNumber int64   `json:"roundNumber"`
	Multiplier  float64 `json:"multiplier"`
}

// UserBet is the per-user view of an active bet, included in state snapshots
// so reconnecting clients can restore their bet display.
type UserBet struct {
	Amount          int64   `json:"amount"`
	AutoCashout     float64 `json:"autoCashout,omitempty"`
	CashedOut       bool    `json:"cashedOut"`
	CashoutMultiple float64 `json:"cashoutMultiplier,omitempty"`
	Payout          int64   `json:"payoutAmount,omitempty"`
}

// State is the authoritative snapshot broadcast to every subscriber each tick
// and returned on request_game_state.
type State struct {
	Phase              Phase          `json:"phase"`
	CurrentMultiplier  float64        `json:"currentMultiplier"`
	CurrentRoundNumber int64          `json:"currentRoundNumber"`
	SeedCommitment     string         `json:"seedCommitment,omitempty"`
	BettingEndsIn      float64        `json:"bettingEndsIn,omitempty"`
	LastRounds         []RoundSummary `json:"last_rounds,omitempty"`
	CurrentUserBet     *UserBet       `json:"current_user_bet,omitempty"`
	PlayerCount        int            `json:"playerCount,omitempty"`
}

// ActiveBet is the engine's in-memory record of one user's stake in the
// current round.
type ActiveBet struct {
	UserID          int64
	Username        string
	Amount          int64
	AutoCashout     float64
	PlacedAt        time.Time
	Status          BetStatus
	CashoutMultiple float64
	Payout          int64
}

// BetRequest asks the engine to place a stake in the current betting window.
type BetRequest struct {
	UserID      int64
	Username    string
	Amount      int64
	AutoCashout float64
	Resp        chan BetResponse
}

type BetResponse struct {
	Err         error
	BetAmount   int64
	NewBalance  int64
	RoundNumber int64
}

// CashoutRequest asks the engine to cash out the caller's active bet at the
// current multiplier.
type CashoutRequest struct {
	UserID int64
	Resp   chan CashoutResponse
}

type CashoutResponse struct {
	Err        error
	Multiplier float64
	Payout     int64
	NewBalance int64
	GameID     string
}

// AutoCashoutRequest registers a standing cashout target on an active bet.
type AutoCashoutRequest struct {
	UserID int64
	Target float64
	Resp   chan AutoCashoutResponse
}

type AutoCashoutResponse struct {
	Err    error
	Target float64
}

// Store is the narrow persistence boundary the engine writes through. A
// failed write fails that specific operation; in-memory state never diverges
// from durable state.
type Store interface {
	// NextRoundNumber reserves the next monotonically increasing round number.
	NextRoundNumber(ctx context.Context) (int64, error)
	// CreateRound records a new round with its published commitment.
	CreateRound(ctx context.Context, roundNumber int64, commitment string, startedAt time.Time) error
	// CompleteRound reveals the seed and final multiplier and archives the round.
	CompleteRound(ctx context.Context, roundNumber int64, seed string, crashMultiplier float64) error
	// RefundOpenRounds aborts every round left incomplete by a previous
	// process and refunds its placed bets. Returns the number of refunded bets.
	RefundOpenRounds(ctx context.Context) (int, error)
	// LastRounds returns up to limit completed rounds in chronological order.
	LastRounds(ctx context.Context, limit int) ([]RoundSummary, error)

	// PlaceBet atomically debits the stake and creates the bet row. Returns
	// ErrInsufficientBalance without side effects when funds are short.
	PlaceBet(ctx context.Context, userID, roundNumber, amount int64, autoCashout float64) (newBalance int64, err error)
	// SettleCashout atomically credits the payout and flips the bet to cashed_out.
	SettleCashout(ctx context.Context, userID, roundNumber int64, multiplier float64, payout int64) (newBalance int64, err error)
	// SettleLoss flips a bet to crashed with zero payout. The stake was
	// already debited at placement, so no balance change.
	SettleLoss(ctx context.Context, userID, roundNumber int64) error

	Balance(ctx context.Context, userID int64) (int64, error)
	// Adjust applies a deposit/withdrawal/bonus balance change through the
	// transaction log.
	Adjust(ctx context.Context, userID, amount int64, txType TransactionType, description string) (newBalance int64, err error)
}
