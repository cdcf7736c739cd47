package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crashd/internal/game"
)

// Store is the persistence backend for the round engine and ledger. Every
// balance-mutating method writes the balance row and the transaction log in
// one database transaction so durable state can never split from itself.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(svc Service) *Store {
	return &Store{pool: svc.Pool()}
}

// Round holds one archived or in-flight round row, used by the fairness
// verification endpoint.
type Round struct {
	RoundNumber     int64
	SeedCommitment  string
	RevealedSeed    string
	CrashMultiplier float64
	Status          string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// EnsureUser creates the user and its balance row on first sight and returns
// the user id.
func (s *Store) EnsureUser(ctx context.Context, username string) (int64, error) {
	var userID int64
	err := WithTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO users (username)
			VALUES ($1)
			ON CONFLICT (username) DO UPDATE SET username = EXCLUDED.username
			RETURNING id
		`, username).Scan(&userID)
		if err != nil {
			return fmt.Errorf("failed to upsert user %q: %w", username, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO gc_balances (user_id, balance)
			VALUES ($1, 0)
			ON CONFLICT (user_id) DO NOTHING
		`, userID)
		if err != nil {
			return fmt.Errorf("failed to create balance row for user %d: %w", userID, err)
		}
		return nil
	})
	return userID, err
}

// Username resolves a user id for display in room broadcasts.
func (s *Store) Username(ctx context.Context, userID int64) (string, error) {
	var username string
	err := s.pool.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, userID).Scan(&username)
	if err != nil {
		return "", fmt.Errorf("failed to look up user %d: %w", userID, err)
	}
	return username, nil
}

func (s *Store) NextRoundNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT nextval('crash_round_number_seq')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate round number: %w", err)
	}
	return n, nil
}

func (s *Store) CreateRound(ctx context.Context, roundNumber int64, commitment string, startedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crash_rounds (round_number, seed_commitment, status, started_at)
		VALUES ($1, $2, 'open', $3)
	`, roundNumber, commitment, startedAt)
	if err != nil {
		return fmt.Errorf("failed to insert round %d: %w", roundNumber, err)
	}
	return nil
}

func (s *Store) CompleteRound(ctx context.Context, roundNumber int64, seed string, crashMultiplier float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crash_rounds
		SET revealed_seed = $2, crash_multiplier = $3, status = 'completed', completed_at = now()
		WHERE round_number = $1 AND status = 'open'
	`, roundNumber, seed, crashMultiplier)
	if err != nil {
		return fmt.Errorf("failed to complete round %d: %w", roundNumber, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("round %d was not open", roundNumber)
	}
	return nil
}

// GetRound returns a single round row, or nil when unknown.
func (s *Store) GetRound(ctx context.Context, roundNumber int64) (*Round, error) {
	var r Round
	var seed, status *string
	var mult *float64
	err := s.pool.QueryRow(ctx, `
		SELECT round_number, seed_commitment, revealed_seed, crash_multiplier, status, started_at, completed_at
		FROM crash_rounds WHERE round_number = $1
	`, roundNumber).Scan(&r.RoundNumber, &r.SeedCommitment, &seed, &mult, &status, &r.StartedAt, &r.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round %d: %w", roundNumber, err)
	}
	if seed != nil {
		r.RevealedSeed = *seed
	}
	if mult != nil {
		r.CrashMultiplier = *mult
	}
	if status != nil {
		r.Status = *status
	}
	return &r, nil
}

func (s *Store) LastRounds(ctx context.Context, limit int) ([]game.RoundSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT round_number, crash_multiplier
		FROM crash_rounds
		WHERE status = 'completed'
		ORDER BY round_number DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query round history: %w", err)
	}
	defer rows.Close()

	var rounds []game.RoundSummary
	for rows.Next() {
		var r game.RoundSummary
		if err := rows.Scan(&r.RoundNumber, &r.Multiplier); err != nil {
			return nil, fmt.Errorf("failed to scan round summary: %w", err)
		}
		rounds = append(rounds, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read round history: %w", err)
	}

	// Newest-first from the query; the client wants chronological order.
	for i, j := 0, len(rounds)-1; i < j; i, j = i+1, j-1 {
		rounds[i], rounds[j] = rounds[j], rounds[i]
	}
	return rounds, nil
}

func (s *Store) PlaceBet(ctx context.Context, userID, roundNumber, amount int64, autoCashout float64) (int64, error) {
	var newBalance int64
	err := WithTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		before, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if before < amount {
			return game.ErrInsufficientBalance
		}
		newBalance = before - amount

		if err := updateBalance(ctx, tx, userID, newBalance); err != nil {
			return err
		}
		if err := recordTransaction(ctx, tx, txRecord{
			userID:        userID,
			amount:        -amount,
			balanceBefore: before,
			balanceAfter:  newBalance,
			txType:        game.TxGameLoss,
			gameType:      "crash",
			gameID:        fmt.Sprintf("crash-%d", roundNumber),
			description:   fmt.Sprintf("bet in round %d", roundNumber),
		}); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO crash_bets (round_number, user_id, amount, auto_cashout, status)
			VALUES ($1, $2, $3, $4, 'placed')
		`, roundNumber, userID, amount, autoCashout)
		if isUniqueViolation(err) {
			return game.ErrDuplicateBet
		}
		if err != nil {
			return fmt.Errorf("failed to insert bet: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (s *Store) SettleCashout(ctx context.Context, userID, roundNumber int64, multiplier float64, payout int64) (int64, error) {
	var newBalance int64
	err := WithTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE crash_bets
			SET status = 'cashed_out', cashout_multiplier = $3, payout = $4, settled_at = now()
			WHERE round_number = $1 AND user_id = $2 AND status = 'placed'
		`, roundNumber, userID, multiplier, payout)
		if err != nil {
			return fmt.Errorf("failed to update bet: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return game.ErrNoActiveBet
		}

		before, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBalance = before + payout

		if err := updateBalance(ctx, tx, userID, newBalance); err != nil {
			return err
		}
		return recordTransaction(ctx, tx, txRecord{
			userID:        userID,
			amount:        payout,
			balanceBefore: before,
			balanceAfter:  newBalance,
			txType:        game.TxGameWin,
			gameType:      "crash",
			gameID:        fmt.Sprintf("crash-%d", roundNumber),
			description:   fmt.Sprintf("cashout at %.2fx in round %d", multiplier, roundNumber),
		})
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

func (s *Store) SettleLoss(ctx context.Context, userID, roundNumber int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crash_bets
		SET status = 'crashed', payout = 0, settled_at = now()
		WHERE round_number = $1 AND user_id = $2 AND status = 'placed'
	`, roundNumber, userID)
	if err != nil {
		return fmt.Errorf("failed to settle loss: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return game.ErrNoActiveBet
	}
	return nil
}

// RefundOpenRounds aborts rounds a previous process left behind and returns
// every still-placed stake. Wall-clock resumption after downtime cannot be
// trusted, so the rounds are not resumed.
func (s *Store) RefundOpenRounds(ctx context.Context) (int, error) {
	refunded := 0
	err := WithTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT b.round_number, b.user_id, b.amount
			FROM crash_bets b
			JOIN crash_rounds r ON r.round_number = b.round_number
			WHERE r.status = 'open' AND b.status = 'placed'
			FOR UPDATE OF b
		`)
		if err != nil {
			return fmt.Errorf("failed to query open bets: %w", err)
		}
		type openBet struct {
			roundNumber, userID, amount int64
		}
		var bets []openBet
		for rows.Next() {
			var b openBet
			if err := rows.Scan(&b.roundNumber, &b.userID, &b.amount); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan open bet: %w", err)
			}
			bets = append(bets, b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read open bets: %w", err)
		}

		for _, b := range bets {
			before, err := lockBalance(ctx, tx, b.userID)
			if err != nil {
				return err
			}
			after := before + b.amount
			if err := updateBalance(ctx, tx, b.userID, after); err != nil {
				return err
			}
			if err := recordTransaction(ctx, tx, txRecord{
				userID:        b.userID,
				amount:        b.amount,
				balanceBefore: before,
				balanceAfter:  after,
				txType:        game.TxRefund,
				gameType:      "crash",
				gameID:        fmt.Sprintf("crash-%d", b.roundNumber),
				description:   fmt.Sprintf("refund for aborted round %d", b.roundNumber),
			}); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				UPDATE crash_bets SET status = 'refunded', payout = amount, settled_at = now()
				WHERE round_number = $1 AND user_id = $2
			`, b.roundNumber, b.userID); err != nil {
				return fmt.Errorf("failed to mark bet refunded: %w", err)
			}
			refunded++
		}

		if _, err := tx.Exec(ctx, `
			UPDATE crash_rounds SET status = 'aborted', completed_at = now()
			WHERE status = 'open'
		`); err != nil {
			return fmt.Errorf("failed to abort open rounds: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return refunded, nil
}

func (s *Store) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT balance FROM gc_balances WHERE user_id = $1), 0)
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to read balance for user %d: %w", userID, err)
	}
	return balance, nil
}

func (s *Store) Adjust(ctx context.Context, userID, amount int64, txType game.TransactionType, description string) (int64, error) {
	var newBalance int64
	err := WithTransaction(ctx, s.pool, func(tx pgx.Tx) error {
		before, err := lockBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		newBalance = before + amount
		if newBalance < 0 {
			return game.ErrInsufficientBalance
		}
		if err := updateBalance(ctx, tx, userID, newBalance); err != nil {
			return err
		}
		return recordTransaction(ctx, tx, txRecord{
			userID:        userID,
			amount:        amount,
			balanceBefore: before,
			balanceAfter:  newBalance,
			txType:        txType,
			description:   description,
		})
	})
	if err != nil {
		return 0, err
	}
	return newBalance, nil
}

type txRecord struct {
	userID        int64
	amount        int64
	balanceBefore int64
	balanceAfter  int64
	txType        game.TransactionType
	gameType      string
	gameID        string
	description   string
}

func lockBalance(ctx context.Context, tx pgx.Tx, userID int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT balance FROM gc_balances WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `INSERT INTO gc_balances (user_id, balance) VALUES ($1, 0)`, userID)
		if err != nil {
			return 0, fmt.Errorf("failed to create balance row for user %d: %w", userID, err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to lock balance for user %d: %w", userID, err)
	}
	return balance, nil
}

func updateBalance(ctx context.Context, tx pgx.Tx, userID, balance int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE gc_balances SET balance = $2, updated_at = now() WHERE user_id = $1
	`, userID, balance)
	if err != nil {
		return fmt.Errorf("failed to update balance for user %d: %w", userID, err)
	}
	return nil
}

func recordTransaction(ctx context.Context, tx pgx.Tx, rec txRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO gc_transactions
		(user_id, amount, balance_before, balance_after, transaction_type, game_type, game_id, description)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
	`, rec.userID, rec.amount, rec.balanceBefore, rec.balanceAfter, rec.txType, rec.gameType, rec.gameID, rec.description)
	if err != nil {
		return fmt.Errorf("failed to record transaction for user %d: %w", rec.userID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
