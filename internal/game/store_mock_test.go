package game

import (
	"context"
	"errors"
	"sync"
	"time"
)

// memStore is an in-memory Store used by ledger and engine tests. It applies
// the same atomicity rules as the real store: a rejected debit leaves no bet
// behind, and every balance change appends to the transaction log.
type memStore struct {
	mu        sync.Mutex
	nextRound int64
	balances  map[int64]int64
	txs       []memTx
	rounds    map[int64]*memRound
	bets      map[betKey]*memBet

	failPlacements bool
}

type betKey struct {
	round, user int64
}

type memTx struct {
	userID int64
	amount int64
	txType TransactionType
}

type memRound struct {
	commitment string
	seed       string
	multiplier float64
	status     string
}

type memBet struct {
	amount      int64
	autoCashout float64
	status      BetStatus
	multiplier  float64
	payout      int64
}

func newMemStore() *memStore {
	return &memStore{
		balances: make(map[int64]int64),
		rounds:   make(map[int64]*memRound),
		bets:     make(map[betKey]*memBet),
	}
}

func (m *memStore) fund(userID, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] += amount
	m.txs = append(m.txs, memTx{userID: userID, amount: amount, txType: TxDeposit})
}

func (m *memStore) txSum(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum int64
	for _, tx := range m.txs {
		if tx.userID == userID {
			sum += tx.amount
		}
	}
	return sum
}

func (m *memStore) bet(round, user int64) *memBet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bets[betKey{round, user}]; ok {
		copied := *b
		return &copied
	}
	return nil
}

func (m *memStore) NextRoundNumber(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRound++
	return m.nextRound, nil
}

func (m *memStore) CreateRound(_ context.Context, roundNumber int64, commitment string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rounds[roundNumber] = &memRound{commitment: commitment, status: "open"}
	return nil
}

func (m *memStore) CompleteRound(_ context.Context, roundNumber int64, seed string, crashMultiplier float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundNumber]
	if !ok || r.status != "open" {
		return errors.New("round not open")
	}
	r.seed = seed
	r.multiplier = crashMultiplier
	r.status = "completed"
	return nil
}

func (m *memStore) RefundOpenRounds(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refunded := 0
	for key, bet := range m.bets {
		round, ok := m.rounds[key.round]
		if !ok || round.status != "open" || bet.status != BetPlaced {
			continue
		}
		m.balances[key.user] += bet.amount
		m.txs = append(m.txs, memTx{userID: key.user, amount: bet.amount, txType: TxRefund})
		bet.status = BetRefunded
		bet.payout = bet.amount
		refunded++
	}
	for _, round := range m.rounds {
		if round.status == "open" {
			round.status = "aborted"
		}
	}
	return refunded, nil
}

func (m *memStore) LastRounds(_ context.Context, limit int) ([]RoundSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rounds []RoundSummary
	for n := m.nextRound - int64(limit); n <= m.nextRound; n++ {
		if r, ok := m.rounds[n]; ok && r.status == "completed" {
			rounds = append(rounds, RoundSummary{RoundNumber: n, Multiplier: r.multiplier})
		}
	}
	return rounds, nil
}

func (m *memStore) PlaceBet(_ context.Context, userID, roundNumber, amount int64, autoCashout float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPlacements {
		return 0, errors.New("storage unavailable")
	}
	if _, exists := m.bets[betKey{roundNumber, userID}]; exists {
		return 0, ErrDuplicateBet
	}
	balance := m.balances[userID]
	if balance < amount {
		return 0, ErrInsufficientBalance
	}
	m.balances[userID] = balance - amount
	m.txs = append(m.txs, memTx{userID: userID, amount: -amount, txType: TxGameLoss})
	m.bets[betKey{roundNumber, userID}] = &memBet{
		amount:      amount,
		autoCashout: autoCashout,
		status:      BetPlaced,
	}
	return m.balances[userID], nil
}

func (m *memStore) SettleCashout(_ context.Context, userID, roundNumber int64, multiplier float64, payout int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bet, ok := m.bets[betKey{roundNumber, userID}]
	if !ok || bet.status != BetPlaced {
		return 0, ErrNoActiveBet
	}
	bet.status = BetCashedOut
	bet.multiplier = multiplier
	bet.payout = payout
	m.balances[userID] += payout
	m.txs = append(m.txs, memTx{userID: userID, amount: payout, txType: TxGameWin})
	return m.balances[userID], nil
}

func (m *memStore) SettleLoss(_ context.Context, userID, roundNumber int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bet, ok := m.bets[betKey{roundNumber, userID}]
	if !ok || bet.status != BetPlaced {
		return ErrNoActiveBet
	}
	bet.status = BetCrashed
	bet.payout = 0
	return nil
}

func (m *memStore) Balance(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memStore) Adjust(_ context.Context, userID, amount int64, txType TransactionType, _ string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[userID]+amount < 0 {
		return 0, ErrInsufficientBalance
	}
	m.balances[userID] += amount
	m.txs = append(m.txs, memTx{userID: userID, amount: amount, txType: txType})
	return m.balances[userID], nil
}

// recorder satisfies Broadcaster and captures everything the engine emits.
type recorder struct {
	mu       sync.Mutex
	messages []map[string]interface{}
	direct   map[int64][]map[string]interface{}
}

func newRecorder() *recorder {
	return &recorder{direct: make(map[int64][]map[string]interface{})}
}

func (r *recorder) Broadcast(message interface{}) {
	if m, ok := message.(map[string]interface{}); ok {
		r.mu.Lock()
		r.messages = append(r.messages, m)
		r.mu.Unlock()
	}
}

func (r *recorder) SendToUser(userID int64, message interface{}) {
	if m, ok := message.(map[string]interface{}); ok {
		r.mu.Lock()
		r.direct[userID] = append(r.direct[userID], m)
		r.mu.Unlock()
	}
}

func (r *recorder) PlayerCount() int { return 0 }

func (r *recorder) typesSeen() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]int)
	for _, m := range r.messages {
		if t, ok := m["type"].(string); ok {
			seen[t]++
		}
	}
	return seen
}
