package game

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crashd/internal/config"
)

// Broadcaster fans engine output out to a room's subscribers. Delivery is
// best-effort per connection; the engine never blocks on it.
type Broadcaster interface {
	Broadcast(message interface{})
	SendToUser(userID int64, message interface{})
	PlayerCount() int
}

// RoundCache holds hot round data (snapshot, history) for fast resync reads.
// All calls are best-effort; storage remains the source of truth.
type RoundCache interface {
	SaveSnapshot(ctx context.Context, state *State) error
	PushRound(ctx context.Context, round RoundSummary, keep int) error
}

// Engine drives one crash game room through its round lifecycle. A single
// goroutine owns phase and multiplier; bet, cashout and auto-cashout requests
// enter through channels, which makes the crash instant an atomic boundary:
// any request drained after the tick that flips the phase is validated
// against the new phase and rejected.
type Engine struct {
	cfg    config.GameConfig
	store  Store
	ledger *Ledger
	room   Broadcaster
	cache  RoundCache
	log    *logrus.Entry

	// newOutcome draws the round's seed and crash point. Swappable in tests
	// to pin the crash point.
	newOutcome func(roundNumber int64) (*Outcome, error)

	mu      sync.RWMutex
	state   State
	bets    map[int64]*ActiveBet
	history []RoundSummary

	betCh      chan BetRequest
	cashoutCh  chan CashoutRequest
	autoCh     chan AutoCashoutRequest
	snapshotCh chan State
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewEngine(cfg config.GameConfig, store Store, ledger *Ledger, room Broadcaster, cache RoundCache) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      store,
		ledger:     ledger,
		room:       room,
		cache:      cache,
		log:        logrus.WithField("component", "engine"),
		newOutcome: NewOutcome,
		state: State{
			Phase:             PhaseWaiting,
			CurrentMultiplier: MinMultiplier,
		},
		bets:       make(map[int64]*ActiveBet),
		betCh:      make(chan BetRequest, 1024),
		cashoutCh:  make(chan CashoutRequest, 1024),
		autoCh:     make(chan AutoCashoutRequest, 256),
		snapshotCh: make(chan State, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start recovers interrupted rounds, loads round history and launches the
// round loop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.ledger.Recover(ctx); err != nil {
		return err
	}

	history, err := e.store.LastRounds(ctx, e.cfg.HistoryLength)
	if err != nil {
		return fmt.Errorf("failed to load round history: %w", err)
	}
	e.mu.Lock()
	e.history = history
	e.mu.Unlock()

	if e.cache != nil {
		go e.snapshotWriter()
	}
	go e.run()
	return nil
}

// snapshotWriter drains queued snapshots into the cache. Redis I/O stays off
// the tick goroutine; the loop only ever hands over a copy and moves on.
func (e *Engine) snapshotWriter() {
	for {
		select {
		case <-e.stopCh:
			return
		case state := <-e.snapshotCh:
			cctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
			if err := e.cache.SaveSnapshot(cctx, &state); err != nil {
				e.log.WithError(err).Debug("snapshot cache write failed")
			}
			cancel()
		}
	}
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// PlaceBet hands a bet request to the round loop and waits for its verdict.
func (e *Engine) PlaceBet(userID int64, username string, amount int64, autoCashout float64) BetResponse {
	req := BetRequest{
		UserID:      userID,
		Username:    username,
		Amount:      amount,
		AutoCashout: autoCashout,
		Resp:        make(chan BetResponse, 1),
	}
	select {
	case e.betCh <- req:
	default:
		return BetResponse{Err: ErrBettingClosed}
	}
	select {
	case resp := <-req.Resp:
		return resp
	case <-time.After(5 * time.Second):
		return BetResponse{Err: ErrEngineStopped}
	}
}

// Cashout hands a cashout request to the round loop. Requests that are not
// fully applied before the crash tick settle as losses.
func (e *Engine) Cashout(userID int64) CashoutResponse {
	req := CashoutRequest{UserID: userID, Resp: make(chan CashoutResponse, 1)}
	select {
	case e.cashoutCh <- req:
	default:
		return CashoutResponse{Err: ErrRoundNotRunning}
	}
	select {
	case resp := <-req.Resp:
		return resp
	case <-time.After(5 * time.Second):
		return CashoutResponse{Err: ErrEngineStopped}
	}
}

// SetAutoCashout registers a standing cashout target on the caller's active
// bet, evaluated every tick while the round is playing.
func (e *Engine) SetAutoCashout(userID int64, target float64) AutoCashoutResponse {
	req := AutoCashoutRequest{UserID: userID, Target: target, Resp: make(chan AutoCashoutResponse, 1)}
	select {
	case e.autoCh <- req:
	default:
		return AutoCashoutResponse{Err: ErrRoundNotRunning}
	}
	select {
	case resp := <-req.Resp:
		return resp
	case <-time.After(5 * time.Second):
		return AutoCashoutResponse{Err: ErrEngineStopped}
	}
}

// Snapshot returns a consistent copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked(0)
}

// SnapshotFor is Snapshot plus the caller's own bet, for request_game_state.
func (e *Engine) SnapshotFor(userID int64) State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked(userID)
}

func (e *Engine) snapshotLocked(userID int64) State {
	s := e.state
	s.LastRounds = append([]RoundSummary(nil), e.history...)
	if userID != 0 {
		if bet, ok := e.bets[userID]; ok {
			s.CurrentUserBet = &UserBet{
				Amount:          bet.Amount,
				AutoCashout:     bet.AutoCashout,
				CashedOut:       bet.Status == BetCashedOut,
				CashoutMultiple: bet.CashoutMultiple,
				Payout:          bet.Payout,
			}
		}
	}
	if e.room != nil {
		s.PlayerCount = e.room.PlayerCount()
	}
	return s
}

func (e *Engine) run() {
	for {
		select {
		case <-e.stopCh:
			e.log.Info("round loop stopped")
			return
		default:
		}
		if err := e.runRound(); err != nil {
			// Round creation needs randomness and a round row; without them
			// no new round may start. Hold and retry instead of exiting.
			e.log.WithError(err).Error("round aborted")
			select {
			case <-time.After(e.cfg.CrashedTime):
			case <-e.stopCh:
				return
			}
		}
	}
}

func (e *Engine) runRound() error {
	ctx := context.Background()

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	roundNumber, err := e.store.NextRoundNumber(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to allocate round number: %w", err)
	}

	outcome, err := e.newOutcome(roundNumber)
	if err != nil {
		return err
	}

	startedAt := time.Now()
	sctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
	err = e.store.CreateRound(sctx, roundNumber, outcome.Commitment, startedAt)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to create round %d: %w", roundNumber, err)
	}

	e.mu.Lock()
	e.bets = make(map[int64]*ActiveBet)
	e.state = State{
		Phase:              PhaseWaiting,
		CurrentMultiplier:  MinMultiplier,
		CurrentRoundNumber: roundNumber,
		SeedCommitment:     outcome.Commitment,
	}
	e.mu.Unlock()

	e.log.WithFields(logrus.Fields{
		"round":      roundNumber,
		"commitment": outcome.Commitment[:16],
	}).Info("round created")

	e.broadcastState()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	var (
		phase         = PhaseWaiting
		phaseEnds     = startedAt.Add(e.cfg.WaitingTime)
		playingStart  time.Time
		lastBroadcast time.Time
	)

	for {
		select {
		case <-e.stopCh:
			return nil

		case now := <-ticker.C:
			switch phase {
			case PhaseWaiting:
				if now.After(phaseEnds) {
					phase = PhaseBetting
					phaseEnds = now.Add(e.cfg.BettingTime)
					e.setPhase(PhaseBetting, MinMultiplier, e.cfg.BettingTime.Seconds())
					e.broadcastState()
				}

			case PhaseBetting:
				if now.After(phaseEnds) {
					phase = PhasePlaying
					playingStart = now
					e.setPhase(PhasePlaying, MinMultiplier, 0)
					e.broadcastState()
					lastBroadcast = now
					break
				}
				if now.Sub(lastBroadcast) >= 250*time.Millisecond {
					e.setPhase(PhaseBetting, MinMultiplier, phaseEnds.Sub(now).Seconds())
					e.broadcastState()
					lastBroadcast = now
				}

			case PhasePlaying:
				elapsed := now.Sub(playingStart).Seconds()
				mult := MultiplierAt(elapsed)

				if mult >= outcome.CrashMultiplier {
					// Crash boundary: from here on no cashout is valid.
					phase = PhaseCrashed
					phaseEnds = now.Add(e.cfg.CrashedTime)
					e.setPhase(PhaseCrashed, outcome.CrashMultiplier, 0)
					e.finishRound(ctx, roundNumber, outcome, now.Sub(playingStart))
					break
				}

				e.setPhase(PhasePlaying, mult, 0)
				e.runAutoCashouts(ctx, roundNumber, mult)
				e.broadcastState()

			case PhaseCrashed:
				if now.After(phaseEnds) {
					return nil
				}
			}

		case req := <-e.betCh:
			req.Resp <- e.handleBet(ctx, phase, roundNumber, req)

		case req := <-e.cashoutCh:
			req.Resp <- e.handleCashout(ctx, phase, roundNumber, req.UserID, 0)

		case req := <-e.autoCh:
			req.Resp <- e.handleAutoCashout(phase, req)
		}
	}
}

func (e *Engine) setPhase(phase Phase, mult float64, bettingEndsIn float64) {
	e.mu.Lock()
	e.state.Phase = phase
	e.state.CurrentMultiplier = mult
	e.state.BettingEndsIn = bettingEndsIn
	e.mu.Unlock()
}

func (e *Engine) broadcastState() {
	state := e.Snapshot()
	if state.Phase != PhaseWaiting {
		// The client only applies round history while idle between rounds.
		state.LastRounds = nil
	}
	if e.room != nil {
		e.room.Broadcast(map[string]interface{}{
			"type":  "crash_state_update",
			"state": state,
		})
	}
	if e.cache != nil {
		// Replace a not-yet-written snapshot rather than queueing behind it;
		// only the latest state is worth caching.
		select {
		case e.snapshotCh <- state:
		default:
			select {
			case <-e.snapshotCh:
			default:
			}
			select {
			case e.snapshotCh <- state:
			default:
			}
		}
	}
}

func (e *Engine) handleBet(ctx context.Context, phase Phase, roundNumber int64, req BetRequest) BetResponse {
	if phase != PhaseBetting {
		return BetResponse{Err: ErrBettingClosed}
	}
	if req.Amount <= 0 {
		return BetResponse{Err: ErrInvalidAmount}
	}
	if req.Amount < e.cfg.MinBet {
		return BetResponse{Err: ErrBetTooSmall}
	}
	if req.Amount > e.cfg.MaxBet {
		return BetResponse{Err: ErrBetTooLarge}
	}
	if req.AutoCashout != 0 && req.AutoCashout <= MinMultiplier {
		return BetResponse{Err: ErrInvalidTarget}
	}
	if _, exists := e.bets[req.UserID]; exists {
		return BetResponse{Err: ErrDuplicateBet}
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	newBalance, err := e.ledger.PlaceBet(sctx, req.UserID, roundNumber, req.Amount, req.AutoCashout)
	cancel()
	if err != nil {
		return BetResponse{Err: err}
	}

	bet := &ActiveBet{
		UserID:      req.UserID,
		Username:    req.Username,
		Amount:      req.Amount,
		AutoCashout: req.AutoCashout,
		PlacedAt:    time.Now(),
		Status:      BetPlaced,
	}
	e.mu.Lock()
	e.bets[req.UserID] = bet
	e.mu.Unlock()

	if e.room != nil {
		e.room.Broadcast(map[string]interface{}{
			"type":   "bet_placed",
			"amount": req.Amount,
			"userData": map[string]interface{}{
				"username": req.Username,
			},
		})
	}

	return BetResponse{BetAmount: req.Amount, NewBalance: newBalance, RoundNumber: roundNumber}
}

// handleCashout settles the caller's bet at the current multiplier, or at
// lockedMultiplier when triggered by an auto-cashout target.
func (e *Engine) handleCashout(ctx context.Context, phase Phase, roundNumber int64, userID int64, lockedMultiplier float64) CashoutResponse {
	if phase != PhasePlaying {
		return CashoutResponse{Err: ErrRoundNotRunning}
	}

	e.mu.RLock()
	bet, ok := e.bets[userID]
	mult := e.state.CurrentMultiplier
	e.mu.RUnlock()
	if !ok {
		return CashoutResponse{Err: ErrNoActiveBet}
	}
	if bet.Status != BetPlaced {
		return CashoutResponse{Err: ErrAlreadyCashedOut}
	}
	if lockedMultiplier > 0 {
		mult = lockedMultiplier
	}

	// Write lock: the ledger updates the bet's status in place, which
	// concurrent snapshot readers must not observe half-written.
	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	e.mu.Lock()
	payout, newBalance, err := e.ledger.Cashout(sctx, bet, roundNumber, mult)
	e.mu.Unlock()
	cancel()
	if err != nil {
		return CashoutResponse{Err: err}
	}

	gameID := fmt.Sprintf("crash-%d", roundNumber)
	if e.room != nil {
		e.room.Broadcast(map[string]interface{}{
			"type": "player_cashed_out",
			"userData": map[string]interface{}{
				"username": bet.Username,
			},
			"multiplier": mult,
			"payout":     payout,
		})
	}

	return CashoutResponse{
		Multiplier: mult,
		Payout:     payout,
		NewBalance: newBalance,
		GameID:     gameID,
	}
}

func (e *Engine) handleAutoCashout(phase Phase, req AutoCashoutRequest) AutoCashoutResponse {
	if phase != PhaseBetting && phase != PhasePlaying {
		return AutoCashoutResponse{Err: ErrRoundNotRunning}
	}
	if req.Target <= MinMultiplier {
		return AutoCashoutResponse{Err: ErrInvalidTarget}
	}

	e.mu.Lock()
	bet, ok := e.bets[req.UserID]
	if ok && bet.Status == BetPlaced {
		bet.AutoCashout = req.Target
	}
	e.mu.Unlock()
	if !ok {
		return AutoCashoutResponse{Err: ErrNoActiveBet}
	}
	if bet.Status != BetPlaced {
		return AutoCashoutResponse{Err: ErrAlreadyCashedOut}
	}
	return AutoCashoutResponse{Target: req.Target}
}

// runAutoCashouts fires every standing instruction whose target the live
// multiplier has reached, locking the payout at the target rather than the
// tick's possibly higher value.
func (e *Engine) runAutoCashouts(ctx context.Context, roundNumber int64, mult float64) {
	e.mu.RLock()
	var due []*ActiveBet
	for _, bet := range e.bets {
		if bet.Status == BetPlaced && bet.AutoCashout > 0 && mult >= bet.AutoCashout {
			due = append(due, bet)
		}
	}
	e.mu.RUnlock()

	for _, bet := range due {
		resp := e.handleCashout(ctx, PhasePlaying, roundNumber, bet.UserID, bet.AutoCashout)
		if resp.Err != nil {
			e.log.WithError(resp.Err).WithField("user", bet.UserID).Error("auto cashout failed")
			continue
		}
		if e.room != nil {
			e.room.SendToUser(bet.UserID, map[string]interface{}{
				"type":   "game_action_success",
				"action": "cashout",
				"result": map[string]interface{}{
					"cashoutMultiplier": resp.Multiplier,
					"cashoutAmount":     resp.Payout,
					"newBalance":        resp.NewBalance,
					"gameId":            resp.GameID,
				},
			})
		}
	}
}

// finishRound reveals the seed, settles remaining bets as losses and archives
// the round.
func (e *Engine) finishRound(ctx context.Context, roundNumber int64, outcome *Outcome, playingTime time.Duration) {
	if e.room != nil {
		e.room.Broadcast(map[string]interface{}{
			"type":        "crash_final_value",
			"crashPoint":  outcome.CrashMultiplier,
			"serverSeed":  outcome.Seed,
			"roundNumber": roundNumber,
		})
	}
	e.broadcastState()

	e.mu.RLock()
	var open []*ActiveBet
	for _, bet := range e.bets {
		if bet.Status == BetPlaced {
			open = append(open, bet)
		}
	}
	e.mu.RUnlock()

	for _, bet := range open {
		sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		e.mu.Lock()
		if err := e.ledger.SettleLoss(sctx, bet, roundNumber); err != nil {
			e.log.WithError(err).WithField("user", bet.UserID).Error("loss settlement failed")
		}
		e.mu.Unlock()
		cancel()
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	err := e.store.CompleteRound(sctx, roundNumber, outcome.Seed, outcome.CrashMultiplier)
	cancel()
	if err != nil {
		e.log.WithError(err).WithField("round", roundNumber).Error("round archive failed")
	}

	summary := RoundSummary{RoundNumber: roundNumber, Multiplier: outcome.CrashMultiplier}
	e.mu.Lock()
	e.history = append(e.history, summary)
	if len(e.history) > e.cfg.HistoryLength {
		e.history = e.history[len(e.history)-e.cfg.HistoryLength:]
	}
	e.mu.Unlock()

	if e.cache != nil {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		if err := e.cache.PushRound(cctx, summary, e.cfg.HistoryLength); err != nil {
			e.log.WithError(err).Debug("round history cache write failed")
		}
		cancel()
	}

	if e.room != nil {
		e.room.Broadcast(map[string]interface{}{
			"type":        "round_completed",
			"roundNumber": roundNumber,
			"crashPoint":  outcome.CrashMultiplier,
		})
	}

	e.log.WithFields(logrus.Fields{
		"round":       roundNumber,
		"crashPoint":  outcome.CrashMultiplier,
		"playingTime": playingTime.Round(time.Millisecond).String(),
	}).Info("round completed")
}

// MultiplierAt is the public multiplier curve: a monotonically increasing
// function of elapsed playing time, quantized to 2 decimals.
func MultiplierAt(elapsed float64) float64 {
	mult := 1.0 + (elapsed / 1.5) + (elapsed * elapsed * 0.005)
	return float64(int(mult*100)) / 100.0
}
