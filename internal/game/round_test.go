package game

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"crashd/internal/config"
)

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.WarnLevel)
	os.Exit(m.Run())
}

func testGameConfig() config.GameConfig {
	return config.GameConfig{
		TickInterval:  2 * time.Millisecond,
		WaitingTime:   20 * time.Millisecond,
		BettingTime:   150 * time.Millisecond,
		CrashedTime:   30 * time.Millisecond,
		MinBet:        5,
		MaxBet:        1000,
		StoreTimeout:  time.Second,
		HistoryLength: 5,
	}
}

// fixedOutcome pins every round's crash point so tests do not depend on the
// random draw.
func fixedOutcome(crash float64) func(int64) (*Outcome, error) {
	return func(roundNumber int64) (*Outcome, error) {
		seed := fmt.Sprintf("%064x", roundNumber)
		return &Outcome{
			RoundNumber:     roundNumber,
			Seed:            seed,
			Commitment:      Commitment(seed, roundNumber),
			CrashMultiplier: crash,
		}, nil
	}
}

func newTestEngine(t *testing.T, store *memStore, crash float64) (*Engine, *recorder) {
	t.Helper()
	rec := newRecorder()
	engine := NewEngine(testGameConfig(), store, NewLedger(store), rec, nil)
	engine.newOutcome = fixedOutcome(crash)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(engine.Stop)
	return engine, rec
}

func waitPhase(t *testing.T, engine *Engine, phase Phase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if engine.Snapshot().Phase == phase {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %q, currently %q", phase, engine.Snapshot().Phase)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnginePhaseLifecycle(t *testing.T) {
	store := newMemStore()
	_, rec := newTestEngine(t, store, 1.10)

	waitFor(t, "round completion", func() bool {
		return rec.typesSeen()["round_completed"] > 0
	})

	// Phases must first appear in lifecycle order in the broadcast stream.
	first := map[Phase]int{}
	rec.mu.Lock()
	for i, m := range rec.messages {
		if m["type"] != "crash_state_update" {
			continue
		}
		state, ok := m["state"].(State)
		if !ok {
			continue
		}
		if _, seen := first[state.Phase]; !seen {
			first[state.Phase] = i
		}
	}
	rec.mu.Unlock()

	for _, phase := range []Phase{PhaseWaiting, PhaseBetting, PhasePlaying, PhaseCrashed} {
		if _, ok := first[phase]; !ok {
			t.Fatalf("phase %q never broadcast", phase)
		}
	}
	if !(first[PhaseWaiting] < first[PhaseBetting] &&
		first[PhaseBetting] < first[PhasePlaying] &&
		first[PhasePlaying] < first[PhaseCrashed]) {
		t.Errorf("phases out of order: %v", first)
	}
}

func TestEngineRevealMatchesCommitment(t *testing.T) {
	store := newMemStore()
	_, rec := newTestEngine(t, store, 1.10)

	waitFor(t, "seed reveal", func() bool {
		return rec.typesSeen()["crash_final_value"] > 0
	})

	var reveal map[string]interface{}
	rec.mu.Lock()
	for _, m := range rec.messages {
		if m["type"] == "crash_final_value" {
			reveal = m
			break
		}
	}
	rec.mu.Unlock()

	seed := reveal["serverSeed"].(string)
	roundNumber := reveal["roundNumber"].(int64)

	store.mu.Lock()
	round := store.rounds[roundNumber]
	store.mu.Unlock()
	if round == nil {
		t.Fatalf("round %d not stored", roundNumber)
	}
	if got := Commitment(seed, roundNumber); got != round.commitment {
		t.Errorf("revealed seed does not hash to the published commitment: %s != %s", got, round.commitment)
	}
	if reveal["crashPoint"].(float64) != 1.10 {
		t.Errorf("crashPoint = %v, want 1.10", reveal["crashPoint"])
	}
}

func TestEngineBettingWindow(t *testing.T) {
	store := newMemStore()
	store.fund(1, 100)
	store.fund(2, 100)
	engine, _ := newTestEngine(t, store, 100.0)

	waitPhase(t, engine, PhaseBetting)

	resp := engine.PlaceBet(1, "alice", 10, 0)
	if resp.Err != nil {
		t.Fatalf("PlaceBet failed: %v", resp.Err)
	}
	if resp.NewBalance != 90 || resp.BetAmount != 10 {
		t.Errorf("bet response = %+v, want amount 10 balance 90", resp)
	}

	if resp := engine.PlaceBet(1, "alice", 10, 0); !errors.Is(resp.Err, ErrDuplicateBet) {
		t.Errorf("duplicate bet err = %v, want ErrDuplicateBet", resp.Err)
	}
	if resp := engine.PlaceBet(2, "bob", 0, 0); !errors.Is(resp.Err, ErrInvalidAmount) {
		t.Errorf("zero bet err = %v, want ErrInvalidAmount", resp.Err)
	}
	if resp := engine.PlaceBet(2, "bob", 2, 0); !errors.Is(resp.Err, ErrBetTooSmall) {
		t.Errorf("small bet err = %v, want ErrBetTooSmall", resp.Err)
	}
	if resp := engine.PlaceBet(2, "bob", 5000, 0); !errors.Is(resp.Err, ErrBetTooLarge) {
		t.Errorf("large bet err = %v, want ErrBetTooLarge", resp.Err)
	}
	if resp := engine.PlaceBet(2, "bob", 10, 1.0); !errors.Is(resp.Err, ErrInvalidTarget) {
		t.Errorf("bad target err = %v, want ErrInvalidTarget", resp.Err)
	}

	waitPhase(t, engine, PhasePlaying)
	if resp := engine.PlaceBet(2, "bob", 10, 0); !errors.Is(resp.Err, ErrBettingClosed) {
		t.Errorf("bet while playing err = %v, want ErrBettingClosed", resp.Err)
	}
	if b, _ := store.Balance(context.Background(), 2); b != 100 {
		t.Errorf("rejected bets moved user 2 balance to %d", b)
	}
}

func TestEngineCashout(t *testing.T) {
	store := newMemStore()
	store.fund(1, 100)
	store.fund(2, 100)
	engine, _ := newTestEngine(t, store, 100.0)

	waitPhase(t, engine, PhaseBetting)
	bet := engine.PlaceBet(1, "alice", 10, 0)
	if bet.Err != nil {
		t.Fatalf("PlaceBet failed: %v", bet.Err)
	}

	if resp := engine.Cashout(1); !errors.Is(resp.Err, ErrRoundNotRunning) {
		t.Errorf("cashout while betting err = %v, want ErrRoundNotRunning", resp.Err)
	}

	waitPhase(t, engine, PhasePlaying)

	resp := engine.Cashout(1)
	if resp.Err != nil {
		t.Fatalf("Cashout failed: %v", resp.Err)
	}
	if resp.Multiplier < MinMultiplier {
		t.Errorf("cashout multiplier = %v, below %v", resp.Multiplier, MinMultiplier)
	}
	if want := Payout(10, resp.Multiplier); resp.Payout != want {
		t.Errorf("payout = %d, want %d at %.2fx", resp.Payout, want, resp.Multiplier)
	}
	if resp.NewBalance != 90+resp.Payout {
		t.Errorf("balance = %d, want %d", resp.NewBalance, 90+resp.Payout)
	}

	if resp := engine.Cashout(1); !errors.Is(resp.Err, ErrAlreadyCashedOut) {
		t.Errorf("second cashout err = %v, want ErrAlreadyCashedOut", resp.Err)
	}
	if resp := engine.Cashout(2); !errors.Is(resp.Err, ErrNoActiveBet) {
		t.Errorf("cashout without bet err = %v, want ErrNoActiveBet", resp.Err)
	}

	state := engine.SnapshotFor(1)
	if state.CurrentUserBet == nil || !state.CurrentUserBet.CashedOut {
		t.Errorf("SnapshotFor(1).CurrentUserBet = %+v, want cashed out", state.CurrentUserBet)
	}
	if engine.Snapshot().CurrentUserBet != nil {
		t.Error("anonymous snapshot leaked a user bet")
	}
}

func TestEngineCrashSettlesLosses(t *testing.T) {
	store := newMemStore()
	store.fund(1, 100)
	engine, rec := newTestEngine(t, store, 1.05)

	waitPhase(t, engine, PhaseBetting)
	bet := engine.PlaceBet(1, "alice", 10, 0)
	if bet.Err != nil {
		t.Fatalf("PlaceBet failed: %v", bet.Err)
	}

	waitFor(t, "round completion", func() bool {
		return rec.typesSeen()["round_completed"] > 0
	})

	if resp := engine.Cashout(1); resp.Err == nil {
		t.Error("cashout after the crash succeeded")
	}

	stored := store.bet(bet.RoundNumber, 1)
	if stored == nil || stored.status != BetCrashed || stored.payout != 0 {
		t.Errorf("stored bet = %+v, want crashed with zero payout", stored)
	}
	if b, _ := store.Balance(context.Background(), 1); b != 90 {
		t.Errorf("balance = %d, want 90 (stake lost)", b)
	}

	store.mu.Lock()
	status := store.rounds[bet.RoundNumber].status
	store.mu.Unlock()
	if status != "completed" {
		t.Errorf("round status = %s, want completed", status)
	}
}

func TestEngineAutoCashoutLocksTarget(t *testing.T) {
	store := newMemStore()
	store.fund(1, 500)
	engine, rec := newTestEngine(t, store, 100.0)

	waitPhase(t, engine, PhaseBetting)
	bet := engine.PlaceBet(1, "alice", 100, 1.05)
	if bet.Err != nil {
		t.Fatalf("PlaceBet failed: %v", bet.Err)
	}

	waitFor(t, "auto cashout to fire", func() bool {
		stored := store.bet(bet.RoundNumber, 1)
		return stored != nil && stored.status == BetCashedOut
	})

	// The payout is locked at the target, not at whatever the tick's live
	// multiplier happened to be when the target was crossed.
	stored := store.bet(bet.RoundNumber, 1)
	if stored.multiplier != 1.05 {
		t.Errorf("settled multiplier = %v, want the 1.05 target", stored.multiplier)
	}
	if want := Payout(100, 1.05); stored.payout != want {
		t.Errorf("payout = %d, want %d", stored.payout, want)
	}

	waitFor(t, "game_action_success notification", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, m := range rec.direct[1] {
			if m["type"] == "game_action_success" {
				return true
			}
		}
		return false
	})
}

func TestEngineSetAutoCashoutMidRound(t *testing.T) {
	store := newMemStore()
	store.fund(1, 100)
	engine, _ := newTestEngine(t, store, 100.0)

	waitPhase(t, engine, PhaseBetting)
	bet := engine.PlaceBet(1, "alice", 10, 0)
	if bet.Err != nil {
		t.Fatalf("PlaceBet failed: %v", bet.Err)
	}

	waitPhase(t, engine, PhasePlaying)
	if resp := engine.SetAutoCashout(1, 1.0); !errors.Is(resp.Err, ErrInvalidTarget) {
		t.Errorf("target 1.0 err = %v, want ErrInvalidTarget", resp.Err)
	}
	if resp := engine.SetAutoCashout(2, 1.5); !errors.Is(resp.Err, ErrNoActiveBet) {
		t.Errorf("no-bet target err = %v, want ErrNoActiveBet", resp.Err)
	}

	resp := engine.SetAutoCashout(1, 1.03)
	if resp.Err != nil {
		t.Fatalf("SetAutoCashout failed: %v", resp.Err)
	}
	if resp.Target != 1.03 {
		t.Errorf("target = %v, want 1.03", resp.Target)
	}

	waitFor(t, "auto cashout to fire", func() bool {
		stored := store.bet(bet.RoundNumber, 1)
		return stored != nil && stored.status == BetCashedOut
	})
	if stored := store.bet(bet.RoundNumber, 1); stored.multiplier != 1.03 {
		t.Errorf("settled multiplier = %v, want 1.03", stored.multiplier)
	}
}

// stallingCache sleeps on every write, standing in for a redis that has gone
// slow.
type stallingCache struct {
	delay time.Duration

	mu     sync.Mutex
	writes int
}

func (c *stallingCache) SaveSnapshot(context.Context, *State) error {
	time.Sleep(c.delay)
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return nil
}

func (c *stallingCache) PushRound(context.Context, RoundSummary, int) error {
	return nil
}

func (c *stallingCache) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

func TestEngineTicksDespiteSlowCache(t *testing.T) {
	store := newMemStore()
	rec := newRecorder()
	cache := &stallingCache{delay: 50 * time.Millisecond}
	engine := NewEngine(testGameConfig(), store, NewLedger(store), rec, cache)
	engine.newOutcome = fixedOutcome(100.0)
	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("engine start failed: %v", err)
	}
	t.Cleanup(engine.Stop)

	waitPhase(t, engine, PhasePlaying)

	before := rec.typesSeen()["crash_state_update"]
	time.Sleep(500 * time.Millisecond)
	broadcasts := rec.typesSeen()["crash_state_update"] - before

	// A 2ms tick gives ~250 playing broadcasts in 500ms. A loop stalled by
	// the 50ms cache writes would manage about 10.
	if broadcasts < 100 {
		t.Errorf("only %d state broadcasts in 500ms; tick loop is blocking on cache writes", broadcasts)
	}
	if cache.writeCount() == 0 {
		t.Error("cache never received a snapshot")
	}
}

func TestEngineHistoryAfterRound(t *testing.T) {
	store := newMemStore()
	engine, rec := newTestEngine(t, store, 1.05)

	waitFor(t, "round completion", func() bool {
		return rec.typesSeen()["round_completed"] > 0
	})

	waitFor(t, "history entry", func() bool {
		rounds := engine.Snapshot().LastRounds
		return len(rounds) > 0 && rounds[len(rounds)-1].Multiplier == 1.05
	})
}
