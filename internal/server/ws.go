package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"

	"crashd/internal/auth"
	"crashd/internal/game"
)

// clientMessage is the envelope for everything a client sends. Fields are a
// union across message types; Type discriminates.
type clientMessage struct {
	Type             string  `json:"type"`
	Gamemode         string  `json:"gamemode"`
	Token            string  `json:"token"`
	Amount           int64   `json:"amount"`
	GameID           string  `json:"gameId"`
	Action           string  `json:"action"`
	TargetMultiplier float64 `json:"targetMultiplier"`
	AutoCashout      float64 `json:"auto_cashout"`
	Message          string  `json:"message"`
	Timestamp        int64   `json:"timestamp"`
}

// gameWebSocketHandler owns one connection: register with the hub, loop over
// inbound messages, and guarantee leave semantics when the transport closes
// for any reason.
func (s *FiberServer) gameWebSocketHandler(ws *websocket.Conn) {
	conn := s.hub.Register(ws)
	defer s.hub.Unregister(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.Send(map[string]interface{}{
				"type":    "error",
				"message": "Invalid message format",
			})
			continue
		}
		s.dispatch(conn, &msg)
	}
}

func (s *FiberServer) dispatch(conn *game.Conn, msg *clientMessage) {
	switch msg.Type {
	case "join_game":
		s.handleJoin(conn, msg)
	case "leave_game":
		s.hub.Leave(conn)
	case "place_bet":
		s.handlePlaceBet(conn, msg)
	case "game_action":
		s.handleGameAction(conn, msg)
	case "request_game_state":
		s.handleRequestState(conn, msg)
	case "chat_message":
		s.handleChat(conn, msg)
	case "ping":
		conn.Send(map[string]interface{}{
			"type":      "pong",
			"timestamp": msg.Timestamp,
		})
	default:
		conn.Send(map[string]interface{}{
			"type":    "error",
			"message": "Unknown message type: " + msg.Type,
		})
	}
}

// handleJoin authenticates the token and attaches the connection to the
// requested room. Re-joins are no-ops: the server treats join_game as
// authoritative and idempotent instead of trusting client-side dedup.
func (s *FiberServer) handleJoin(conn *game.Conn, msg *clientMessage) {
	if msg.Gamemode == "" {
		conn.Send(map[string]interface{}{"type": "error", "message": "Gamemode is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	sess, err := s.sessions.Verify(ctx, msg.Token)
	cancel()
	if errors.Is(err, auth.ErrInvalidToken) {
		conn.Send(map[string]interface{}{"type": "error", "message": "Authentication failed"})
		return
	}
	if err != nil {
		logrus.WithError(err).Error("session verification failed")
		conn.Send(map[string]interface{}{"type": "error", "message": "Authentication unavailable"})
		return
	}

	conn.UserID = sess.UserID
	conn.Username = sess.Username
	s.hub.Join(conn, msg.Gamemode)

	conn.Send(map[string]interface{}{"type": "joined_game"})

	// Push a snapshot right away so the client does not have to wait for
	// its own request_game_state round-trip.
	if engine, ok := s.registry.Engine(msg.Gamemode); ok {
		conn.Send(stateMessage(msg.Gamemode, engine.SnapshotFor(conn.UserID)))
	}
}

// stateMessage wraps a snapshot for the wire. The client filters snapshots by
// gamemode and drops any without one, so the field is mandatory.
func stateMessage(gamemode string, state game.State) map[string]interface{} {
	return map[string]interface{}{
		"type":     "game_state_update",
		"gamemode": gamemode,
		"state":    state,
	}
}

func (s *FiberServer) handlePlaceBet(conn *game.Conn, msg *clientMessage) {
	engine, ok := s.engineFor(conn)
	if !ok {
		conn.Send(map[string]interface{}{"type": "bet_failed", "message": "Join a game first"})
		return
	}

	resp := engine.PlaceBet(conn.UserID, conn.Username, msg.Amount, msg.AutoCashout)
	if resp.Err != nil {
		conn.Send(map[string]interface{}{
			"type":    "bet_failed",
			"message": rejectionMessage(resp.Err),
		})
		return
	}
	conn.Send(map[string]interface{}{
		"type":       "bet_confirmed",
		"betAmount":  resp.BetAmount,
		"newBalance": resp.NewBalance,
		"gameId":     "crash",
	})
}

func (s *FiberServer) handleGameAction(conn *game.Conn, msg *clientMessage) {
	engine, ok := s.engineFor(conn)
	if !ok {
		conn.Send(map[string]interface{}{
			"type": "game_action_failed", "action": msg.Action, "message": "Join a game first",
		})
		return
	}

	switch msg.Action {
	case "cashout":
		resp := engine.Cashout(conn.UserID)
		if resp.Err != nil {
			conn.Send(map[string]interface{}{
				"type": "game_action_failed", "action": "cashout",
				"message": rejectionMessage(resp.Err),
			})
			return
		}
		conn.Send(map[string]interface{}{
			"type":   "game_action_success",
			"action": "cashout",
			"result": map[string]interface{}{
				"cashoutMultiplier": resp.Multiplier,
				"cashoutAmount":     resp.Payout,
				"newBalance":        resp.NewBalance,
				"gameId":            resp.GameID,
			},
		})

	case "auto_cashout":
		resp := engine.SetAutoCashout(conn.UserID, msg.TargetMultiplier)
		if resp.Err != nil {
			conn.Send(map[string]interface{}{
				"type": "game_action_failed", "action": "auto_cashout",
				"message": rejectionMessage(resp.Err),
			})
			return
		}
		conn.Send(map[string]interface{}{
			"type":   "game_action_success",
			"action": "auto_cashout",
			"result": map[string]interface{}{
				"target_multiplier": resp.Target,
			},
		})

	default:
		conn.Send(map[string]interface{}{
			"type": "game_action_failed", "action": msg.Action, "message": "Unknown action",
		})
	}
}

func (s *FiberServer) handleRequestState(conn *game.Conn, msg *clientMessage) {
	gamemode := msg.Gamemode
	if gamemode == "" {
		if room := s.hub.CurrentRoom(conn); room != nil {
			gamemode = room.Name
		}
	}
	engine, ok := s.registry.Engine(gamemode)
	if !ok {
		conn.Send(map[string]interface{}{"type": "error", "message": "Unknown gamemode"})
		return
	}
	conn.Send(stateMessage(gamemode, engine.SnapshotFor(conn.UserID)))
}

// handleChat relays a chat line to the sender's room. No history is kept;
// chat is a courtesy of the transport, not part of the game core.
func (s *FiberServer) handleChat(conn *game.Conn, msg *clientMessage) {
	if conn.UserID == 0 {
		conn.Send(map[string]interface{}{"type": "error", "message": "Join a game first"})
		return
	}
	room := s.hub.CurrentRoom(conn)
	if room == nil {
		return
	}
	room.Broadcast(map[string]interface{}{
		"type":     "chat_message",
		"message":  msg.Message,
		"username": conn.Username,
		"gamemode": room.Name,
	})
}

// engineFor resolves the engine of the room the connection currently sits
// in, requiring an authenticated join first.
func (s *FiberServer) engineFor(conn *game.Conn) (*game.Engine, bool) {
	if conn.UserID == 0 {
		return nil, false
	}
	room := s.hub.CurrentRoom(conn)
	if room == nil {
		return nil, false
	}
	return s.registry.Engine(room.Name)
}

// rejectionMessage keeps the wire text human-readable for validation errors
// while hiding internals of unexpected failures.
func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, game.ErrBettingClosed),
		errors.Is(err, game.ErrRoundNotRunning),
		errors.Is(err, game.ErrBetTooSmall),
		errors.Is(err, game.ErrBetTooLarge),
		errors.Is(err, game.ErrInvalidAmount),
		errors.Is(err, game.ErrInsufficientBalance),
		errors.Is(err, game.ErrDuplicateBet),
		errors.Is(err, game.ErrNoActiveBet),
		errors.Is(err, game.ErrAlreadyCashedOut),
		errors.Is(err, game.ErrInvalidTarget):
		return err.Error()
	default:
		logrus.WithError(err).Error("game operation failed")
		return "Operation failed, please try again"
	}
}
