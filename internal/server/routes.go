package server

import (
	"errors"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"crashd/internal/game"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/crash/state", s.getGameStateHandler)
	api.Get("/crash/rounds", s.getLastRoundsHandler)
	api.Get("/crash/verify/:roundNumber", s.verifyRoundHandler)

	api.Get("/user/:userId/balance", s.getUserBalanceHandler)

	admin := api.Group("/admin", s.requireAdmin)
	admin.Post("/session", s.mintSessionHandler)
	admin.Post("/user/:userId/balance", s.adjustBalanceHandler)

	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"database": s.db.Health(),
		"cache":    s.cache.Health(),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.hub.ConnCount(),
		},
	})
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	if engine, ok := s.registry.Engine("crash"); ok {
		return c.JSON(engine.Snapshot())
	}
	// No local engine for this gamemode: serve the snapshot a peer instance
	// cached, if one is fresh enough to still be there.
	if state, err := s.rounds.Snapshot(c.Context()); err == nil && state != nil {
		return c.JSON(state)
	}
	return c.Status(404).JSON(fiber.Map{"error": "No active game round"})
}

func (s *FiberServer) getLastRoundsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", s.cfg.Game.HistoryLength)
	if limit <= 0 || limit > 100 {
		limit = s.cfg.Game.HistoryLength
	}

	// Cached history first; postgres only on a cold cache.
	if rounds, err := s.rounds.LastRounds(c.Context(), limit); err == nil && len(rounds) > 0 {
		return c.JSON(fiber.Map{"rounds": rounds})
	}

	rounds, err := s.store.LastRounds(c.Context(), limit)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to load round history"})
	}
	return c.JSON(fiber.Map{"rounds": rounds})
}

// verifyRoundHandler lets anyone recheck a completed round: commitment
// published at round start, seed revealed after the crash, and the multiplier
// recomputed from both.
func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	roundNumber, err := strconv.ParseInt(c.Params("roundNumber"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid round number"})
	}

	round, err := s.store.GetRound(c.Context(), roundNumber)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to load round"})
	}
	if round == nil {
		return c.Status(404).JSON(fiber.Map{"error": "Round not found"})
	}
	if round.Status != "completed" {
		return c.Status(409).JSON(fiber.Map{"error": "Round not completed yet"})
	}

	return c.JSON(fiber.Map{
		"roundNumber":     round.RoundNumber,
		"seedCommitment":  round.SeedCommitment,
		"revealedSeed":    round.RevealedSeed,
		"crashMultiplier": round.CrashMultiplier,
		"valid": game.Verify(
			round.RevealedSeed, round.RoundNumber, round.SeedCommitment, round.CrashMultiplier,
		),
	})
}

func (s *FiberServer) getUserBalanceHandler(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid user ID"})
	}
	balance, err := s.ledger.Balance(c.Context(), userID)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to read balance"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

// requireAdmin gates session minting and balance adjustments. With no
// ADMIN_TOKEN configured the check is skipped for local development.
func (s *FiberServer) requireAdmin(c *fiber.Ctx) error {
	if s.cfg.AdminToken != "" && c.Get("X-Admin-Token") != s.cfg.AdminToken {
		return c.Status(401).JSON(fiber.Map{"error": "Unauthorized"})
	}
	return c.Next()
}

// mintSessionHandler creates a user on first sight and issues a session
// token for the websocket join handshake.
func (s *FiberServer) mintSessionHandler(c *fiber.Ctx) error {
	var body struct {
		Username string `json:"username"`
	}
	if err := c.BodyParser(&body); err != nil || body.Username == "" {
		return c.Status(400).JSON(fiber.Map{"error": "Username is required"})
	}

	userID, err := s.store.EnsureUser(c.Context(), body.Username)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to create user"})
	}
	token, err := s.sessions.Mint(c.Context(), userID, body.Username)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to mint session"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "token": token})
}

func (s *FiberServer) adjustBalanceHandler(c *fiber.Ctx) error {
	userID, err := strconv.ParseInt(c.Params("userId"), 10, 64)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "Invalid user ID"})
	}

	var body struct {
		Amount      int64  `json:"amount"`
		Type        string `json:"type"`
		Description string `json:"description"`
	}
	if err := c.BodyParser(&body); err != nil || body.Amount == 0 {
		return c.Status(400).JSON(fiber.Map{"error": "Non-zero amount is required"})
	}

	txType := game.TransactionType(body.Type)
	switch txType {
	case game.TxDeposit, game.TxWithdrawal, game.TxBonus:
	case "":
		txType = game.TxDeposit
	default:
		return c.Status(400).JSON(fiber.Map{"error": "Invalid transaction type"})
	}

	newBalance, err := s.ledger.Adjust(c.Context(), userID, body.Amount, txType, body.Description)
	if errors.Is(err, game.ErrInsufficientBalance) {
		return c.Status(409).JSON(fiber.Map{"error": "Insufficient balance"})
	}
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": "Failed to adjust balance"})
	}
	return c.JSON(fiber.Map{"user_id": userID, "balance": newBalance})
}
