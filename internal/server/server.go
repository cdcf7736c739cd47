package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"crashd/internal/auth"
	"crashd/internal/cache"
	"crashd/internal/config"
	"crashd/internal/database"
	"crashd/internal/game"
)

// FiberServer glues the transport to the game core: one fiber app, one
// connection hub, and a registry of round engines keyed by gamemode.
type FiberServer struct {
	*fiber.App

	cfg      *config.Config
	db       database.Service
	store    *database.Store
	cache    cache.Service
	rounds   *cache.RoundCache
	sessions *auth.SessionStore
	hub      *game.Hub
	ledger   *game.Ledger
	registry *game.Registry
}

func New(cfg *config.Config) *FiberServer {
	db := database.New()

	redisService := cache.New()
	if redisService == nil {
		logrus.Fatal("redis is required for sessions and game state")
	}

	store := database.NewStore(db)
	ledger := game.NewLedger(store)
	hub := game.NewHub(cfg.Game)
	rounds := cache.NewRoundCache(redisService)

	engine := game.NewEngine(cfg.Game, store, ledger, hub.Room("crash"), rounds)
	registry := game.NewRegistry()
	registry.Register("crash", engine)

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashd",
			AppName:       "crashd",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		cfg:      cfg,
		db:       db,
		store:    store,
		cache:    redisService,
		rounds:   rounds,
		sessions: auth.NewSessionStore(redisService.GetClient(), cfg.Game.SessionTTL),
		hub:      hub,
		ledger:   ledger,
		registry: registry,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
	}))

	if err := registry.StartAll(context.Background()); err != nil {
		logrus.WithError(err).Fatal("failed to start game engines")
	}

	return server
}

// Shutdown stops the engines and closes external connections.
func (s *FiberServer) Shutdown() error {
	logrus.Info("shutting down")

	s.registry.StopAll()

	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	return nil
}
