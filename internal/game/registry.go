package game

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry maps gamemodes to their round engines. Only "crash" ships an
// engine today; other gamemodes still resolve to a room for chat and
// presence, they just have no authoritative state.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

func (r *Registry) Register(gamemode string, engine *Engine) {
	r.mu.Lock()
	r.engines[gamemode] = engine
	r.mu.Unlock()
}

func (r *Registry) Engine(gamemode string) (*Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engine, ok := r.engines[gamemode]
	return engine, ok
}

func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for gamemode, engine := range r.engines {
		if err := engine.Start(ctx); err != nil {
			return err
		}
		logrus.WithField("gamemode", gamemode).Info("engine started")
	}
	return nil
}

func (r *Registry) StopAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for gamemode, engine := range r.engines {
		engine.Stop()
		logrus.WithField("gamemode", gamemode).Info("engine stopped")
	}
}
