package config

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Store publishes the active configuration to all components. Readers
// always see a complete config; reload swaps the whole value atomically
// so in-flight executions pick up new thresholds on their next
// evaluation cycle rather than mid-step.
type Store struct {
	path    string
	current atomic.Pointer[Config]
}

// NewStore creates a store seeded with cfg. path is remembered for reloads.
func NewStore(path string, cfg *Config) *Store {
	s := &Store{path: path}
	s.current.Store(cfg)
	return s
}

// Get returns the currently active configuration.
func (s *Store) Get() *Config {
	return s.current.Load()
}

// Reload re-reads the config file and swaps it in if it validates.
// A failing reload keeps the previous config active.
func (s *Store) Reload() error {
	cfg, err := Load(s.path)
	if err != nil {
		return err
	}
	s.current.Store(cfg)
	log.Info().Str("path", s.path).Msg("configuration reloaded")
	return nil
}

// WatchSIGHUP reloads on SIGHUP until stop is closed.
func (s *Store) WatchSIGHUP(stop <-chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ch:
				if err := s.Reload(); err != nil {
					log.Error().Err(err).Msg("config reload failed, keeping previous")
				}
			case <-stop:
				return
			}
		}
	}()
}
