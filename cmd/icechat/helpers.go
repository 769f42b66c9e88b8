package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	icechat "github.com/abukar-mutaliev/iceberg-chat-go"
)

// newLogger builds the CLI logger; --verbose raises it to debug.
func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

// getClient creates a message API client from the stored config.
func getClient(cfg *Config) *icechat.Client {
	var opts []icechat.ClientOption
	if cfg.Auth.Token != "" {
		opts = append(opts, icechat.WithToken(cfg.Auth.Token))
	}
	return icechat.NewClient(cfg.Default.BaseURL, opts...)
}

// getEngine wires a started engine from the stored config. The caller
// must Stop it.
func getEngine() (*icechat.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no auth token; run 'icechat init <token>' first")
	}

	log := newLogger()

	cachePath := cfg.Default.CachePath
	if cachePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		cachePath = filepath.Join(dir, "cache.db")
	}

	opts := []icechat.EngineOption{
		icechat.WithLogger(log),
		icechat.WithSenderID(cfg.Auth.UserID),
	}
	cache, err := icechat.OpenSQLiteCache(cachePath)
	if err != nil {
		// Persistence is best-effort; fall back to memory.
		log.Warn().Err(err).Msg("cache unavailable, running in-memory")
	} else {
		opts = append(opts, icechat.WithCache(cache))
	}

	engine := icechat.NewEngine(getClient(cfg), opts...)
	engine.Start()
	return engine, nil
}
