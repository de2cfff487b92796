package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"ytharvest/internal/config"
	"ytharvest/internal/logging"
	"ytharvest/internal/storage"
	"ytharvest/internal/youtube"
)

// apiFactory builds the provider client. Tests swap it for a fake.
type apiFactory func(ctx context.Context, apiKey string, client *http.Client) (youtube.API, error)

type commandContext struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string

	// logOutput defaults to stderr.
	logOutput io.Writer
	newAPI    apiFactory

	configOnce sync.Once
	config     *config.Config
	logger     *slog.Logger
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{
		logOutput: os.Stderr,
		newAPI: func(ctx context.Context, apiKey string, client *http.Client) (youtube.API, error) {
			return youtube.NewServiceAPI(ctx, apiKey, client)
		},
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(strings.TrimSpace(c.configPath), strings.TrimSpace(c.envFile))
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevel != "" {
			cfg.Logging.Level = c.logLevel
		}
		if c.logFormat != "" {
			cfg.Logging.Format = c.logFormat
		}
		logger, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: c.logOutput,
		})
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

// openStore opens and initializes the configured backend.
func (c *commandContext) openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	store, err := storage.Open(storage.Options{
		Type:   cfg.Storage.Type,
		Dir:    cfg.Storage.Path,
		DSN:    cfg.Storage.DatabaseURL,
		Logger: c.logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize %s storage: %w", cfg.Storage.Type, err)
	}
	return store, nil
}

// withStore runs fn against the configured store and closes it afterwards.
func (c *commandContext) withStore(ctx context.Context, fn func(*config.Config, storage.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := c.openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}
