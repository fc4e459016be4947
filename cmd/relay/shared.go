package main

import (
	"fmt"
	"log/slog"
	"os"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/relay/internal/config"
	"github.com/jkaninda/relay/internal/llm"
	"github.com/jkaninda/relay/internal/llm/openai"
	"github.com/jkaninda/relay/internal/storage"
)

// Flags shared by every command that reads the config file.
var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (or RELAY_CONFIG env)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// loadConfig resolves the config path from the flag or RELAY_CONFIG and loads it.
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("RELAY_CONFIG", configPath))
}

// openStorage ensures the data directory exists and opens the job store.
func openStorage(cfg *config.Config, logger *slog.Logger) (*storage.DB, error) {
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	db, err := storage.Open(cfg.StorageConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", db.Driver()))
	return db, nil
}

// newLLMProvider builds the OpenAI-compatible provider chain. It returns nil
// when no provider is configured, in which case the agent echoes.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	var providers []llm.Provider
	if p := cfg.Providers.OpenAI; p != nil && p.APIKey != "" {
		providers = append(providers, buildProvider(*p, logger))
	}
	for _, fb := range cfg.Providers.Fallbacks {
		providers = append(providers, buildProvider(fb, logger))
	}

	switch len(providers) {
	case 0:
		return nil, nil
	case 1:
		return providers[0], nil
	default:
		fp, err := llm.NewFallbackProvider(providers, logger)
		if err != nil {
			return nil, fmt.Errorf("building provider chain: %w", err)
		}
		return fp, nil
	}
}

func buildProvider(pc config.OpenAIConfig, logger *slog.Logger) llm.Provider {
	var opts []openai.Option
	if pc.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(pc.BaseURL))
	}
	if pc.Name != "" {
		opts = append(opts, openai.WithName(pc.Name))
	}
	return openai.NewClient(pc.APIKey, pc.Model, logger, opts...)
}
