// Command auctiond runs the NFT auction marketplace. It loads configuration,
// validates it, sets up signal handling and starts the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/nftauction/internal/app"
	"github.com/alanyoungcy/nftauction/internal/config"
	"github.com/alanyoungcy/nftauction/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file (empty to use defaults and env only)")
	encryptOut := flag.String("encrypt-key", "", "encrypt AUCTIOND_OPERATOR_PRIVATE_KEY with AUCTIOND_OPERATOR_KEY_PASSWORD into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *encryptOut != "" {
		escrow, err := encryptKey(*encryptOut)
		if err != nil {
			logger.Error("encrypt key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("operator key encrypted",
			slog.String("path", *encryptOut),
			slog.String("escrow", escrow),
		)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("auctiond starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			application.Close()
			os.Exit(1)
		}
	}

	logger.Info("auctiond stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// encryptKey writes the key file and returns the escrow address it controls.
func encryptKey(path string) (string, error) {
	blob, err := crypto.EncryptKey(os.Getenv("AUCTIOND_OPERATOR_PRIVATE_KEY"), os.Getenv("AUCTIOND_OPERATOR_KEY_PASSWORD"))
	if err != nil {
		return "", err
	}
	addr, err := crypto.KeyFileAddress(blob)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	return addr.Hex(), nil
}
