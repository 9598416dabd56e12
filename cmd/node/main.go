package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"

	"VouchVault/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg := parseFlags()

	logger.Init(parseLogLevel(cfg.LogLevel))

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// parseLogLevel maps the flag value to a slog level, defaulting to info.
func parseLogLevel(s string) slog.Level {
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

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, node *Node) {
	logger.Info("starting VouchVault node",
		"identity", hex.EncodeToString(node.identity[:]),
		"data", cfg.DataPath,
		"bootstrap", cfg.Bootstrap,
		"replicas", cfg.ReplicaFactor,
		"chunk_size", cfg.ChunkSize,
	)

	if cfg.Bootstrap {
		logger.Info("founding new trust network",
			"vouch_threshold", cfg.VouchThreshold)
	}
}
