package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"VouchVault/internal/ledger"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// LogLevel is the minimum log level (debug, info, warn, error).
	LogLevel string

	// Bootstrap indicates this node founds a new trust network.
	Bootstrap bool

	// Founders is a comma-separated list of hex founder identities.
	// The node's own identity is always included.
	Founders string

	// VouchThreshold is the minimum valid vouches per member.
	VouchThreshold int

	// StrictBridges rejects vouches between two bridge peers.
	StrictBridges bool

	// ReplicaFactor is how many holders store each chunk.
	ReplicaFactor int

	// ChunkSize is the chunk split size in bytes.
	ChunkSize int

	// PersistInterval is how often the keeper checks for a new epoch
	// to distribute.
	PersistInterval time.Duration

	// Recover pulls this node's chunks back from their holders on
	// startup and merges the recovered snapshot into the local ledger.
	Recover bool

	// PoWDifficulty is the registration proof-of-work difficulty.
	PoWDifficulty uint

	// MinPeerAge is how long a peer must be registered before it may
	// hold chunks.
	MinPeerAge time.Duration
}

// parseFlags parses command-line flags into Config.
func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Minimum log level (debug, info, warn, error)")
	flag.BoolVar(&cfg.Bootstrap, "bootstrap", false, "Bootstrap mode (found a new trust network)")
	flag.StringVar(&cfg.Founders, "founders", "", "Comma-separated hex founder identities")
	flag.IntVar(&cfg.VouchThreshold, "vouch-threshold", 2, "Minimum valid vouches per member")
	flag.BoolVar(&cfg.StrictBridges, "strict-bridges", false, "Reject vouches between two bridge peers")
	flag.IntVar(&cfg.ReplicaFactor, "replicas", 3, "Holders per chunk")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", 64*1024, "Chunk size in bytes")
	flag.DurationVar(&cfg.PersistInterval, "persist-interval", 30*time.Second, "How often to check for a new snapshot to persist")
	flag.BoolVar(&cfg.Recover, "recover", false, "Recover the snapshot from peer holders on startup")
	flag.UintVar(&cfg.PoWDifficulty, "pow-difficulty", 12, "Registration proof-of-work difficulty in bits")
	flag.DurationVar(&cfg.MinPeerAge, "min-peer-age", 24*time.Hour, "Minimum registration age before holding chunks")
	flag.Parse()

	return cfg
}

// parseFounders decodes the configured founder identity list.
func (cfg *Config) parseFounders() ([]ledger.Identity, error) {
	var founders []ledger.Identity

	for _, s := range strings.Split(cfg.Founders, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}

		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("invalid founder identity %q", s)
		}

		var id ledger.Identity
		copy(id[:], raw)
		founders = append(founders, id)
	}

	return founders, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
