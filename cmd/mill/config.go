package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/peers"
	"DuchyMill/internal/storage"
	"DuchyMill/internal/transfer"
)

// Config holds the duchy configuration.
type Config struct {
	// DuchyID is this duchy's ID in computation participant lists.
	DuchyID string

	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the admin API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC listen address for peer transfers.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the duchy's Ed25519 identity key.
	PrivateKey ed25519.PrivateKey

	// Peers is the directory of duchies, "id=pubkeyhex@host:port,...".
	Peers *peers.Directory

	// Protocols lists the protocols this duchy runs mills for.
	Protocols []computation.Protocol

	// Workers is the number of mills per protocol.
	Workers int

	// PollInterval is the minimum time between claims of one mill.
	PollInterval time.Duration

	// ChunkSize is the payload chunk size of outbound transfers.
	ChunkSize int

	// MaxPayload bounds an inbound transfer in bytes.
	MaxPayload uint64

	// SyncWrites makes every store mutation durable before it is acknowledged.
	SyncWrites bool

	// CacheSize is the Pebble block cache size in bytes.
	CacheSize int64

	// CryptoDir holds <operation>.wasm modules.
	CryptoDir string

	// ReferenceCrypto fills operations without a module with reference stand-ins.
	ReferenceCrypto bool

	// GasLimit caps the gas of one crypto call, 0 for unlimited.
	GasLimit uint64

	// Retention is how long ended computations are kept, 0 keeps them.
	Retention time.Duration

	// KingdomURL is the kingdom base URL; empty logs reports instead.
	KingdomURL string

	// LogLevel is the minimum level logged.
	LogLevel slog.Level
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}

	var peerList, protocols, logLevel string

	flag.StringVar(&cfg.DuchyID, "duchy", "", "Duchy ID (required)")
	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.HTTPAddress, "http", ":8080", "Admin HTTP API address")
	flag.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC peer transfer address")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	flag.StringVar(&peerList, "peers", "", "Duchy directory: id=pubkeyhex@host:port,...")
	flag.StringVar(&protocols, "protocols", "llv1,llv2", "Protocols to run mills for")
	flag.IntVar(&cfg.Workers, "workers", 2, "Mills per protocol")
	flag.DurationVar(&cfg.PollInterval, "poll", time.Second, "Minimum time between claims of one mill")
	flag.IntVar(&cfg.ChunkSize, "chunk-size", transfer.DefaultChunkSize, "Outbound transfer chunk size in bytes")
	flag.Uint64Var(&cfg.MaxPayload, "max-payload", 1<<30, "Maximum inbound transfer size in bytes")
	flag.BoolVar(&cfg.SyncWrites, "sync-writes", true, "Sync the WAL on every store write")
	flag.Int64Var(&cfg.CacheSize, "cache-size", 32<<20, "Pebble block cache size in bytes")
	flag.StringVar(&cfg.CryptoDir, "crypto-dir", "./crypto", "Directory of <operation>.wasm crypto modules")
	flag.BoolVar(&cfg.ReferenceCrypto, "reference-crypto", false, "Run reference stand-ins for operations without a module")
	flag.Uint64Var(&cfg.GasLimit, "gas-limit", 0, "Gas limit of one crypto call (0 = unlimited)")
	flag.DurationVar(&cfg.Retention, "retention", 7*24*time.Hour, "How long ended computations are kept (0 = forever)")
	flag.StringVar(&cfg.KingdomURL, "kingdom", "", "Kingdom base URL (empty = log reports)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	var err error

	if cfg.LogLevel, err = logger.ParseLevel(logLevel); err != nil {
		return nil, err
	}

	if cfg.Peers, err = peers.Parse(peerList); err != nil {
		return nil, fmt.Errorf("parse peers:\n%w", err)
	}

	if cfg.Protocols, err = parseProtocols(protocols); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the parsed configuration.
func (c *Config) validate() error {
	if c.DuchyID == "" {
		return fmt.Errorf("--duchy is required")
	}

	if c.Workers < 1 {
		return fmt.Errorf("--workers must be at least 1, got %d", c.Workers)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("--chunk-size must be positive, got %d", c.ChunkSize)
	}

	return nil
}

// parseProtocols parses a comma-separated protocol list.
func parseProtocols(s string) ([]computation.Protocol, error) {
	var list []computation.Protocol

	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		p, err := computation.ParseProtocol(name)
		if err != nil {
			return nil, err
		}

		list = append(list, p)
	}

	if len(list) == 0 {
		return nil, fmt.Errorf("--protocols is empty")
	}

	return list, nil
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

// storageOptions returns the Pebble options the configuration asks for.
func (c *Config) storageOptions() []storage.Option {
	var opts []storage.Option

	if c.SyncWrites {
		opts = append(opts, storage.WithSyncWrites())
	}

	if c.CacheSize > 0 {
		opts = append(opts, storage.WithCacheSize(c.CacheSize))
	}

	return opts
}
