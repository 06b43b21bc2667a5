package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"DuchyMill/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	duchy, err := NewDuchy(cfg)
	if err != nil {
		return fmt.Errorf("create duchy:\n%w", err)
	}

	printStartupInfo(cfg)

	return duchy.Run()
}

// printStartupInfo displays the duchy configuration at startup.
func printStartupInfo(cfg *Config) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting duchy mill",
		"duchy", cfg.DuchyID,
		"pubkey", hex.EncodeToString(pubKey),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"peers", cfg.Peers.IDs(),
		"protocols", cfg.Protocols,
		"workers", cfg.Workers,
		"sync_writes", cfg.SyncWrites,
	)
}
