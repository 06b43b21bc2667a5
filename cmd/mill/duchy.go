package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"DuchyMill/internal/advance"
	"DuchyMill/internal/api"
	"DuchyMill/internal/attest"
	"DuchyMill/internal/blob"
	"DuchyMill/internal/cryptovm"
	"DuchyMill/internal/herald"
	"DuchyMill/internal/janitor"
	"DuchyMill/internal/kingdom"
	"DuchyMill/internal/logger"
	"DuchyMill/internal/mill"
	"DuchyMill/internal/network"
	"DuchyMill/internal/protocol"
	"DuchyMill/internal/storage"
	"DuchyMill/internal/store"
)

// Duchy is a running duchy: storage, peer transport, admin API and mills.
type Duchy struct {
	cfg      *Config
	registry protocol.Registry
	storage  *storage.Storage
	store    *store.Store
	blobs    *blob.Store
	pool     *cryptovm.Pool
	crypto   cryptovm.Executor
	network  *network.Node
	api      *api.Server
	janitor  *janitor.Janitor
	mills    []*mill.Mill
}

// NewDuchy creates and wires every component of the duchy.
func NewDuchy(cfg *Config) (*Duchy, error) {
	d := &Duchy{cfg: cfg, registry: protocol.DefaultRegistry()}

	if err := d.initStorage(); err != nil {
		return nil, err
	}

	if err := d.initCrypto(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.initNetwork(); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.initMills(); err != nil {
		d.Close()
		return nil, err
	}

	d.initAPI()

	if cfg.Retention > 0 {
		d.janitor = janitor.New(janitor.Config{Store: d.store, Blobs: d.blobs, Retention: cfg.Retention})
	}

	return d, nil
}

// initStorage opens Pebble and the stores over it.
func (d *Duchy) initStorage() error {
	if err := os.MkdirAll(d.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(d.cfg.DataPath+"/db", d.cfg.storageOptions()...)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	logger.Debug("storage opened", "path", d.cfg.DataPath+"/db", "sync_writes", db.SyncWrites())

	d.storage = db
	d.store = store.New(db, d.registry)

	blobs, err := blob.New(db)
	if err != nil {
		return fmt.Errorf("init blob store:\n%w", err)
	}

	d.blobs = blobs

	return nil
}

// initCrypto loads the WASM crypto modules. Operations without a module run
// the reference stand-ins when enabled, otherwise startup fails.
func (d *Duchy) initCrypto() error {
	ctx := context.Background()

	pool, err := cryptovm.New(ctx, d.cfg.GasLimit)
	if err != nil {
		return fmt.Errorf("init crypto:\n%w", err)
	}

	d.pool = pool

	loaded, err := pool.LoadDir(ctx, d.cfg.CryptoDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load crypto modules:\n%w", err)
	}

	var missing []string
	for _, p := range d.cfg.Protocols {
		table, err := d.registry.Get(p)
		if err != nil {
			return err
		}

		for _, op := range table.Operations() {
			if !pool.Has(op) {
				missing = append(missing, op)
			}
		}
	}

	if len(missing) > 0 && !d.cfg.ReferenceCrypto {
		return fmt.Errorf("no crypto module for %v in %s (use --reference-crypto for stand-ins)", missing, d.cfg.CryptoDir)
	}

	if len(missing) > 0 {
		logger.Warn("running reference crypto stand-ins", "ops", missing)
	}

	logger.Info("crypto modules loaded", "count", len(loaded), "dir", d.cfg.CryptoDir)

	d.crypto = cryptovm.Chain{pool, cryptovm.Reference(missing...)}

	return nil
}

// initNetwork creates the QUIC node and routes inbound transfers to the
// advance service.
func (d *Duchy) initNetwork() error {
	node, err := network.NewNode(network.Config{
		DuchyID:    d.cfg.DuchyID,
		PrivateKey: d.cfg.PrivateKey,
		ListenAddr: d.cfg.QUICAddress,
		Directory:  d.cfg.Peers,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	svc := advance.NewService(advance.ServiceConfig{
		Store:      d.store,
		Blobs:      d.blobs,
		Registry:   d.registry,
		MaxPayload: d.cfg.MaxPayload,
	})

	node.OnStream(svc.HandleStream)
	d.network = node

	return nil
}

// initMills creates the configured number of mills per protocol.
func (d *Duchy) initMills() error {
	attester, err := attest.DeriveFromED25519(d.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("derive result key:\n%w", err)
	}

	var reporter kingdom.Reporter = kingdom.LogReporter{}
	if d.cfg.KingdomURL != "" {
		reporter = kingdom.NewHTTPReporter(d.cfg.KingdomURL)
	}

	sender := advance.NewClient(d.network, d.cfg.DuchyID, d.cfg.ChunkSize)

	for _, p := range d.cfg.Protocols {
		for i := range d.cfg.Workers {
			m, err := mill.New(mill.Config{
				Owner:        millOwner(d.cfg.DuchyID, p.String(), i),
				Protocol:     p,
				Store:        d.store,
				Blobs:        d.blobs,
				Crypto:       d.crypto,
				Sender:       sender,
				Reporter:     reporter,
				Registry:     d.registry,
				Attester:     attester,
				PollInterval: d.cfg.PollInterval,
			})
			if err != nil {
				return fmt.Errorf("create mill:\n%w", err)
			}

			d.mills = append(d.mills, m)
		}
	}

	return nil
}

// initAPI creates the admin API server.
func (d *Duchy) initAPI() {
	d.api = api.New(api.Config{
		Addr:         d.cfg.HTTPAddress,
		Duchy:        d.cfg.DuchyID,
		Starter:      herald.New(d.cfg.DuchyID, d.store, d.blobs, d.registry),
		Computations: d.store,
		Blobs:        d.blobs,
		Registry:     d.registry,
		Protocols:    d.cfg.Protocols,
	})
}

// millOwner returns a claim owner unique to this process.
func millOwner(duchy, protocol string, n int) string {
	var suffix [4]byte
	rand.Read(suffix[:])

	return fmt.Sprintf("%s-mill-%s-%d-%s", duchy, protocol, n, hex.EncodeToString(suffix[:]))
}

// Run starts the duchy and blocks until a shutdown signal.
func (d *Duchy) Run() error {
	released, err := d.store.ReleaseClaims(context.Background())
	if err != nil {
		return fmt.Errorf("release stale claims:\n%w", err)
	}

	if released > 0 {
		logger.Info("released stale claims", "count", released)
	}

	if err := d.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	if err := d.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	for _, m := range d.mills {
		m.Start()
	}

	if d.janitor != nil {
		d.janitor.Start()
	}

	logger.Info("duchy running", "mills", len(d.mills))

	return d.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the duchy.
func (d *Duchy) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return d.Close()
}

// Close shuts down all components. Mills finish their current stage first.
func (d *Duchy) Close() error {
	if d.api != nil {
		d.api.Stop()
	}

	if d.janitor != nil {
		d.janitor.Stop()
	}

	for _, m := range d.mills {
		m.Stop()
	}

	if d.network != nil {
		d.network.Close()
	}

	if d.pool != nil {
		d.pool.Close(context.Background())
	}

	if d.blobs != nil {
		d.blobs.Close()
	}

	if d.storage != nil {
		return d.storage.Close()
	}

	return nil
}
