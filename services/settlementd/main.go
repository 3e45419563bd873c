// Command settlementd runs the custodial settlement backbone: the payment
// monitor, escrow settler, secure broadcaster, and the wallet-facing HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"chainpay/broadcast"
	"chainpay/chains"
	"chainpay/config"
	"chainpay/crypto"
	"chainpay/escrow"
	"chainpay/events"
	"chainpay/gateway/auth"
	"chainpay/gateway/middleware"
	"chainpay/observability/logging"
	"chainpay/payments"
	"chainpay/storage"
	"chainpay/wallet/hd"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	log := logging.Setup("settlementd", cfg.Environment, logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})

	if err := run(cfg, log); err != nil {
		log.Error("settlementd exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	store, err := storage.New(db)
	if err != nil {
		return err
	}

	seed, err := cfg.MasterSeed()
	if err != nil {
		return err
	}
	deriver, err := hd.New(seed)
	if err != nil {
		return err
	}
	cipherKey, err := cfg.CipherKey()
	if err != nil {
		return err
	}
	cipher, err := crypto.NewCipher(cipherKey)
	if err != nil {
		return err
	}
	jwtSecret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}

	registry, destinations, commission, err := buildChains(cfg.Chains, deriver)
	if err != nil {
		return err
	}

	broadcaster := broadcast.New(registry, broadcast.Options{
		MaxAttempts: cfg.Broadcast.MaxAttempts,
		BackoffBase: time.Duration(cfg.Broadcast.BackoffMillis) * time.Millisecond,
		CallTimeout: time.Duration(cfg.Broadcast.CallTimeoutSeconds) * time.Second,
	}, log)

	queue := events.NewQueue()
	forwarder := payments.NewForwarder(store, registry, cipher, payments.StaticDestinations(destinations), broadcaster, log)
	monitor := payments.NewMonitor(store, registry, forwarder, queue, payments.MonitorOptions{
		Interval:     time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
		BatchSize:    cfg.Monitor.BatchSize,
		ToleranceBps: cfg.Monitor.AmountTolerance,
	}, log)
	engine := escrow.NewEngine(store, registry, cipher, broadcaster, queue, commission, log)
	settler := escrow.NewSettler(engine, escrow.SettlerOptions{
		Interval:     time.Duration(cfg.Escrow.IntervalSeconds) * time.Second,
		BatchSize:    cfg.Escrow.BatchSize,
		ToleranceBps: cfg.Monitor.AmountTolerance,
	})

	authOpts := auth.Options{
		ReplayWindow:  time.Duration(cfg.Auth.ReplayWindowSeconds) * time.Second,
		TokenTTL:      time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
		NonceCapacity: cfg.Auth.NonceCapacity,
	}
	if cfg.Auth.NoncePath != "" {
		persistence, err := auth.NewLevelDBNoncePersistence(cfg.Auth.NoncePath)
		if err != nil {
			return err
		}
		defer persistence.Close()
		authOpts.Persistence = persistence
	}
	verifier := auth.NewVerifier(store, jwtSecret, authOpts)
	if authOpts.Persistence != nil {
		cutoff := time.Now().Add(-time.Duration(cfg.Auth.ReplayWindowSeconds) * time.Second)
		if err := verifier.HydrateNonces(context.Background(), cutoff); err != nil {
			return err
		}
	}

	rateLimits := make(map[string]middleware.RateLimit, len(cfg.RateLimit))
	for group, limit := range cfg.RateLimit {
		rateLimits[group] = middleware.RateLimit{
			RequestsPerMinute: limit.RequestsPerMinute,
			Burst:             limit.Burst,
		}
	}
	server := NewServer(store, registry, cipher, engine, broadcaster, verifier, ServerOptions{
		EscrowFeeBps: cfg.Escrow.FeeBps,
		EscrowTTL:    time.Duration(cfg.Escrow.DefaultTTLHours) * time.Hour,
		RateLimits:   rateLimits,
		CORS:         middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)
	go settler.Run(ctx)
	go drainEvents(ctx, queue, log)

	srv := &http.Server{Addr: cfg.ListenAddress, Handler: server}
	errCh := make(chan error, 1)
	go func() {
		log.Info("settlementd listening", "addr", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
	}

	log.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

func openDatabase(cfg config.Database) (*gorm.DB, error) {
	gormCfg := &gorm.Config{TranslateError: true}
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	}
}

// buildChains constructs one adapter per configured chain and collects the
// per-chain forwarding and commission destinations.
func buildChains(configured []config.Chain, deriver *hd.Deriver) (*chains.Registry, map[string]string, map[string]string, error) {
	registry := chains.NewRegistry()
	destinations := make(map[string]string)
	commission := make(map[string]string)
	for _, chain := range configured {
		params := chains.Params{
			ID:                    chain.ID,
			Family:                chains.Family(chain.Family),
			Endpoint:              chain.Endpoint,
			RequiredConfirmations: chain.RequiredConfirmations,
			ExplorerTxURL:         chain.ExplorerTxURL,
			EVMChainID:            chain.EVMChainID,
			FeeRateSatPerVB:       chain.FeeRateSatPerVB,
		}
		var adapter chains.Adapter
		switch params.Family {
		case chains.FamilyUTXO:
			adapter = chains.NewUTXOAdapter(params, deriver)
		case chains.FamilyEVM:
			evm, err := chains.NewEVMAdapter(params, deriver)
			if err != nil {
				return nil, nil, nil, err
			}
			adapter = evm
		case chains.FamilySolana:
			adapter = chains.NewSolanaAdapter(params, deriver)
		default:
			return nil, nil, nil, fmt.Errorf("unsupported chain family %q", chain.Family)
		}
		registry.Register(adapter)
		if chain.ForwardDestination != "" {
			destinations[chain.ID] = chain.ForwardDestination
		}
		if chain.CommissionAddress != "" {
			commission[chain.ID] = chain.CommissionAddress
		}
	}
	return registry, destinations, commission, nil
}

// drainEvents consumes the event queue so lifecycle events appear in the log
// stream even without an external consumer attached.
func drainEvents(ctx context.Context, queue *events.Queue, log *slog.Logger) {
	for {
		evt, ok := queue.Dequeue(ctx)
		if !ok {
			return
		}
		log.Info("event",
			"type", evt.Type,
			"entity_id", evt.EntityID,
			"chain", evt.Chain,
			"amount", evt.Amount,
			"tx_hash", evt.TxHash,
		)
	}
}
