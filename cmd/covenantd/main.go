// covenantd runs the event ledger: it opens the SQL-backed log, bootstraps
// the primordial realm, and optionally relays appended events to Redis.
//
// Usage:
//
//	covenantd serve
//	covenantd verify [from [to]]
//	covenantd health
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/covenantlabs/covenant/pkg/config"
	"github.com/covenantlabs/covenant/pkg/crypto"
	"github.com/covenantlabs/covenant/pkg/eventlog"
	"github.com/covenantlabs/covenant/pkg/hashchain"
	"github.com/covenantlabs/covenant/pkg/observability"
	"github.com/covenantlabs/covenant/pkg/realm"
	"github.com/covenantlabs/covenant/pkg/relay"
	"github.com/covenantlabs/covenant/pkg/store/eventstore"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open event store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	defer store.Close()

	switch command {
	case "serve":
		err = serve(ctx, cfg, store)
	case "verify":
		err = verify(ctx, store, os.Args[2:])
	case "health":
		err = health(ctx, store)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\nusage: covenantd [serve|verify|health]\n", command)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openStore opens the database named by DATABASE_URL (sqlite:// or
// postgres://) and wires the store per configuration.
func openStore(ctx context.Context, cfg *config.Config) (*eventstore.Store, *sql.DB, error) {
	var driver, dsn string
	switch {
	case strings.HasPrefix(cfg.DatabaseURL, "sqlite://"):
		driver = "sqlite"
		dsn = strings.TrimPrefix(cfg.DatabaseURL, "sqlite://")
	case strings.HasPrefix(cfg.DatabaseURL, "postgres://"), strings.HasPrefix(cfg.DatabaseURL, "postgresql://"):
		driver = "postgres"
		dsn = cfg.DatabaseURL
	default:
		return nil, nil, fmt.Errorf("unsupported DATABASE_URL scheme in %q", cfg.DatabaseURL)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if driver == "sqlite" {
		// The append critical section is process-level anyway.
		db.SetMaxOpenConns(1)
	}

	store := eventstore.NewStore(db)
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}

	alg := hashchain.Algorithm(cfg.HashAlgorithm)
	chain, err := hashchain.New(alg)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	store.WithChain(chain)

	if cfg.SubscriberBuffer > 0 {
		store.WithHub(eventlog.NewHub(0, cfg.SubscriberBuffer, eventlog.PolicyBlock))
	}

	if cfg.SigningKeyID != "" {
		signer, err := crypto.NewEd25519Signer(cfg.SigningKeyID)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("create signer: %w", err)
		}
		store.WithSigner(signer)
		slog.Info("event signing enabled", "key_id", cfg.SigningKeyID, "public_key", signer.PublicKey())
	}

	if cfg.OTLPEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		if cfg.OTLPEndpoint != "" {
			obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		}
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		store.WithObservability(provider)
	}

	return store, db, nil
}

func serve(ctx context.Context, cfg *config.Config, store *eventstore.Store) error {
	manager := realm.NewManager(store)
	if err := manager.Bootstrap(ctx); err != nil {
		return err
	}

	if cfg.RedisAddr != "" {
		pub := relay.NewRedisPublisher(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = pub.Close() }()
		r := relay.New(store, pub)
		go func() {
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("relay stopped", "error", err)
			}
		}()
		slog.Info("relay enabled", "redis_addr", cfg.RedisAddr)
	}

	slog.Info("covenantd ready", "database_url", cfg.DatabaseURL)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func verify(ctx context.Context, store *eventstore.Store, args []string) error {
	var from, to uint64
	if len(args) > 0 {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid from sequence %q: %w", args[0], err)
		}
		from = n
	}
	if len(args) > 1 {
		n, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid to sequence %q: %w", args[1], err)
		}
		to = n
	}

	report, err := store.VerifyIntegrity(ctx, from, to)
	if err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("integrity break at sequence %d: %s", report.BrokenAt, report.Reason)
	}
	fmt.Printf("chain valid, sequences %d..%d\n", report.CheckedFrom, report.CheckedTo)
	return nil
}

func health(ctx context.Context, store *eventstore.Store) error {
	h, err := store.HealthCheck(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status=%s events=%d latency=%s\n", h.Status, h.Events, h.Latency)
	return nil
}
