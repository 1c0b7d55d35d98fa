package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/sportify/backend/internal/auth"
	"github.com/sportify/backend/internal/config"
	"github.com/sportify/backend/internal/ecpay"
	"github.com/sportify/backend/internal/httpserver"
	"github.com/sportify/backend/internal/metrics"
	"github.com/sportify/backend/internal/middleware"
	"github.com/sportify/backend/internal/migrations"
	"github.com/sportify/backend/internal/store"
	"github.com/sportify/backend/internal/subscription"
)

// backend joins the two stores into the single persistence view the
// subscription package consumes.
type backend struct {
	*store.Store
	*store.PlanStore
}

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatalf("failed to apply database migrations: %v", err)
	}

	subs, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	plans, err := store.NewPlanStore(db)
	if err != nil {
		log.Fatalf("failed to create plan store: %v", err)
	}
	data := backend{Store: subs, PlanStore: plans}

	gateway := ecpay.NewGateway(cfg.ECPay, cfg.Location)
	manager := subscription.NewManager(data, gateway, cfg.Location)
	evaluator := subscription.NewEvaluator(data, cfg.TrialPlanName)
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.JWTTTL)

	srv := httpserver.New(cfg, httpserver.Dependencies{
		DB:            db,
		Plans:         plans,
		History:       subs,
		Subscriptions: manager,
		Payments:      manager,
		Entitlements:  evaluator,
		Authenticator: middleware.NewAuthenticator(tokens, subs),
		Metrics:       metrics.New(),
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("backend starting on %s (merchant %s, timezone %s)", cfg.ServerAddress, cfg.ECPay.MerchantID, cfg.Location)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server exited with error: %v", err)
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	err := migrations.Up(db)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "Dirty database version") {
		return err
	}

	log.Printf("migrations(%s): dirty database detected, attempting to fix...", name)
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		log.Printf("migrations(%s): failed to fix dirty database: %v", name, fixErr)
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(name, dsn string) {
	// Only hostname and database name; the DSN carries the password.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Printf("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	log.Printf("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
