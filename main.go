package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/quicklabs/termgate/internal/auth"
	"github.com/quicklabs/termgate/internal/config"
	"github.com/quicklabs/termgate/internal/credentials"
	"github.com/quicklabs/termgate/internal/crypto"
	"github.com/quicklabs/termgate/internal/database"
	"github.com/quicklabs/termgate/internal/gateway"
	"github.com/quicklabs/termgate/internal/handlers"
	"github.com/quicklabs/termgate/internal/logging"
	"github.com/quicklabs/termgate/internal/middleware"
	"github.com/quicklabs/termgate/internal/sandbox"
	"github.com/quicklabs/termgate/internal/session"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 && os.Args[1] == "--mint-token" {
		runMintToken()
		return
	}

	config.Load()
	logging.Init()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	encodedKey, err := crypto.EnsureKey(database.DB)
	if err != nil {
		log.Fatalf("Crypto key init: %v", err)
	}

	var validator auth.TokenValidator
	if config.Cfg.AuthDisabled {
		log.Printf("WARNING: authentication disabled")
		validator = auth.AllowAll{}
	} else {
		tokenTTL := config.Duration(config.Cfg.TokenTTL, 8*time.Hour)
		validator, err = auth.NewFernetValidator(encodedKey, tokenTTL)
		if err != nil {
			log.Fatalf("Token validator init: %v", err)
		}
	}

	grace := config.Duration(config.Cfg.SessionGrace, 10*time.Second)
	store := session.NewStore(database.DB, grace)

	sweeper, err := session.StartSweeper(store, config.Cfg.SweepInterval)
	if err != nil {
		log.Fatalf("Session sweeper init: %v", err)
	}
	log.Printf("Session store initialized (grace=%s, sweep=%s)", grace, config.Cfg.SweepInterval)

	ctx := context.Background()
	var credSource credentials.Source
	if config.Cfg.AWSRoleARN != "" {
		credDuration := config.Duration(config.Cfg.AWSCredDuration, time.Hour)
		credSource, err = credentials.NewSTSSource(ctx, config.Cfg.AWSRoleARN, config.Cfg.AWSRegion, credDuration)
		if err != nil {
			log.Fatalf("Credential source init: %v", err)
		}
		log.Printf("Credential source: STS assume-role (%s)", config.Cfg.AWSRoleARN)
	} else {
		credSource = credentials.StaticSource{Credential: credentials.Scoped{Region: config.Cfg.AWSRegion}}
		log.Printf("Credential source: static (region=%s, no key material)", config.Cfg.AWSRegion)
	}

	sandboxes := sandbox.NewRegistry(config.Cfg.SandboxPTY)

	gw := gateway.New(store, sandboxes, validator, gateway.Config{
		IdleTimeout:    config.Duration(config.Cfg.IdleTimeout, 30*time.Second),
		ConnectedDelay: config.Duration(config.Cfg.ConnectedDelay, 50*time.Millisecond),
		ResolveRetries: config.Cfg.ResolveRetries,
		ResolveBackoff: config.Duration(config.Cfg.ResolveBackoff, 100*time.Millisecond),
		ExecTimeout:    config.Duration(config.Cfg.ExecTimeout, 30*time.Second),
	})

	handlers.Store = store
	handlers.Creds = credSource
	handlers.Sandboxes = sandboxes
	handlers.DefaultTTL = config.Duration(config.Cfg.SessionTTL, 2*time.Hour)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	// Health (no auth)
	r.Get("/health", handlers.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Terminal WebSocket: the gateway authenticates inside the protocol
		// so failures surface as close codes, not HTTP statuses.
		r.Get("/sessions/{id}/terminal", gw.HandleWS)

		// Control endpoints (session lifecycle + diagnostics)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireToken(validator))

			r.Post("/sessions", handlers.CreateSession)
			r.Get("/sessions", handlers.ListSessions)
			r.Post("/sessions/{id}/extend", handlers.ExtendSession)
			r.Delete("/sessions/{id}", handlers.EndSession)
			r.Get("/logs", handlers.ServerLogs)
		})
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Server starting on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

// runMintToken prints a signed bearer token for the given subject. Intended
// for operators wiring up external callers.
func runMintToken() {
	fs := flag.NewFlagSet("mint-token", flag.ExitOnError)
	subject := fs.String("subject", "", "Token subject")
	fs.Parse(os.Args[2:])

	if *subject == "" {
		fmt.Fprintln(os.Stderr, "Usage: termgate --mint-token --subject <name>")
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	encodedKey, err := crypto.EnsureKey(database.DB)
	if err != nil {
		log.Fatalf("Crypto key init: %v", err)
	}
	validator, err := auth.NewFernetValidator(encodedKey, 0)
	if err != nil {
		log.Fatalf("Token validator init: %v", err)
	}
	token, err := validator.Mint(*subject)
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}
	fmt.Println(token)
}
