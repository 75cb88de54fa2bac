package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/quillbot/teamsbridge/internal/bridge"
	"github.com/quillbot/teamsbridge/internal/config"
	"github.com/quillbot/teamsbridge/internal/db"
	"github.com/quillbot/teamsbridge/internal/discord"
	"github.com/quillbot/teamsbridge/internal/graph"
	"github.com/quillbot/teamsbridge/internal/version"
)

func main() {
	log.Printf("📦 teamsbridge %s (%s)", version.Version, version.Commit)

	cfgPath := os.Getenv("BRIDGE_CONFIG")
	if cfgPath == "" {
		cfgPath = "bridge.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.BridgeEnabled() {
		log.Fatalf("Teams bridge disabled: set BRIDGE_GRAPH_CLIENT_ID, BRIDGE_GRAPH_CLIENT_STATE and BRIDGE_EXTERNAL_URL")
	}

	// Initialize database
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	store := db.NewStore(database)

	auth := graph.NewAuth(cfg.GraphClientID, cfg.GraphTenant)
	subs := graph.NewSubscriptions(auth)
	sender := discord.NewClient(cfg.DiscordToken)
	if cfg.DiscordAPIBase != "" {
		sender.APIBase = cfg.DiscordAPIBase
	}

	srv := bridge.NewServer(cfg.GraphClientState)
	relay := &bridge.Relay{
		Store:       store,
		Auth:        auth,
		Subs:        subs,
		Discord:     sender,
		Secret:      cfg.GraphClientState,
		ExternalURL: cfg.ExternalURL,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go relay.Run(ctx, srv)

	// Create router
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Mount("/", srv.Routes())

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	httpServer := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		log.Printf("🔄 Shutting down Teams connect server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 Teams connect server listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
