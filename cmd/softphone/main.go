// Package main is the entry point for the softphone
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fexe-co/softphone/internal/api"
	"github.com/fexe-co/softphone/internal/auth"
	"github.com/fexe-co/softphone/internal/call"
	"github.com/fexe-co/softphone/internal/config"
	"github.com/fexe-co/softphone/internal/engine"
	"github.com/fexe-co/softphone/internal/logger"
	"github.com/fexe-co/softphone/internal/routing"
	"github.com/fexe-co/softphone/internal/state"
	"github.com/fexe-co/softphone/internal/store"

	_ "github.com/fexe-co/softphone/docs" // Import generated swagger docs
)

// @title softphone API
// @version 1.0
// @description SIP softphone control surface

// @contact.name API Support
// @contact.url https://github.com/fexe-co/softphone

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /

// @securityDefinitions.basic BasicAuth

const userAgent = "softphone/1.0"

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	log.Info().Msg("Starting softphone...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Preferences live in Valkey when configured, otherwise in a local file
	var prefs auth.PrefsStore
	var tracker call.ActiveCallTracker
	if cfg.ValkeyURL != "" {
		log.Info().Str("url", cfg.ValkeyURL).Msg("Connecting to Valkey...")
		cache, err := store.NewCache(ctx, cfg.ValkeyURL, cfg.ValkeyPassword, cfg.ValkeyDB, cfg.SIPDomain, cfg.PrefsKey)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to Valkey (continuing with file preferences)")
		} else {
			defer cache.Close()
			prefs, tracker = cache, cache
			log.Info().Msg("Valkey connected")
		}
	}
	if prefs == nil {
		fileStore, err := store.NewFileStore(cfg.PrefsPath, cfg.PrefsKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open preference store")
		}
		prefs = fileStore
	}

	// Call history is optional
	var history api.CallHistory
	var historyStore call.HistoryStore
	if cfg.DatabaseURL != "" {
		log.Info().Msg("Connecting to PostgreSQL...")
		pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to PostgreSQL (call history disabled)")
		} else {
			defer pgStore.Close()
			if err := pgStore.EnsureSchema(ctx); err != nil {
				log.Fatal().Err(err).Msg("Failed to prepare call history schema")
			}
			history, historyStore = pgStore, pgStore
			log.Info().Msg("PostgreSQL connected")
		}
	}

	loginClient := auth.NewClient(cfg.LoginBaseURL, cfg.LoginTimeout)
	loginService := auth.NewService(ctx, loginClient, prefs, cfg.SIPDomain, cfg.SIPDisplayName, logger.For("auth"))

	projector := state.NewProjector(cfg.MaxLogEntries)
	sipEngine := engine.NewSIPEngine(logger.For("sip"))

	publicHost := cfg.SIPHost
	if publicHost == "0.0.0.0" || publicHost == "::" {
		publicHost = ""
	}
	controller := call.NewController(sipEngine, projector,
		routing.NewDialPlan(cfg.SIPDomain, cfg.SIPDialDisplayName),
		call.Options{
			UserAgent:      userAgent,
			PublicHost:     publicHost,
			SIPHost:        cfg.SIPHost,
			SIPPort:        cfg.SIPPort,
			SIPTransport:   cfg.SIPTransport,
			RTPPortMin:     cfg.RTPPortMin,
			RTPPortMax:     cfg.RTPPortMax,
			Registrar:      cfg.SIPRegistrar,
			RegisterExpiry: cfg.SIPRegisterExpiry,
			CodecPriority:  cfg.CodecPriority,
		},
		logger.For("call"),
	)
	if historyStore != nil || tracker != nil {
		controller.SetRecorder(call.NewHistory(historyStore, tracker, logger.For("history")))
	}

	handler := api.NewHandler(loginService, controller, projector, history, logger.For("api"))
	apiServer := api.NewServer(cfg, handler, logger.For("api"))

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server error")
		}
	}()

	log.Info().Msg("========================================")
	log.Info().Msg("softphone is running!")
	log.Info().Msg("========================================")
	log.Info().Msgf("SIP:      %s:%d (%s)", cfg.SIPHost, cfg.SIPPort, cfg.SIPTransport)
	log.Info().Msgf("REST API: http://%s:%d/api/v1", cfg.APIHost, cfg.APIPort)
	log.Info().Msgf("State:    ws://%s:%d/api/v1/ws", cfg.APIHost, cfg.APIPort)
	log.Info().Msgf("Swagger:  http://%s:%d/swagger/index.html", cfg.APIHost, cfg.APIPort)
	log.Info().Msgf("Health:   http://%s:%d/health", cfg.APIHost, cfg.APIPort)
	log.Info().Msg("========================================")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("API server shutdown error")
	}

	// hangs up and unregisters before the stores close
	controller.Close()

	cancel()
	log.Info().Msg("softphone stopped")
}
