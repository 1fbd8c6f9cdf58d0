package main

import (
	"context"
	"net/http"
	"time"

	"kirogate/core"
	"kirogate/core/providers"
	"kirogate/storage"

	log "github.com/sirupsen/logrus"
)

func main() {
	cfg, err := core.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	crypto, err := core.NewCryptoService(cfg.TokenEncryptKey)
	if err != nil {
		log.Fatalf("Failed to initialize crypto service: %v", err)
	}

	repo, err := storage.NewSQLiteRepository(cfg.DBPath, crypto)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", cfg.DBPath, err)
	}
	defer repo.Close()

	outbound := core.NewOutboundClient(cfg, time.Duration(cfg.RequestTimeout)*time.Second)
	refreshClient := core.NewOutboundClient(cfg, 30*time.Second)

	authCache := core.NewAuthCache(func(creds *core.TokenCredentials) *core.AuthManager {
		provider := providers.ForCredentials(creds, refreshClient)
		return core.NewAuthManager(creds, cfg.ProfileARN, provider)
	})

	allocator := core.NewAllocator(repo, authCache)
	if cfg.RefreshToken != "" {
		allocator.SetFallbackIdentity(&core.TokenCredentials{
			RefreshToken: cfg.RefreshToken,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Region:       cfg.Region,
		})
		log.Info("Global fallback identity configured from environment")
	}
	kiroClient := core.NewKiroClient(outbound,
		time.Duration(cfg.FirstTokenTimeout)*time.Second,
		time.Duration(cfg.StreamReadTimeout)*time.Second)
	dispatcher := core.NewCustomDispatcher(repo, outbound)
	gateway := core.NewGateway(repo, allocator, authCache, kiroClient, dispatcher)

	authService := core.NewAuthService(repo, cfg, crypto)
	server := core.NewServer(authService, gateway, repo, authCache, cfg)

	healthChecker := core.NewHealthChecker(repo, authCache, time.Duration(cfg.HealthCheckInterval)*time.Second)
	healthChecker.Start()
	defer healthChecker.Stop()

	go func() {
		ticker := time.NewTicker(6 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if n, err := repo.DeleteExpiredSessions(context.Background()); err != nil {
				log.Errorf("Session cleanup failed: %v", err)
			} else if n > 0 {
				log.Infof("Pruned %d expired sessions", n)
			}
		}
	}()

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	log.Infof("Starting kirogate on port %s (region %s, db %s)", cfg.Port, cfg.Region, cfg.DBPath)
	if err := http.ListenAndServe(":"+cfg.Port, mux); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
