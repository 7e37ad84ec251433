package main

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/raisetracker/internal/backup"
	"github.com/dukerupert/raisetracker/internal/config"
	"github.com/dukerupert/raisetracker/internal/database"
	"github.com/dukerupert/raisetracker/internal/email"
	"github.com/dukerupert/raisetracker/internal/handler"
	"github.com/dukerupert/raisetracker/internal/logging"
	"github.com/dukerupert/raisetracker/internal/magiclink"
	"github.com/dukerupert/raisetracker/internal/middleware"
	"github.com/dukerupert/raisetracker/internal/server"
	"github.com/dukerupert/raisetracker/internal/session"
	"github.com/dukerupert/raisetracker/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	users := store.NewUserStore(db)
	if cfg.Admin.Email != "" {
		name := cfg.Admin.Name
		if name == "" {
			name = "Administrator"
		}
		created, err := users.EnsureAdmin(ctx, cfg.Admin.Email, name, cfg.Admin.Password)
		if err != nil {
			slog.Error("failed to bootstrap admin", "error", err)
			os.Exit(1)
		}
		if created {
			slog.Info("created admin account", "username", cfg.Admin.Email)
		}
	}

	key, err := cfg.SessionKeyBytes()
	if err != nil {
		slog.Error("invalid session key", "error", err)
		os.Exit(1)
	}
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			slog.Error("failed to generate session key", "error", err)
			os.Exit(1)
		}
		slog.Warn("RAISE_SESSION_KEY not set; sessions will not survive a restart")
	}
	codec, err := session.NewCodec(key)
	if err != nil {
		slog.Error("failed to create session codec", "error", err)
		os.Exit(1)
	}

	var tokens magiclink.TokenStore = magiclink.NewMemoryStore()
	if cfg.Redis.Addr != "" {
		client, err := magiclink.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer client.Close()
		tokens = magiclink.NewRedisStore(client)
		slog.Info("magic links stored in redis", "addr", cfg.Redis.Addr)
	}
	links := magiclink.NewService(tokens, users, logger.With("component", "magiclink"))
	links.Start(ctx)

	var sender handler.MagicLinkSender
	emailClient := email.NewClient(cfg.Email.PostmarkToken, cfg.Email.From)
	if emailClient.Configured() {
		sender = emailClient
	} else {
		slog.Warn("RAISE_POSTMARK_TOKEN not set; magic link emails are disabled")
	}

	backupCfg := backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			Region:    cfg.Backup.Region,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
		},
		Prefix:     cfg.Backup.Prefix,
		Interval:   time.Duration(cfg.Backup.IntervalHours) * time.Hour,
		Retention:  time.Duration(cfg.Backup.RetentionDays) * 24 * time.Hour,
		Passphrase: cfg.Backup.Passphrase,
	}

	proxies, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		slog.Error("invalid trusted proxies", "error", err)
		os.Exit(1)
	}

	srv := server.New(db, codec, links, sender, backupCfg, server.Options{
		BaseURL:        cfg.BaseURL,
		SecureCookie:   cfg.SecureCookie,
		TrustedProxies: proxies,
	}, logger)
	srv.BackupManager().Start(ctx)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, rl := range srv.RateLimiters() {
					rl.Cleanup()
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("raisetracker starting", "addr", ":"+cfg.Port, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}

	cancel()
	links.Stop()
	srv.BackupManager().Stop()
	srv.WaitForEmails()
}
