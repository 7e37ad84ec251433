package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dukerupert/raisetracker/internal/backup"
	"github.com/dukerupert/raisetracker/internal/handler"
	"github.com/dukerupert/raisetracker/internal/magiclink"
	"github.com/dukerupert/raisetracker/internal/middleware"
	"github.com/dukerupert/raisetracker/internal/session"
	"github.com/dukerupert/raisetracker/internal/store"
	ws "github.com/dukerupert/raisetracker/internal/websocket"
)

const (
	loginAttempts       = 5
	loginWindow         = 15 * time.Minute
	magicLinkAttempts   = 10
	magicLinkWindow     = time.Minute
	loginLimitedMessage = "Too many login attempts. Please try again later."
	linkLimitedMessage  = "Too many requests. Please try again later."
)

// Options carries the settings the router needs beyond its collaborators.
type Options struct {
	BaseURL      string
	SecureCookie bool

	// TrustedProxies may be nil, in which case forwarding headers are ignored.
	TrustedProxies *middleware.TrustedProxies
}

type Server struct {
	hub              *ws.Hub
	codec            *session.Codec
	users            *store.UserStore
	authH            *handler.AuthHandler
	userH            *handler.UserHandler
	investorH        *handler.InvestorHandler
	backupH          *handler.BackupHandler
	loginLimiter     *middleware.RateLimiter
	magicLinkLimiter *middleware.RateLimiter
	backupManager    *backup.Manager
	opts             Options
	logger           *slog.Logger
}

func New(db *sql.DB, codec *session.Codec, links *magiclink.Service, sender handler.MagicLinkSender, backupCfg backup.Config, opts Options, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	userStore := store.NewUserStore(db)
	investorStore := store.NewInvestorStore(db)
	backupStore := store.NewBackupStore(db)

	backupMgr := backup.NewManager(backupCfg, db, backupStore, func(s backup.Status) {
		hub.Broadcast(ws.BackupChanged(string(s.State), s.InProgress, s.Error))
	}, logger.With("component", "backup"))

	loginLimiter := middleware.NewRateLimiter(loginAttempts, loginWindow)

	return &Server{
		hub:              hub,
		codec:            codec,
		users:            userStore,
		authH:            handler.NewAuthHandler(userStore, codec, links, sender, loginLimiter, opts.TrustedProxies.ClientIP, opts.BaseURL, opts.SecureCookie, logger.With("component", "auth")),
		userH:            handler.NewUserHandler(userStore, hub, logger.With("component", "user")),
		investorH:        handler.NewInvestorHandler(investorStore, hub, logger.With("component", "investor")),
		backupH:          handler.NewBackupHandler(backupMgr, logger.With("component", "backup")),
		loginLimiter:     loginLimiter,
		magicLinkLimiter: middleware.NewRateLimiter(magicLinkAttempts, magicLinkWindow),
		backupManager:    backupMgr,
		opts:             opts,
		logger:           logger,
	}
}

// RateLimiters returns the limiters for cleanup tasks.
func (s *Server) RateLimiters() []*middleware.RateLimiter {
	return []*middleware.RateLimiter{s.loginLimiter, s.magicLinkLimiter}
}

// BackupManager returns the backup manager.
func (s *Server) BackupManager() *backup.Manager {
	return s.backupManager
}

// WaitForEmails blocks until queued magic link emails are sent.
func (s *Server) WaitForEmails() {
	s.authH.WaitForSends()
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes (no session required)
	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.Handle("POST /api/login", s.rateLimited(s.loginLimiter, loginLimitedMessage, s.authH.Login))
	outerMux.Handle("POST /api/request-magic-link", s.rateLimited(s.magicLinkLimiter, linkLimitedMessage, s.authH.RequestMagicLink))
	outerMux.HandleFunc("GET /api/validate-magic-link", s.authH.ValidateMagicLink)
	outerMux.HandleFunc("POST /api/logout", s.authH.Logout)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)

	requireSession := middleware.RequireSession(s.codec, s.users, s.opts.SecureCookie, s.logger.With("component", "session"))
	outerMux.Handle("/", requireSession(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(rl *middleware.RateLimiter, message string, h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(rl, s.opts.TrustedProxies.ClientIP, message)(h)
}

func adminOnly(h http.HandlerFunc) http.Handler {
	return middleware.RequireAdmin(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/session", s.authH.Session)

	// Users
	mux.HandleFunc("GET /api/users", s.userH.List)
	mux.Handle("POST /api/users", adminOnly(s.userH.Create))
	mux.Handle("PUT /api/users/{id}", adminOnly(s.userH.Update))
	mux.Handle("DELETE /api/users/{id}", adminOnly(s.userH.Delete))

	// Investors
	mux.HandleFunc("GET /api/investors", s.investorH.List)
	mux.HandleFunc("POST /api/investors", s.investorH.Create)
	mux.HandleFunc("GET /api/investors/{id}", s.investorH.Get)
	mux.HandleFunc("PUT /api/investors/{id}", s.investorH.Update)
	mux.HandleFunc("DELETE /api/investors/{id}", s.investorH.Delete)

	// Investor tasks
	mux.HandleFunc("POST /api/investors/{id}/tasks", s.investorH.AddTask)
	mux.HandleFunc("PUT /api/investors/{id}/tasks/{taskId}", s.investorH.UpdateTask)
	mux.HandleFunc("DELETE /api/investors/{id}/tasks/{taskId}", s.investorH.DeleteTask)

	// Backups
	mux.Handle("GET /api/admin/backup", adminOnly(s.backupH.Status))
	mux.Handle("POST /api/admin/backup", adminOnly(s.backupH.Run))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, originPatterns(s.opts.BaseURL), s.logger.With("component", "websocket")))
}

// originPatterns allows browser upgrades from the public host only.
func originPatterns(baseURL string) []string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
