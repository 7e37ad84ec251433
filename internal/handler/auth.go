package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/raisetracker/internal/auth"
	"github.com/dukerupert/raisetracker/internal/magiclink"
	"github.com/dukerupert/raisetracker/internal/middleware"
	"github.com/dukerupert/raisetracker/internal/model"
	"github.com/dukerupert/raisetracker/internal/session"
	"github.com/dukerupert/raisetracker/internal/store"
)

const (
	magicLinkMessage = "If an account with that email exists, a sign-in link has been sent."
	sendTimeout      = 30 * time.Second
)

// MagicLinkSender delivers a minted link to its owner.
type MagicLinkSender interface {
	SendMagicLink(ctx context.Context, toEmail, token, baseURL string) error
}

type AuthHandler struct {
	users        *store.UserStore
	codec        *session.Codec
	links        *magiclink.Service
	sender       MagicLinkSender
	loginLimiter *middleware.RateLimiter
	clientKey    func(*http.Request) string
	baseURL      string
	secure       bool
	logger       *slog.Logger

	sending sync.WaitGroup
}

func NewAuthHandler(
	us *store.UserStore,
	codec *session.Codec,
	links *magiclink.Service,
	sender MagicLinkSender,
	loginLimiter *middleware.RateLimiter,
	clientKey func(*http.Request) string,
	baseURL string,
	secure bool,
	logger *slog.Logger,
) *AuthHandler {
	if clientKey == nil {
		clientKey = middleware.PeerIP
	}
	return &AuthHandler{
		users:        us,
		codec:        codec,
		links:        links,
		sender:       sender,
		loginLimiter: loginLimiter,
		clientKey:    clientKey,
		baseURL:      baseURL,
		secure:       secure,
		logger:       logger,
	}
}

type identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type loginRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.Authenticate(r.Context(), req.UserID, req.Password)
	if err != nil {
		internalError(w, h.logger, "login lookup", err)
		return
	}
	if user == nil {
		h.logger.Info("login failed", "remote", h.clientKey(r))
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if h.loginLimiter != nil {
		h.loginLimiter.Clear(h.clientKey(r))
	}

	s := h.startSession(w, user)
	h.logger.Info("login", "user_id", user.ID)
	writeJSON(w, http.StatusOK, identity{UserID: s.UserID, DisplayName: s.DisplayName, IsAdmin: s.IsAdmin})
}

func (h *AuthHandler) startSession(w http.ResponseWriter, user *model.User) model.Session {
	s := h.codec.NewSession(user)
	middleware.SetSessionCookie(w, h.codec.Issue(s), s, h.secure)
	return s
}

type magicLinkRequest struct {
	Email string `json:"email"`
}

// RequestMagicLink answers every well-formed request the same way whether
// or not the account exists. Delivery happens after the response.
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	emailAddr := strings.TrimSpace(req.Email)
	if emailAddr == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	token, ok, err := h.links.Mint(r.Context(), emailAddr)
	if err != nil {
		h.logger.Error("mint magic link", "error", err)
	}
	if ok && h.sender != nil {
		h.sending.Add(1)
		go func() {
			defer h.sending.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := h.sender.SendMagicLink(ctx, emailAddr, token, h.baseURL); err != nil {
				h.logger.Error("send magic link", "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": magicLinkMessage})
}

// WaitForSends blocks until in-flight magic link emails finish.
func (h *AuthHandler) WaitForSends() {
	h.sending.Wait()
}

func (h *AuthHandler) ValidateMagicLink(w http.ResponseWriter, r *http.Request) {
	userID, err := h.links.Redeem(r.Context(), r.URL.Query().Get("token"))
	if errors.Is(err, magiclink.ErrInvalid) {
		writeError(w, http.StatusBadRequest, "Invalid or expired link")
		return
	}
	if err != nil {
		internalError(w, h.logger, "redeem magic link", err)
		return
	}

	user, err := h.users.GetByID(r.Context(), userID)
	if err != nil {
		internalError(w, h.logger, "magic link user lookup", err)
		return
	}
	if user == nil {
		writeError(w, http.StatusBadRequest, "Invalid or expired link")
		return
	}

	h.startSession(w, user)
	h.logger.Info("magic link login", "user_id", user.ID)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	middleware.ClearSessionCookie(w, h.secure)
	w.WriteHeader(http.StatusOK)
}

func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	s, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, identity{UserID: s.UserID, DisplayName: s.DisplayName, IsAdmin: s.IsAdmin})
}
