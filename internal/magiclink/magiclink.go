// Package magiclink issues single-use login links. A link is minted for an
// existing account, expires after TTL and can be redeemed at most once.
package magiclink

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/raisetracker/internal/model"
)

const (
	// TTL is how long a minted link stays redeemable.
	TTL = 15 * time.Minute
	// SweepInterval is how often used and expired links are purged.
	SweepInterval = 5 * time.Minute

	tokenBytes = 32
)

// ErrInvalid is returned for unknown, used and expired tokens alike.
var ErrInvalid = errors.New("magiclink: invalid or expired link")

// UserLookup finds an account by id or username.
type UserLookup interface {
	GetByLogin(ctx context.Context, login string) (*model.User, error)
}

type Service struct {
	store  TokenStore
	users  UserLookup
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func NewService(store TokenStore, users UserLookup, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mint creates a link for the account named by email. An unknown account
// yields ok == false and no error, so callers can answer both cases the
// same way.
func (s *Service) Mint(ctx context.Context, email string) (token string, ok bool, err error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", false, nil
	}

	u, err := s.users.GetByLogin(ctx, email)
	if err != nil {
		return "", false, fmt.Errorf("look up user: %w", err)
	}
	if u == nil {
		return "", false, nil
	}

	token, err = newToken()
	if err != nil {
		return "", false, err
	}
	now := s.now().UTC()
	link := model.MagicLink{
		Token:     token,
		UserID:    u.ID,
		Email:     email,
		CreatedAt: now,
		ExpiresAt: now.Add(TTL),
	}
	if err := s.store.Put(ctx, link); err != nil {
		return "", false, fmt.Errorf("store magic link: %w", err)
	}
	return token, true, nil
}

// Redeem consumes token and returns the user id it was minted for.
func (s *Service) Redeem(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalid
	}
	link, ok, err := s.store.Take(ctx, token, s.now())
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrInvalid
	}
	return link.UserID, nil
}

// Sweep purges used and expired links.
func (s *Service) Sweep(ctx context.Context) {
	n, err := s.store.Sweep(ctx, s.now())
	if err != nil {
		s.logger.Error("magic link sweep", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("magic link sweep", "removed", n)
	}
}

// Start runs Sweep every SweepInterval until ctx is cancelled or Stop is
// called.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (s *Service) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// newToken returns 32 random bytes as unpadded base64url (43 characters).
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
