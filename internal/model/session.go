package model

import "time"

// Session is the identity carried inside a signed session token.
type Session struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	IsAdmin     bool      `json:"isAdmin"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type MagicLink struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

// Expired reports whether the link is past its expiry at now.
func (ml *MagicLink) Expired(now time.Time) bool {
	return !now.Before(ml.ExpiresAt)
}
