// Package session issues and verifies self-contained signed session tokens.
//
// A token is base64url(payload) + "." + base64url(mac), where payload is the
// JSON encoding of a model.Session and mac is HMAC-SHA256 over exactly those
// payload bytes. Nothing is stored server-side.
package session

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/raisetracker/internal/model"
)

const (
	// Lifetime is how long a freshly minted session lasts.
	Lifetime = 7 * 24 * time.Hour
	// RefreshThreshold triggers reissue when less validity than this remains.
	RefreshThreshold = 2 * 24 * time.Hour

	MinKeyLength = 32
	separator    = "."
)

// ErrInvalid is returned for every verification failure.
var ErrInvalid = errors.New("session: invalid token")

var encoding = base64.RawURLEncoding

type Codec struct {
	key []byte
	now func() time.Time
}

type Option func(*Codec)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

func NewCodec(key []byte, opts ...Option) (*Codec, error) {
	if len(key) < MinKeyLength {
		return nil, fmt.Errorf("session: key must be at least %d bytes", MinKeyLength)
	}
	c := &Codec{
		key: append([]byte(nil), key...),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewSession builds a fresh session for u.
func (c *Codec) NewSession(u *model.User) model.Session {
	now := c.now().UTC()
	return model.Session{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		IsAdmin:     u.IsAdmin,
		IssuedAt:    now,
		ExpiresAt:   now.Add(Lifetime),
	}
}

// Issue encodes and signs s.
func (c *Codec) Issue(s model.Session) string {
	s.IssuedAt = s.IssuedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()

	// json.Marshal cannot fail for this struct.
	payload, _ := json.Marshal(s)
	return encoding.EncodeToString(payload) + separator + encoding.EncodeToString(c.sign(payload))
}

// Verify checks the token's signature and expiry and returns its session.
func (c *Codec) Verify(token string) (model.Session, error) {
	var s model.Session

	encPayload, encMAC, ok := splitToken(token)
	if !ok {
		return s, ErrInvalid
	}
	payload, err := encoding.DecodeString(encPayload)
	if err != nil {
		return s, ErrInvalid
	}
	mac, err := encoding.DecodeString(encMAC)
	if err != nil {
		return s, ErrInvalid
	}
	if !hmac.Equal(mac, c.sign(payload)) {
		return s, ErrInvalid
	}

	// Decode the same bytes the MAC covered.
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return model.Session{}, ErrInvalid
	}
	if s.UserID == "" || s.ExpiresAt.IsZero() {
		return model.Session{}, ErrInvalid
	}
	if !c.now().Before(s.ExpiresAt) {
		return model.Session{}, ErrInvalid
	}
	return s, nil
}

// NeedsRefresh reports whether s has less than RefreshThreshold left.
func (c *Codec) NeedsRefresh(s model.Session) bool {
	return s.ExpiresAt.Sub(c.now().UTC()) < RefreshThreshold
}

// Refresh applies the sliding expiry policy. When s needs a refresh it
// returns a copy expiring Lifetime from now, its token, and true. The
// original token stays valid until its own expiry.
func (c *Codec) Refresh(s model.Session) (model.Session, string, bool) {
	if !c.NeedsRefresh(s) {
		return s, "", false
	}
	s.ExpiresAt = c.now().UTC().Add(Lifetime)
	return s, c.Issue(s), true
}

func (c *Codec) sign(payload []byte) []byte {
	h := hmac.New(sha256.New, c.key)
	h.Write(payload)
	return h.Sum(nil)
}

func splitToken(token string) (string, string, bool) {
	parts := strings.Split(token, separator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
