// Package auth carries the verified session of the caller through a
// request context.
package auth

import (
	"context"

	"github.com/dukerupert/raisetracker/internal/model"
)

type contextKey struct{}

func WithSession(ctx context.Context, s model.Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

func FromContext(ctx context.Context) (model.Session, bool) {
	s, ok := ctx.Value(contextKey{}).(model.Session)
	return s, ok
}

func UserID(ctx context.Context) string {
	s, _ := FromContext(ctx)
	return s.UserID
}

// DisplayName is what gets recorded as createdBy/updatedBy on writes.
func DisplayName(ctx context.Context) string {
	s, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	if s.DisplayName == "" {
		return s.UserID
	}
	return s.DisplayName
}

func IsAdmin(ctx context.Context) bool {
	s, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return s.IsAdmin
}
