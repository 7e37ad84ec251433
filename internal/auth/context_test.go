package auth

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/raisetracker/internal/model"
)

func TestWithSessionAndFromContext(t *testing.T) {
	s := model.Session{
		UserID:      "u-1",
		DisplayName: "Alice",
		IsAdmin:     true,
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	ctx := WithSession(context.Background(), s)
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected session in context")
	}
	if got.UserID != "u-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "u-1")
	}
	if got.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Alice")
	}
	if !got.IsAdmin {
		t.Error("expected IsAdmin")
	}
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	if ok {
		t.Error("expected false for missing session")
	}
}

func TestUserID(t *testing.T) {
	ctx := WithSession(context.Background(), model.Session{UserID: "u-7"})
	if UserID(ctx) != "u-7" {
		t.Errorf("UserID = %q, want %q", UserID(ctx), "u-7")
	}
	if UserID(context.Background()) != "" {
		t.Error("expected empty user id for missing session")
	}
}

func TestDisplayNameFallsBackToUserID(t *testing.T) {
	ctx := WithSession(context.Background(), model.Session{UserID: "u-7"})
	if DisplayName(ctx) != "u-7" {
		t.Errorf("DisplayName = %q, want %q", DisplayName(ctx), "u-7")
	}
	ctx = WithSession(context.Background(), model.Session{UserID: "u-7", DisplayName: "Bob"})
	if DisplayName(ctx) != "Bob" {
		t.Errorf("DisplayName = %q, want %q", DisplayName(ctx), "Bob")
	}
}

func TestIsAdmin(t *testing.T) {
	if !IsAdmin(WithSession(context.Background(), model.Session{IsAdmin: true})) {
		t.Error("expected IsAdmin = true for admin session")
	}
	if IsAdmin(WithSession(context.Background(), model.Session{})) {
		t.Error("expected IsAdmin = false for member session")
	}
	if IsAdmin(context.Background()) {
		t.Error("expected IsAdmin = false for missing session")
	}
}
