package model

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// UserSummary is the listing shape shown to non-admin users.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// UserPatch holds the user fields an admin may change.
type UserPatch struct {
	DisplayName Field[string] `json:"displayName"`
	Password    Field[string] `json:"password"`
	IsAdmin     Field[bool]   `json:"isAdmin"`
}
