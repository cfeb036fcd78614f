// Package domain contains core domain types for the pairchat conversation engine.
package domain

import (
	"time"
)

// User is a participant known to the store. Username is the display label
// copied into Message.Sender; it is never used as identity.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DisplayName returns the username, or the user ID when no username is set.
func (u *User) DisplayName() string {
	if u == nil {
		return ""
	}
	if u.Username != "" {
		return u.Username
	}
	return u.UserID
}
