package users

import "time"

// Identity captures who is signed in on this device.
type Identity struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}
