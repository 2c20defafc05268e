package models

import "time"

// Credential is the rotating access token issued for the speech services.
// It is replaced wholesale on refresh and never mutated in place.
type Credential struct {
	Value     string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidFor reports whether the credential stays valid for at least window after now.
func (c Credential) ValidFor(now time.Time, window time.Duration) bool {
	if c.Value == "" {
		return false
	}
	return c.ExpiresAt.Sub(now) >= window
}
