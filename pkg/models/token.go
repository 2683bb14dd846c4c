package models

import "time"

// RegistrationToken gates agent registration. The plain token value is
// returned exactly once at creation; only the salted digest persists.
type RegistrationToken struct {
	ID         string     `json:"token_id"`
	OrgID      string     `json:"organization_id"`
	Digest     []byte     `json:"-"`
	Salt       []byte     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	Revoked    bool       `json:"revoked"`
}

// Usable reports whether the token can still authorize a registration.
func (t *RegistrationToken) Usable(now time.Time) bool {
	return !t.Revoked && t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}
