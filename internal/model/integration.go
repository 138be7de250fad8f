package model

import "time"

const (
	ProviderGHL    = "ghl"
	ProviderOpenAI = "openai"
)

type IntegrationConnection struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Provider    string     `json:"provider"`
	AccessToken string     `json:"-"`
	LocationID  string     `json:"location_id,omitempty"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Usable is the capability check performed before any outbound call.
func (c *IntegrationConnection) Usable(now time.Time) bool {
	if c == nil || !c.IsActive || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == nil || now.Before(*c.ExpiresAt)
}

func ValidProvider(p string) bool {
	return p == ProviderGHL || p == ProviderOpenAI
}
