package model

import "time"

type Contact struct {
	ID           int64             `json:"id"`
	UserID       int64             `json:"user_id"`
	ExternalID   *string           `json:"external_id,omitempty"`
	Email        string            `json:"email"`
	FirstName    string            `json:"first_name"`
	LastName     string            `json:"last_name"`
	Tags         []string          `json:"tags"`
	CustomFields map[string]string `json:"custom_fields"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Addressable reports whether the contact can be reached on the external channel.
func (c *Contact) Addressable() bool {
	return c.ExternalID != nil && *c.ExternalID != ""
}

func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
