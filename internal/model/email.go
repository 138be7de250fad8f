package model

import (
	"fmt"
	"strings"
	"time"
)

type EmailType string

const (
	EmailTypeTemplate   EmailType = "template"
	EmailTypePriority   EmailType = "priority"
	EmailTypeExperiment EmailType = "experiment"
)

func (t EmailType) Valid() bool {
	switch t {
	case EmailTypeTemplate, EmailTypePriority, EmailTypeExperiment:
		return true
	}
	return false
}

type Email struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Type        EmailType  `json:"type"`
	Name        string     `json:"name"`
	Subject     string     `json:"subject"`
	BodyHTML    string     `json:"body_html"`
	BodyText    string     `json:"body_text"`
	IsActive    bool       `json:"is_active"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
	BaseEmailID *int64     `json:"base_email_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// InWindow reports whether now falls inside the optional start/end window.
// A missing bound is unbounded.
func (e *Email) InWindow(now time.Time) bool {
	if e.StartDate != nil && now.Before(*e.StartDate) {
		return false
	}
	if e.EndDate != nil && now.After(*e.EndDate) {
		return false
	}
	return true
}

// HasContent is true when both subject and body are non-blank.
func (e *Email) HasContent() bool {
	return strings.TrimSpace(e.Subject) != "" && strings.TrimSpace(e.BodyHTML) != ""
}

// AudienceTag is the contact tag that targets a priority email.
func AudienceTag(emailID int64) string {
	return fmt.Sprintf("priority_email_%d", emailID)
}

// MaxVariants is the upper bound of variants per experiment (letters A-E).
const MaxVariants = 5

// VariantLetter returns the letter for the i-th variant (0 => "A").
func VariantLetter(i int) string {
	return string(rune('A' + i))
}

type ExperimentVariant struct {
	ID        int64     `json:"id"`
	EmailID   int64     `json:"email_id"`
	Letter    string    `json:"letter"`
	Subject   string    `json:"subject"`
	BodyHTML  string    `json:"body_html"`
	BodyText  string    `json:"body_text"`
	KeyAngle  string    `json:"key_angle"`
	CreatedAt time.Time `json:"created_at"`
}
