// Package email manages the emails a user sends: templates, priority
// emails and experiments.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
)

// ValidationError reports a rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Store interface {
	Create(ctx context.Context, e *model.Email) error
	Update(ctx context.Context, e *model.Email) error
	Deactivate(ctx context.Context, userID, emailID int64) error
	GetByID(ctx context.Context, userID, emailID int64) (*model.Email, error)
	ListByUser(ctx context.Context, userID int64, emailType model.EmailType) ([]model.Email, error)
}

type VariantLister interface {
	ListByEmail(ctx context.Context, emailID int64) ([]model.ExperimentVariant, error)
}

// Input is the editable part of an email.
type Input struct {
	Type        model.EmailType `json:"type"`
	Name        string          `json:"name"`
	Subject     string          `json:"subject"`
	BodyHTML    string          `json:"body_html"`
	BodyText    string          `json:"body_text"`
	StartDate   *time.Time      `json:"start_date"`
	EndDate     *time.Time      `json:"end_date"`
	BaseEmailID *int64          `json:"base_email_id"`
}

type Service struct {
	emails   Store
	variants VariantLister
}

func NewService(emails Store, variants VariantLister) *Service {
	return &Service{
		emails:   emails,
		variants: variants,
	}
}

func (s *Service) validate(ctx context.Context, p auth.Principal, in *Input) error {
	if !in.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "must be template, priority or experiment"}
	}
	if in.StartDate != nil && in.EndDate != nil && in.EndDate.Before(*in.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "is before start_date"}
	}
	if in.BaseEmailID != nil {
		if in.Type != model.EmailTypeExperiment {
			return &ValidationError{Field: "base_email_id", Reason: "only experiments have a base email"}
		}
		// 基础邮件必须属于同一用户
		if _, err := s.emails.GetByID(ctx, p.UserID, *in.BaseEmailID); err != nil {
			return fmt.Errorf("failed to load base email: %w", err)
		}
	}
	return nil
}

// Create stores a new active email owned by p.
func (s *Service) Create(ctx context.Context, p auth.Principal, in Input) (*model.Email, error) {
	if err := s.validate(ctx, p, &in); err != nil {
		return nil, err
	}

	e := &model.Email{
		UserID:      p.UserID,
		Type:        in.Type,
		Name:        strings.TrimSpace(in.Name),
		Subject:     in.Subject,
		BodyHTML:    in.BodyHTML,
		BodyText:    in.BodyText,
		IsActive:    true,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		BaseEmailID: in.BaseEmailID,
	}
	if err := s.emails.Create(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Update replaces the content and window of an email. The type is fixed at
// creation.
func (s *Service) Update(ctx context.Context, p auth.Principal, emailID int64, in Input) (*model.Email, error) {
	e, err := s.emails.GetByID(ctx, p.UserID, emailID)
	if err != nil {
		return nil, err
	}
	in.Type = e.Type
	in.BaseEmailID = nil
	if err := s.validate(ctx, p, &in); err != nil {
		return nil, err
	}

	e.Name = strings.TrimSpace(in.Name)
	e.Subject = in.Subject
	e.BodyHTML = in.BodyHTML
	e.BodyText = in.BodyText
	e.StartDate = in.StartDate
	e.EndDate = in.EndDate
	if err := s.emails.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) Deactivate(ctx context.Context, p auth.Principal, emailID int64) error {
	return s.emails.Deactivate(ctx, p.UserID, emailID)
}

func (s *Service) Get(ctx context.Context, p auth.Principal, emailID int64) (*model.Email, error) {
	return s.emails.GetByID(ctx, p.UserID, emailID)
}

// List returns p's emails, all types when emailType is empty.
func (s *Service) List(ctx context.Context, p auth.Principal, emailType model.EmailType) ([]model.Email, error) {
	if emailType != "" && !emailType.Valid() {
		return nil, &ValidationError{Field: "type", Reason: "unknown email type"}
	}
	return s.emails.ListByUser(ctx, p.UserID, emailType)
}

// Variants lists the variants of one of p's emails.
func (s *Service) Variants(ctx context.Context, p auth.Principal, emailID int64) ([]model.ExperimentVariant, error) {
	if _, err := s.emails.GetByID(ctx, p.UserID, emailID); err != nil {
		return nil, err
	}
	return s.variants.ListByEmail(ctx, emailID)
}

// IsValidation reports whether err is a rejected input.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
