// Package dispatch sends active priority emails to their tagged audience.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/ghl"
	"mailpulse/internal/htmltext"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
	"mailpulse/internal/service"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/metrics"
)

type EmailSource interface {
	ListActivePriority(ctx context.Context, userID int64) ([]model.Email, error)
}

type ContactSource interface {
	ListByTag(ctx context.Context, userID int64, tag string) ([]model.Contact, error)
}

type DeliveryStore interface {
	ClaimDelivery(ctx context.Context, emailID, contactID int64, variantID *int64, staleBefore time.Time) (*model.EmailDelivery, bool, error)
	MarkSent(ctx context.Context, userID int64, d *model.EmailDelivery, messageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, d *model.EmailDelivery, reason string) error
}

type Mailer interface {
	SendEmail(ctx context.Context, token string, msg ghl.OutboundEmail) (string, error)
}

type ErrorRecorder interface {
	Record(ctx context.Context, err error, fields map[string]any)
}

type Config struct {
	Interval time.Duration `yaml:"interval" env:"DISPATCH_INTERVAL"`
	// SendDelay is the pause between two send attempts.
	SendDelay time.Duration `yaml:"send_delay" env:"DISPATCH_SEND_DELAY"`
	// StaleClaimAfter is how long a queued delivery may stay untouched
	// before another run may claim it again.
	StaleClaimAfter time.Duration `yaml:"stale_claim_after" env:"DISPATCH_STALE_CLAIM_AFTER"`
	LockTTL         time.Duration `yaml:"lock_ttl" env:"DISPATCH_LOCK_TTL"`
}

// Result counts what happened to each audience member of a run.
type Result struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (r *Result) add(o Result) {
	r.Sent += o.Sent
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

type Sender struct {
	integrations service.IntegrationLookup
	emails       EmailSource
	contacts     ContactSource
	deliveries   DeliveryStore
	mailer       Mailer
	recorder     ErrorRecorder
	logger       *zap.Logger

	sendDelay  time.Duration
	staleAfter time.Duration
	clock      func() time.Time
	sleep      func(ctx context.Context, d time.Duration)
}

func NewSender(
	integrations service.IntegrationLookup,
	emails EmailSource,
	contacts ContactSource,
	deliveries DeliveryStore,
	mailer Mailer,
	recorder ErrorRecorder,
	cfg Config,
	logger *zap.Logger,
) *Sender {
	if cfg.SendDelay < 0 {
		cfg.SendDelay = 0
	}
	if cfg.StaleClaimAfter <= 0 {
		cfg.StaleClaimAfter = 15 * time.Minute
	}
	return &Sender{
		integrations: integrations,
		emails:       emails,
		contacts:     contacts,
		deliveries:   deliveries,
		mailer:       mailer,
		recorder:     recorder,
		logger:       logger,
		sendDelay:    cfg.SendDelay,
		staleAfter:   cfg.StaleClaimAfter,
		clock:        time.Now,
		sleep:        sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run sends every eligible priority email of p to its audience.
//
// An email is eligible when it is active, inside its date window at now and
// has both subject and body. Contacts without an external id are skipped, as
// are contacts that already have a live delivery for the email. Failures are
// recorded per contact and never stop the batch. Cancelling ctx stops the run
// after the contact being processed.
func (s *Sender) Run(ctx context.Context, p auth.Principal, now time.Time) (Result, error) {
	var result Result
	log := logger.WithTrace(ctx, s.logger).With(zap.Int64("user_id", p.UserID))

	conn, err := service.RequireIntegration(ctx, s.integrations, p, model.ProviderGHL, now)
	if err != nil {
		return result, err
	}

	emails, err := s.emails.ListActivePriority(ctx, p.UserID)
	if err != nil {
		return result, fmt.Errorf("failed to load priority emails: %w", err)
	}

	b := &batch{Sender: s, principal: p, token: conn.AccessToken, now: now, log: log}
	for i := range emails {
		e := &emails[i]
		if !e.IsActive || !e.InWindow(now) || !e.HasContent() {
			log.Debug("Priority email not eligible", zap.Int64("email_id", e.ID))
			continue
		}

		r, err := b.sendEmail(ctx, e)
		result.add(r)
		if err != nil {
			return result, err
		}
	}

	log.Info("Priority dispatch finished",
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}

// batch is the state of one Run shared across emails.
type batch struct {
	*Sender
	principal auth.Principal
	token     string
	now       time.Time
	log       *zap.Logger
	attempted bool
}

func (b *batch) sendEmail(ctx context.Context, e *model.Email) (Result, error) {
	var result Result

	contacts, err := b.contacts.ListByTag(ctx, b.principal.UserID, model.AudienceTag(e.ID))
	if err != nil {
		b.recorder.Record(ctx, fmt.Errorf("failed to load audience: %w", err), map[string]any{
			"email_id": e.ID,
			"user_id":  b.principal.UserID,
		})
		return result, nil
	}

	text := e.BodyText
	if strings.TrimSpace(text) == "" {
		text = htmltext.FromHTML(e.BodyHTML)
	}
	msg := ghl.OutboundEmail{Subject: e.Subject, HTML: e.BodyHTML, Text: text}

	for i := range contacts {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		outcome := b.sendOne(ctx, e, &contacts[i], msg)
		metrics.IncrementDispatch(outcome)
		switch outcome {
		case outcomeSent:
			result.Sent++
		case outcomeFailed:
			result.Failed++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

const (
	markSentAttempts = 3
	markSentBackoff  = 500 * time.Millisecond
)

const (
	outcomeSent         = "sent"
	outcomeFailed       = "failed"
	outcomeNoExternalID = "skipped_no_external_id"
	outcomeAlreadySent  = "skipped_duplicate"
)

func (b *batch) sendOne(ctx context.Context, e *model.Email, c *model.Contact, msg ghl.OutboundEmail) string {
	fields := map[string]any{
		"email_id":   e.ID,
		"contact_id": c.ID,
		"user_id":    b.principal.UserID,
	}

	if !c.Addressable() {
		return outcomeNoExternalID
	}

	d, ok, err := b.deliveries.ClaimDelivery(ctx, e.ID, c.ID, nil, b.clock().Add(-b.staleAfter))
	if err != nil {
		b.recorder.Record(ctx, err, fields)
		return outcomeFailed
	}
	if !ok {
		return outcomeAlreadySent
	}

	if b.attempted {
		b.sleep(ctx, b.sendDelay)
	}
	b.attempted = true

	msg.ContactID = *c.ExternalID
	messageID, err := b.mailer.SendEmail(ctx, b.token, msg)
	if err != nil {
		if markErr := b.deliveries.MarkFailed(ctx, d, err.Error()); markErr != nil {
			err = errors.Join(err, markErr)
		}
		b.recorder.Record(ctx, fmt.Errorf("failed to send priority email: %w", err), fields)
		return outcomeFailed
	}

	if err := b.markSent(ctx, d, messageID); err != nil {
		b.recorder.Record(ctx, fmt.Errorf("sent but failed to record message %s: %w", messageID, err), fields)
	}
	b.log.Debug("Priority email sent",
		zap.Int64("email_id", e.ID),
		zap.Int64("contact_id", c.ID),
		zap.String("message_id", messageID),
	)
	return outcomeSent
}

// markSent records an accepted message, retrying with a growing pause. A
// queued row left behind would be claimed again once stale, so the write is
// not tied to the cancellation of the run. ErrNotFound means the row is no
// longer queued and is not retried.
func (b *batch) markSent(ctx context.Context, d *model.EmailDelivery, messageID string) error {
	ctx = context.WithoutCancel(ctx)
	sentAt := b.clock()

	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		if attempt > 1 {
			b.sleep(ctx, time.Duration(attempt-1)*markSentBackoff)
		}
		err = b.deliveries.MarkSent(ctx, b.principal.UserID, d, messageID, sentAt)
		if err == nil || errors.Is(err, repository.ErrNotFound) {
			return err
		}
		b.log.Warn("Failed to record sent delivery",
			zap.Int64("delivery_id", d.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return err
}
