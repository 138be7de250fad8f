package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/ghl"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
	"mailpulse/internal/service"
	"mailpulse/pkg/rbac"
)

const userID int64 = 42

var now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

func timep(t time.Time) *time.Time { return &t }

type fixture struct {
	integrations *fakeIntegrations
	emails       *fakeEmails
	contacts     *fakeContacts
	deliveries   *memDeliveries
	mailer       *fakeMailer
	recorder     *fakeRecorder
	sleeps       int
	sender       *Sender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		integrations: &fakeIntegrations{conn: &model.IntegrationConnection{
			UserID:      userID,
			Provider:    model.ProviderGHL,
			AccessToken: "tok",
			IsActive:    true,
		}},
		emails: &fakeEmails{emails: []model.Email{{
			ID:       1,
			UserID:   userID,
			Type:     model.EmailTypePriority,
			Subject:  "Hello",
			BodyHTML: "<p>Hi <b>there</b></p>",
			IsActive: true,
		}}},
		contacts: &fakeContacts{contacts: []model.Contact{
			{ID: 10, UserID: userID, ExternalID: strp("c-10"), Tags: []string{model.AudienceTag(1)}},
			{ID: 11, UserID: userID, ExternalID: strp("c-11"), Tags: []string{model.AudienceTag(1)}},
			{ID: 12, UserID: userID, ExternalID: strp("c-12"), Tags: []string{"other"}},
		}},
		deliveries: &memDeliveries{},
		mailer:     &fakeMailer{},
		recorder:   &fakeRecorder{},
	}
	f.sender = NewSender(f.integrations, f.emails, f.contacts, f.deliveries, f.mailer, f.recorder,
		Config{SendDelay: time.Second}, zap.NewNop())
	f.sender.sleep = func(context.Context, time.Duration) { f.sleeps++ }
	return f
}

func principal() auth.Principal {
	return auth.Principal{UserID: userID, Role: rbac.RoleUser}
}

func TestRunSendsToTaggedAudience(t *testing.T) {
	f := newFixture(t)

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 2}, res)
	require.Len(t, f.mailer.sent, 2)
	assert.Equal(t, "c-10", f.mailer.sent[0].ContactID)
	assert.Equal(t, "Hello", f.mailer.sent[0].Subject)
	assert.Len(t, f.deliveries.byStatus(model.StatusSent), 2)
	assert.Equal(t, 1, f.sleeps, "delay only between attempts")
}

func TestRunDerivesTextFromHTML(t *testing.T) {
	f := newFixture(t)

	_, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	require.NotEmpty(t, f.mailer.sent)
	assert.Equal(t, "Hi there", f.mailer.sent[0].Text)
}

func TestRunKeepsExplicitText(t *testing.T) {
	f := newFixture(t)
	f.emails.emails[0].BodyText = "plain version"

	_, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, "plain version", f.mailer.sent[0].Text)
}

func TestRunIsIdempotentAcrossRuns(t *testing.T) {
	f := newFixture(t)

	_, err := f.sender.Run(context.Background(), principal(), now)
	require.NoError(t, err)

	res, err := f.sender.Run(context.Background(), principal(), now)
	require.NoError(t, err)

	assert.Equal(t, Result{Skipped: 2}, res)
	assert.Len(t, f.mailer.sent, 2)
	assert.Len(t, f.deliveries.rows, 2)
}

func TestRunSkipsIneligibleEmails(t *testing.T) {
	cases := map[string]func(e *model.Email){
		"inactive":      func(e *model.Email) { e.IsActive = false },
		"not started":   func(e *model.Email) { e.StartDate = timep(now.Add(time.Hour)) },
		"ended":         func(e *model.Email) { e.EndDate = timep(now.Add(-time.Hour)) },
		"blank subject": func(e *model.Email) { e.Subject = "  " },
		"blank body":    func(e *model.Email) { e.BodyHTML = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			mutate(&f.emails.emails[0])

			res, err := f.sender.Run(context.Background(), principal(), now)

			require.NoError(t, err)
			assert.Equal(t, Result{}, res)
			assert.Empty(t, f.mailer.sent)
		})
	}
}

func TestRunInsideWindow(t *testing.T) {
	f := newFixture(t)
	f.emails.emails[0].StartDate = timep(now.Add(-time.Hour))
	f.emails.emails[0].EndDate = timep(now.Add(time.Hour))

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, 2, res.Sent)
}

func TestRunSkipsContactsWithoutExternalID(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts[0].ExternalID = nil
	f.contacts.contacts[1].ExternalID = strp("")

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 2}, res)
	assert.Empty(t, f.mailer.sent)
	assert.Empty(t, f.deliveries.rows)
}

func TestRunIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.mailer.fail = map[string]error{"c-10": &ghl.APIError{StatusCode: 500, Body: "boom"}}

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1, Failed: 1}, res)
	assert.Len(t, f.deliveries.byStatus(model.StatusFailed), 1)
	assert.Len(t, f.deliveries.byStatus(model.StatusSent), 1)

	require.Len(t, f.recorder.calls, 1)
	assert.Equal(t, int64(1), f.recorder.calls[0].fields["email_id"])
	assert.Equal(t, int64(10), f.recorder.calls[0].fields["contact_id"])
	assert.Equal(t, 1, f.sleeps)
}

func TestRunRetriesFailedDeliveryNextRun(t *testing.T) {
	f := newFixture(t)
	f.mailer.fail = map[string]error{"c-10": errors.New("temporary")}

	_, err := f.sender.Run(context.Background(), principal(), now)
	require.NoError(t, err)

	f.mailer.fail = nil
	res, err := f.sender.Run(context.Background(), principal(), now)
	require.NoError(t, err)

	assert.Equal(t, Result{Sent: 1, Skipped: 1}, res)
	assert.Len(t, f.deliveries.byStatus(model.StatusSent), 2)
	assert.Len(t, f.deliveries.byStatus(model.StatusFailed), 1, "failed row is kept as history")
}

func TestRunMissingMessageIDCountsAsFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.noID = map[string]bool{"c-11": true}

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1, Failed: 1}, res)
	require.Len(t, f.recorder.calls, 1)
	assert.ErrorIs(t, f.recorder.calls[0].err, ghl.ErrMissingMessageID)
}

func TestRunWithoutIntegrationMakesNoCalls(t *testing.T) {
	cases := map[string]*model.IntegrationConnection{
		"missing":  nil,
		"inactive": {UserID: userID, Provider: model.ProviderGHL, AccessToken: "tok"},
		"expired": {UserID: userID, Provider: model.ProviderGHL, AccessToken: "tok", IsActive: true,
			ExpiresAt: timep(now.Add(-time.Minute))},
	}
	for name, conn := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.integrations.conn = conn

			res, err := f.sender.Run(context.Background(), principal(), now)

			assert.ErrorIs(t, err, service.ErrIntegrationUnavailable)
			assert.Equal(t, Result{}, res)
			assert.Empty(t, f.mailer.sent)
			assert.Empty(t, f.deliveries.rows)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = append(f.contacts.contacts,
		model.Contact{ID: 13, UserID: userID, ExternalID: strp("c-13"), Tags: []string{model.AudienceTag(1)}})
	ctx, cancel := context.WithCancel(context.Background())
	f.sender.sleep = func(context.Context, time.Duration) { cancel() }

	res, err := f.sender.Run(ctx, principal(), now)

	assert.ErrorIs(t, err, context.Canceled)
	// the contact in flight when the delay was cut short still completes
	assert.Len(t, f.mailer.sent, 2)
	assert.Equal(t, Result{Sent: 2}, res)
}

func TestRunStopsBeforeNextContactOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.sender.Run(ctx, principal(), now)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Result{}, res)
	assert.Empty(t, f.mailer.sent)
}

func TestRunReclaimsStaleQueuedDelivery(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = f.contacts.contacts[:1]
	f.deliveries.rows = []*model.EmailDelivery{{
		ID: 99, EmailID: 1, ContactID: 10, Status: model.StatusQueued,
		UpdatedAt: time.Now().Add(-time.Hour),
	}}
	f.deliveries.nextID = 99

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Len(t, f.deliveries.rows, 1)
	assert.Equal(t, model.StatusSent, f.deliveries.rows[0].Status)
}

func TestRunLeavesFreshQueuedDeliveryAlone(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = f.contacts.contacts[:1]
	f.deliveries.rows = []*model.EmailDelivery{{
		ID: 99, EmailID: 1, ContactID: 10, Status: model.StatusQueued,
		UpdatedAt: time.Now(),
	}}

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, f.mailer.sent)
}

func TestRunRetriesRecordingSentDelivery(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = f.contacts.contacts[:1]
	f.deliveries.markSentErrs = []error{errors.New("conn reset"), errors.New("conn reset")}

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, 3, f.deliveries.markSentCalls)
	assert.Equal(t, 2, f.sleeps)
	assert.Empty(t, f.recorder.calls)
	require.Len(t, f.deliveries.rows, 1)
	assert.Equal(t, model.StatusSent, f.deliveries.rows[0].Status)

	// 超过认领过期时间后也不会重发
	f.deliveries.rows[0].UpdatedAt = time.Now().Add(-time.Hour)
	res, err = f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Len(t, f.mailer.sent, 1)
}

func TestRunRecordsSentDeliveryAfterCancel(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = f.contacts.contacts[:1]
	ctx, cancel := context.WithCancel(context.Background())
	f.deliveries.markSentErrs = []error{errors.New("conn reset")}
	f.sender.sleep = func(context.Context, time.Duration) { cancel() }

	res, err := f.sender.Run(ctx, principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, model.StatusSent, f.deliveries.rows[0].Status)
}

func TestRunGivesUpRecordingAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = f.contacts.contacts[:1]
	dbErr := errors.New("db down")
	f.deliveries.markSentErrs = []error{dbErr, dbErr, dbErr, dbErr}

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, markSentAttempts, f.deliveries.markSentCalls)
	require.Len(t, f.recorder.calls, 1)
	assert.ErrorIs(t, f.recorder.calls[0].err, dbErr)
	assert.Contains(t, f.recorder.calls[0].err.Error(), "msg-c-10")
}

func TestRunStopsRecordingWhenRowMovedOn(t *testing.T) {
	f := newFixture(t)
	f.contacts.contacts = f.contacts.contacts[:1]
	f.deliveries.markSentErrs = []error{repository.ErrNotFound}

	res, err := f.sender.Run(context.Background(), principal(), now)

	require.NoError(t, err)
	assert.Equal(t, Result{Sent: 1}, res)
	assert.Equal(t, 1, f.deliveries.markSentCalls)
	require.Len(t, f.recorder.calls, 1)
	assert.ErrorIs(t, f.recorder.calls[0].err, repository.ErrNotFound)
}
