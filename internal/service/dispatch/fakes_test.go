package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"mailpulse/internal/ghl"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
)

type fakeIntegrations struct {
	conn *model.IntegrationConnection
}

func (f *fakeIntegrations) Get(_ context.Context, userID int64, provider string) (*model.IntegrationConnection, error) {
	if f.conn == nil || f.conn.UserID != userID || f.conn.Provider != provider {
		return nil, repository.ErrNotFound
	}
	return f.conn, nil
}

type fakeEmails struct {
	emails []model.Email
	err    error
}

func (f *fakeEmails) ListActivePriority(_ context.Context, userID int64) ([]model.Email, error) {
	var out []model.Email
	for _, e := range f.emails {
		if e.UserID == userID && e.IsActive && e.Type == model.EmailTypePriority {
			out = append(out, e)
		}
	}
	return out, f.err
}

type fakeContacts struct {
	contacts []model.Contact
}

func (f *fakeContacts) ListByTag(_ context.Context, userID int64, tag string) ([]model.Contact, error) {
	var out []model.Contact
	for _, c := range f.contacts {
		if c.UserID == userID && c.HasTag(tag) {
			out = append(out, c)
		}
	}
	return out, nil
}

// memDeliveries mimics the claim semantics of the partial unique index.
type memDeliveries struct {
	mu     sync.Mutex
	nextID int64
	rows   []*model.EmailDelivery

	// markSentErrs fail the next MarkSent calls in order.
	markSentErrs  []error
	markSentCalls int
}

func (m *memDeliveries) ClaimDelivery(_ context.Context, emailID, contactID int64, variantID *int64, staleBefore time.Time) (*model.EmailDelivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.rows {
		if d.EmailID != emailID || d.ContactID != contactID || d.Status == model.StatusFailed {
			continue
		}
		if d.Status == model.StatusQueued && d.UpdatedAt.Before(staleBefore) {
			d.UpdatedAt = time.Now()
			cp := *d
			return &cp, true, nil
		}
		return nil, false, nil
	}

	m.nextID++
	d := &model.EmailDelivery{
		ID:        m.nextID,
		EmailID:   emailID,
		ContactID: contactID,
		VariantID: variantID,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.rows = append(m.rows, d)
	cp := *d
	return &cp, true, nil
}

func (m *memDeliveries) find(id int64) *model.EmailDelivery {
	for _, d := range m.rows {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (m *memDeliveries) MarkSent(ctx context.Context, _ int64, d *model.EmailDelivery, messageID string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markSentCalls++
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(m.markSentErrs) > 0 {
		err := m.markSentErrs[0]
		m.markSentErrs = m.markSentErrs[1:]
		return err
	}
	row := m.find(d.ID)
	if row.Status != model.StatusQueued {
		return repository.ErrNotFound
	}
	row.Status = model.StatusSent
	row.MessageID = &messageID
	row.SentAt = &sentAt
	return nil
}

func (m *memDeliveries) MarkFailed(_ context.Context, d *model.EmailDelivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(d.ID)
	row.Status = model.StatusFailed
	row.ErrorMessage = &reason
	return nil
}

func (m *memDeliveries) byStatus(status model.DeliveryStatus) []*model.EmailDelivery {
	var out []*model.EmailDelivery
	for _, d := range m.rows {
		if d.Status == status {
			out = append(out, d)
		}
	}
	return out
}

type fakeMailer struct {
	sent    []ghl.OutboundEmail
	fail    map[string]error
	noID    map[string]bool
	counter int
}

func (f *fakeMailer) SendEmail(_ context.Context, token string, msg ghl.OutboundEmail) (string, error) {
	if token == "" {
		return "", errors.New("no token")
	}
	if err := f.fail[msg.ContactID]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	if f.noID[msg.ContactID] {
		return "", ghl.ErrMissingMessageID
	}
	f.counter++
	return "msg-" + msg.ContactID, nil
}

type recorded struct {
	err    error
	fields map[string]any
}

type fakeRecorder struct {
	calls []recorded
}

func (f *fakeRecorder) Record(_ context.Context, err error, fields map[string]any) {
	f.calls = append(f.calls, recorded{err: err, fields: fields})
}

type fakeLocker struct {
	held map[string]bool
}

func (f *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	if f.held == nil {
		f.held = map[string]bool{}
	}
	if f.held[key] {
		return nil, false, nil
	}
	f.held[key] = true
	return func() { delete(f.held, key) }, true, nil
}

type fakeUsers struct {
	ids []int64
}

func (f *fakeUsers) ListActiveUserIDs(_ context.Context, provider string) ([]int64, error) {
	if provider != model.ProviderGHL {
		return nil, nil
	}
	return f.ids, nil
}
