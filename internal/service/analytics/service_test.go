package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
)

type fakeEmails struct {
	emails []model.Email
}

func (f *fakeEmails) GetByID(_ context.Context, userID, emailID int64) (*model.Email, error) {
	for i := range f.emails {
		if f.emails[i].ID == emailID && f.emails[i].UserID == userID {
			e := f.emails[i]
			return &e, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeEmails) ListByUser(_ context.Context, userID int64, _ model.EmailType) ([]model.Email, error) {
	var out []model.Email
	for _, e := range f.emails {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeVariants struct {
	variants []model.ExperimentVariant
}

func (f *fakeVariants) ListByEmail(_ context.Context, emailID int64) ([]model.ExperimentVariant, error) {
	var out []model.ExperimentVariant
	for _, v := range f.variants {
		if v.EmailID == emailID {
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeDeliveries struct {
	deliveries []model.EmailDelivery
	loads      int
}

func (f *fakeDeliveries) ListByEmail(_ context.Context, _ int64, emailID int64) ([]model.EmailDelivery, error) {
	f.loads++
	var out []model.EmailDelivery
	for _, d := range f.deliveries {
		if d.EmailID == emailID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeliveries) ListByUser(_ context.Context, _ int64, _ time.Time) ([]model.EmailDelivery, error) {
	f.loads++
	return f.deliveries, nil
}

func int64p(v int64) *int64 { return &v }

var now = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

type fixture struct {
	mr         *miniredis.Miniredis
	deliveries *fakeDeliveries
	svc        *Service
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()

	sent := now.Add(-2 * time.Hour)
	f := &fixture{deliveries: &fakeDeliveries{deliveries: []model.EmailDelivery{
		{EmailID: 1, Status: model.StatusDelivered, SentAt: &sent},
		{EmailID: 1, Status: model.StatusOpened, SentAt: &sent},
		{EmailID: 2, VariantID: int64p(20), Status: model.StatusOpened},
		{EmailID: 2, VariantID: int64p(21), Status: model.StatusDelivered},
	}}}

	var rdb *redis.Client
	if withCache {
		f.mr = miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: f.mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
	}

	emails := &fakeEmails{emails: []model.Email{
		{ID: 1, UserID: 7, Type: model.EmailTypePriority},
		{ID: 2, UserID: 7, Type: model.EmailTypeExperiment},
	}}
	variants := &fakeVariants{variants: []model.ExperimentVariant{
		{ID: 20, EmailID: 2, Letter: "A"},
		{ID: 21, EmailID: 2, Letter: "B"},
	}}
	f.svc = NewService(emails, variants, f.deliveries, rdb, Config{CacheTTL: time.Minute}, zap.NewNop())
	f.svc.clock = func() time.Time { return now }
	return f
}

var principal = auth.Principal{UserID: 7, Role: "user"}

func TestOverview(t *testing.T) {
	f := newFixture(t, false)

	ov, err := f.svc.Overview(context.Background(), principal, 7)

	require.NoError(t, err)
	assert.Equal(t, 4, ov.Summary.Total)
	assert.Equal(t, "50.00", ov.Summary.OpenRate)
	assert.Equal(t, 2, ov.ByType[model.EmailTypePriority].Total)
	require.Len(t, ov.Timeline, 7)
	assert.Equal(t, 2, ov.Timeline[6].Sent)
	assert.Equal(t, "2026-05-26", ov.From.Format("2006-01-02"))
}

func TestExperimentReport(t *testing.T) {
	f := newFixture(t, false)

	report, err := f.svc.Experiment(context.Background(), principal, 2)

	require.NoError(t, err)
	require.Len(t, report.Variants, 2)
	require.NotNil(t, report.Winner)
	assert.Equal(t, "A", report.Winner.Letter)
}

func TestExperimentRejectsOtherTypes(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Experiment(context.Background(), principal, 1)

	assert.ErrorIs(t, err, ErrNotExperiment)
}

func TestEmailScopedToPrincipal(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Email(context.Background(), auth.Principal{UserID: 8}, 1)

	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEmailReport(t *testing.T) {
	f := newFixture(t, false)

	report, err := f.svc.Email(context.Background(), principal, 1)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Total)
	require.Len(t, report.Timeline, 1)
	assert.Equal(t, 2, report.Timeline[0].Sent)
}

func TestCacheHitSkipsStore(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	first, err := f.svc.Email(ctx, principal, 1)
	require.NoError(t, err)
	second, err := f.svc.Email(ctx, principal, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, f.deliveries.loads)
	assert.Equal(t, first.Summary, second.Summary)
	assert.True(t, f.mr.Exists("analytics:7:email:1"))
	assert.Equal(t, time.Minute, f.mr.TTL("analytics:7:email:1"))
}

func TestInvalidateDropsEmailAndOverview(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.svc.Email(ctx, principal, 1)
	require.NoError(t, err)
	_, err = f.svc.Overview(ctx, principal, 7)
	require.NoError(t, err)
	_, err = f.svc.Experiment(ctx, principal, 2)
	require.NoError(t, err)

	f.svc.Invalidate(ctx, 7, 1)

	assert.False(t, f.mr.Exists("analytics:7:email:1"))
	assert.False(t, f.mr.Exists("analytics:7:overview:7"))
	assert.True(t, f.mr.Exists("analytics:7:experiment:2"))
}

func TestCorruptCacheEntryIsReloaded(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.mr.Set("analytics:7:email:1", "{not json"))

	report, err := f.svc.Email(context.Background(), principal, 1)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Total)
	assert.Equal(t, 1, f.deliveries.loads)
}

func TestRedisDownFallsBackToStore(t *testing.T) {
	f := newFixture(t, true)
	f.mr.Close()

	report, err := f.svc.Email(context.Background(), principal, 1)

	require.NoError(t, err)
	assert.Equal(t, 2, report.Summary.Total)
}
