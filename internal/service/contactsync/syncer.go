// Package contactsync mirrors a user's GHL contacts into the local store.
package contactsync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/ghl"
	"mailpulse/internal/model"
	"mailpulse/internal/service"
	"mailpulse/pkg/logger"
)

type ContactLister interface {
	ListContacts(ctx context.Context, token, locationID, startAfterID string, limit int) (ghl.ContactPage, error)
}

type ContactWriter interface {
	Upsert(ctx context.Context, c *model.Contact) error
}

type ErrorRecorder interface {
	Record(ctx context.Context, err error, fields map[string]any)
}

type Config struct {
	PageSize int `yaml:"page_size" env:"CONTACT_SYNC_PAGE_SIZE"`
	MaxPages int `yaml:"max_pages" env:"CONTACT_SYNC_MAX_PAGES"`
}

type Syncer struct {
	integrations service.IntegrationLookup
	remote       ContactLister
	store        ContactWriter
	recorder     ErrorRecorder
	pageSize     int
	maxPages     int
	logger       *zap.Logger
	clock        func() time.Time
}

func NewSyncer(integrations service.IntegrationLookup, remote ContactLister, store ContactWriter, recorder ErrorRecorder, cfg Config, logger *zap.Logger) *Syncer {
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	return &Syncer{
		integrations: integrations,
		remote:       remote,
		store:        store,
		recorder:     recorder,
		pageSize:     cfg.PageSize,
		maxPages:     cfg.MaxPages,
		logger:       logger,
		clock:        time.Now,
	}
}

// Sync pages through the remote contacts of p and upserts each one by
// external id, replacing tags and custom fields. A contact that fails to
// store is recorded and skipped. It returns the number of contacts stored.
func (s *Syncer) Sync(ctx context.Context, p auth.Principal) (int, error) {
	conn, err := service.RequireIntegration(ctx, s.integrations, p, model.ProviderGHL, s.clock())
	if err != nil {
		return 0, err
	}
	log := logger.WithTrace(ctx, s.logger).With(zap.Int64("user_id", p.UserID))

	stored := 0
	cursor := ""
	for page := 0; page < s.maxPages; page++ {
		res, err := s.remote.ListContacts(ctx, conn.AccessToken, conn.LocationID, cursor, s.pageSize)
		if err != nil {
			return stored, fmt.Errorf("failed to list contacts after %d stored: %w", stored, err)
		}

		for _, rc := range res.Contacts {
			if rc.ID == "" {
				continue
			}
			c := toContact(p.UserID, rc)
			if err := s.store.Upsert(ctx, c); err != nil {
				s.recorder.Record(ctx, err, map[string]any{
					"user_id":     p.UserID,
					"external_id": rc.ID,
				})
				continue
			}
			stored++
		}

		// 游标不前进时停止，避免死循环
		if res.NextStartAfterID == "" || res.NextStartAfterID == cursor {
			log.Info("Contact sync finished", zap.Int("stored", stored), zap.Int("pages", page+1))
			return stored, nil
		}
		cursor = res.NextStartAfterID
	}

	log.Warn("Contact sync stopped at page limit", zap.Int("stored", stored), zap.Int("max_pages", s.maxPages))
	return stored, nil
}

func toContact(userID int64, rc ghl.RemoteContact) *model.Contact {
	id := rc.ID
	return &model.Contact{
		UserID:       userID,
		ExternalID:   &id,
		Email:        rc.Email,
		FirstName:    rc.FirstName,
		LastName:     rc.LastName,
		Tags:         rc.Tags,
		CustomFields: rc.CustomFields,
	}
}
