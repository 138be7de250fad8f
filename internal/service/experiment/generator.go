// Package experiment generates A/B variants of an experiment email.
package experiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/htmltext"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
	"mailpulse/internal/service"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/metrics"
)

var (
	ErrNotExperiment = errors.New("email is not an experiment")
	ErrInvalidCount  = fmt.Errorf("variant count must be between 1 and %d", model.MaxVariants)
	ErrVariantsExist = errors.New("experiment already has variants")
	ErrNoVariants    = errors.New("no usable variant was generated")
)

type Completer interface {
	CompleteJSON(ctx context.Context, apiKey, system, user string) ([]byte, error)
}

type EmailSource interface {
	GetByID(ctx context.Context, userID, emailID int64) (*model.Email, error)
}

type VariantStore interface {
	ListByEmail(ctx context.Context, emailID int64) ([]model.ExperimentVariant, error)
	CreateBatch(ctx context.Context, userID int64, variants []model.ExperimentVariant) error
}

type Generator struct {
	integrations service.IntegrationLookup
	emails       EmailSource
	variants     VariantStore
	completer    Completer
	logger       *zap.Logger
	clock        func() time.Time
}

func NewGenerator(integrations service.IntegrationLookup, emails EmailSource, variants VariantStore, completer Completer, logger *zap.Logger) *Generator {
	return &Generator{
		integrations: integrations,
		emails:       emails,
		variants:     variants,
		completer:    completer,
		logger:       logger,
		clock:        time.Now,
	}
}

// angles steer each variant towards a different approach.
var angles = []string{
	"clarity: state the main benefit plainly",
	"urgency: give a concrete reason to act now",
	"curiosity: open a question the email answers",
	"social proof: lean on what others already do",
	"personal: speak to the reader one to one",
}

const systemPrompt = `You rewrite marketing emails for A/B tests.
Answer with a single JSON object with the keys "subject", "body_html", "body_text" and "key_angle".
"body_html" must be valid HTML for an email body. "key_angle" names the approach in a few words.
Keep the offer, facts and links of the original email unchanged.`

type generated struct {
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text"`
	KeyAngle string `json:"key_angle"`
}

// Generate asks the model for count variants of the experiment email and
// stores the usable ones in one batch, lettered A onwards in order. A
// variant whose completion fails or cannot be decoded is left out. Variants
// are never regenerated: an email that already has some gives
// ErrVariantsExist.
func (g *Generator) Generate(ctx context.Context, p auth.Principal, emailID int64, count int) ([]model.ExperimentVariant, error) {
	if count < 1 || count > model.MaxVariants {
		return nil, ErrInvalidCount
	}

	conn, err := service.RequireIntegration(ctx, g.integrations, p, model.ProviderOpenAI, g.clock())
	if err != nil {
		return nil, err
	}

	email, err := g.emails.GetByID(ctx, p.UserID, emailID)
	if err != nil {
		return nil, err
	}
	if email.Type != model.EmailTypeExperiment {
		return nil, ErrNotExperiment
	}

	existing, err := g.variants.ListByEmail(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to load variants: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrVariantsExist
	}

	log := logger.WithTrace(ctx, g.logger).With(zap.Int64("email_id", emailID), zap.Int("count", count))

	variants := make([]model.ExperimentVariant, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		v, err := g.generateOne(ctx, conn.AccessToken, email, angles[i], variantAngles(variants))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			log.Warn("Dropping variant", zap.Int("attempt", i+1), zap.Error(err))
			metrics.IncrementVariantGeneration("dropped")
			continue
		}

		v.EmailID = emailID
		v.Letter = model.VariantLetter(len(variants))
		variants = append(variants, v)
		metrics.IncrementVariantGeneration("ok")
	}

	if len(variants) == 0 {
		return nil, ErrNoVariants
	}

	if err := g.variants.CreateBatch(ctx, p.UserID, variants); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrVariantsExist
		}
		return nil, fmt.Errorf("failed to store variants: %w", err)
	}

	log.Info("Experiment variants generated", zap.Int("stored", len(variants)))
	return variants, nil
}

func (g *Generator) generateOne(ctx context.Context, apiKey string, email *model.Email, angle string, taken []string) (model.ExperimentVariant, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Original subject: %s\n\nOriginal HTML body:\n%s\n\n", email.Subject, email.BodyHTML)
	fmt.Fprintf(&prompt, "Write one variant using this angle: %s.\n", angle)
	if len(taken) > 0 {
		fmt.Fprintf(&prompt, "Do not reuse these angles: %s.\n", strings.Join(taken, "; "))
	}

	raw, err := g.completer.CompleteJSON(ctx, apiKey, systemPrompt, prompt.String())
	if err != nil {
		return model.ExperimentVariant{}, err
	}
	return decodeVariant(raw)
}

// decodeVariant validates one completion. Subject and HTML body are required;
// a missing text body is derived from the HTML.
func decodeVariant(raw []byte) (model.ExperimentVariant, error) {
	var out generated
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.ExperimentVariant{}, fmt.Errorf("failed to decode variant: %w", err)
	}

	v := model.ExperimentVariant{
		Subject:  strings.TrimSpace(out.Subject),
		BodyHTML: strings.TrimSpace(out.BodyHTML),
		BodyText: strings.TrimSpace(out.BodyText),
		KeyAngle: strings.TrimSpace(out.KeyAngle),
	}
	if v.Subject == "" || v.BodyHTML == "" {
		return model.ExperimentVariant{}, errors.New("variant is missing subject or body_html")
	}
	if v.BodyText == "" {
		v.BodyText = htmltext.FromHTML(v.BodyHTML)
	}
	return v, nil
}

func variantAngles(vs []model.ExperimentVariant) []string {
	var out []string
	for _, v := range vs {
		if v.KeyAngle != "" {
			out = append(out, v.KeyAngle)
		}
	}
	return out
}
