// Package analytics computes delivery statistics from delivery records.
// Everything here is pure; loading and caching live in service/analytics.
package analytics

import (
	"fmt"
	"math"
	"time"

	"mailpulse/internal/model"
)

type Summary struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Delivered  int `json:"delivered"`
	Opened     int `json:"opened"`
	Clicked    int `json:"clicked"`
	Bounced    int `json:"bounced"`
	Complained int `json:"complained"`
	Failed     int `json:"failed"`

	DeliveryRate     string `json:"delivery_rate"`
	OpenRate         string `json:"open_rate"`
	ClickRate        string `json:"click_rate"`
	ClickThroughRate string `json:"click_through_rate"`
}

// Rate formats num/den as a percentage with two decimals. A zero
// denominator yields "0.00".
func Rate(num, den int) string {
	return fmt.Sprintf("%.2f", ratePercent(num, den))
}

func ratePercent(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) * 100 / float64(den)
}

// Summarize counts deliveries by status. Delivered includes opened and
// clicked, opened includes clicked. Complaints are counted from the complaint
// timestamp and do not take a delivery out of the engagement counts.
func Summarize(deliveries []model.EmailDelivery) Summary {
	var s Summary
	for i := range deliveries {
		s.add(&deliveries[i])
	}
	s.finish()
	return s
}

func (s *Summary) add(d *model.EmailDelivery) {
	s.Total++
	if d.ComplainedAt != nil {
		s.Complained++
	}
	switch d.Status {
	case model.StatusQueued:
		s.Queued++
	case model.StatusDelivered:
		s.Delivered++
	case model.StatusOpened:
		s.Delivered++
		s.Opened++
	case model.StatusClicked:
		s.Delivered++
		s.Opened++
		s.Clicked++
	case model.StatusBounced:
		s.Bounced++
	case model.StatusFailed:
		s.Failed++
	}
}

func (s *Summary) finish() {
	s.DeliveryRate = Rate(s.Delivered, s.Total)
	s.OpenRate = Rate(s.Opened, s.Delivered)
	s.ClickRate = Rate(s.Clicked, s.Opened)
	s.ClickThroughRate = Rate(s.Clicked, s.Delivered)
}

// openRateValue is the open rate at the precision it is reported with.
func (s Summary) openRateValue() float64 {
	return math.Round(ratePercent(s.Opened, s.Delivered)*100) / 100
}

type VariantSummary struct {
	VariantID int64  `json:"variant_id"`
	Letter    string `json:"letter"`
	KeyAngle  string `json:"key_angle,omitempty"`
	Summary
}

type ExperimentReport struct {
	EmailID  int64            `json:"email_id"`
	Overall  Summary          `json:"overall"`
	Variants []VariantSummary `json:"variants"`
	Winner   *VariantSummary  `json:"winner,omitempty"`
}

// CompareVariants summarises deliveries per variant, in the order variants
// are given. The winner is the variant with the strictly highest open rate
// among variants with at least one delivery; on a tie the first one found
// wins. Without any delivered variant there is no winner.
func CompareVariants(emailID int64, variants []model.ExperimentVariant, deliveries []model.EmailDelivery) ExperimentReport {
	byVariant := make(map[int64][]model.EmailDelivery, len(variants))
	for _, d := range deliveries {
		if d.VariantID != nil {
			byVariant[*d.VariantID] = append(byVariant[*d.VariantID], d)
		}
	}

	report := ExperimentReport{
		EmailID:  emailID,
		Overall:  Summarize(deliveries),
		Variants: make([]VariantSummary, 0, len(variants)),
	}

	best := -1
	for _, v := range variants {
		vs := VariantSummary{
			VariantID: v.ID,
			Letter:    v.Letter,
			KeyAngle:  v.KeyAngle,
			Summary:   Summarize(byVariant[v.ID]),
		}
		report.Variants = append(report.Variants, vs)

		if vs.Total == 0 {
			continue
		}
		idx := len(report.Variants) - 1
		if best < 0 || vs.openRateValue() > report.Variants[best].openRateValue() {
			best = idx
		}
	}

	if best >= 0 {
		winner := report.Variants[best]
		report.Winner = &winner
	}
	return report
}

// ByType groups deliveries by the type of the email they belong to.
// Deliveries of unknown emails are dropped.
func ByType(emails []model.Email, deliveries []model.EmailDelivery) map[model.EmailType]Summary {
	types := make(map[int64]model.EmailType, len(emails))
	for _, e := range emails {
		types[e.ID] = e.Type
	}

	grouped := make(map[model.EmailType]*Summary)
	for i := range deliveries {
		d := &deliveries[i]
		t, ok := types[d.EmailID]
		if !ok {
			continue
		}
		s, ok := grouped[t]
		if !ok {
			s = &Summary{}
			grouped[t] = s
		}
		s.add(d)
	}

	out := make(map[model.EmailType]Summary, len(grouped))
	for t, s := range grouped {
		s.finish()
		out[t] = *s
	}
	return out
}

type DayBucket struct {
	Date      string `json:"date"`
	Sent      int    `json:"sent"`
	Delivered int    `json:"delivered"`
	Opened    int    `json:"opened"`
	Clicked   int    `json:"clicked"`
	Bounced   int    `json:"bounced"`
}

const dayLayout = "2006-01-02"

// Timeline buckets lifecycle timestamps into UTC days from `from` to `to`
// inclusive. Each timestamp is counted on its own day.
func Timeline(deliveries []model.EmailDelivery, from, to time.Time) []DayBucket {
	start := truncateDay(from)
	end := truncateDay(to)
	if end.Before(start) {
		return nil
	}

	var buckets []DayBucket
	index := make(map[string]int)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		key := day.Format(dayLayout)
		index[key] = len(buckets)
		buckets = append(buckets, DayBucket{Date: key})
	}

	bump := func(ts *time.Time, field func(*DayBucket)) {
		if ts == nil {
			return
		}
		if i, ok := index[ts.UTC().Format(dayLayout)]; ok {
			field(&buckets[i])
		}
	}

	for _, d := range deliveries {
		bump(d.SentAt, func(b *DayBucket) { b.Sent++ })
		bump(d.DeliveredAt, func(b *DayBucket) { b.Delivered++ })
		bump(d.OpenedAt, func(b *DayBucket) { b.Opened++ })
		bump(d.ClickedAt, func(b *DayBucket) { b.Clicked++ })
		bump(d.BouncedAt, func(b *DayBucket) { b.Bounced++ })
	}
	return buckets
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
