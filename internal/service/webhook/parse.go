// Package webhook reconciles provider delivery events into delivery records.
package webhook

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"mailpulse/internal/model"
)

var (
	ErrMalformedPayload = errors.New("malformed webhook payload")
	ErrUnknownKind      = errors.New("unknown event kind")
	ErrMissingMessageID = errors.New("event has no message id")
)

var kindAliases = map[string]model.EventKind{
	"delivered":  model.EventDelivered,
	"delivery":   model.EventDelivered,
	"opened":     model.EventOpened,
	"open":       model.EventOpened,
	"clicked":    model.EventClicked,
	"click":      model.EventClicked,
	"bounced":    model.EventBounced,
	"bounce":     model.EventBounced,
	"complained": model.EventComplained,
	"complaint":  model.EventComplained,
	"spam":       model.EventComplained,
}

// NormalizeKind maps the provider's event name onto an EventKind.
// "Email.Opened", "email_open" and "opened" are all the same event.
func NormalizeKind(raw string) (model.EventKind, bool) {
	k := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"email.", "email_"} {
		k = strings.TrimPrefix(k, prefix)
	}
	kind, ok := kindAliases[k]
	return kind, ok
}

// first returns the first of paths that is present in body.
func first(body []byte, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}

// ParseEvent reads one delivery event out of a provider payload. The
// returned event carries a zero At when the payload has no usable timestamp.
// The raw kind is returned alongside so callers can log what they dropped.
func ParseEvent(body []byte) (model.DeliveryEvent, string, error) {
	var ev model.DeliveryEvent
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return ev, "", ErrMalformedPayload
	}

	rawKind := first(body, "type", "event", "data.type", "data.event").String()
	kind, ok := NormalizeKind(rawKind)
	if !ok {
		return ev, rawKind, ErrUnknownKind
	}
	ev.Kind = kind

	ev.MessageID = strings.TrimSpace(first(body, "messageId", "message_id", "data.messageId", "data.message_id").String())
	if ev.MessageID == "" {
		return ev, rawKind, ErrMissingMessageID
	}

	ev.At = parseTimestamp(first(body, "timestamp", "data.timestamp", "occurredAt"))
	ev.URL = strings.TrimSpace(first(body, "url", "data.url", "link").String())
	ev.Reason = strings.TrimSpace(first(body, "reason", "data.reason", "error", "data.error").String())
	return ev, rawKind, nil
}

// millisThreshold separates unix seconds from unix milliseconds; seconds
// would only reach it in the year 33658.
const millisThreshold = 1_000_000_000_000

func parseTimestamp(r gjson.Result) time.Time {
	switch r.Type {
	case gjson.Number:
		return fromUnix(r.Int())
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n)
		}
	}
	return time.Time{}
}

func fromUnix(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n >= millisThreshold {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}
