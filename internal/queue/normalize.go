package queue

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
)

// Normalize turns a raw rule-engine event into a PENDING entry without a
// priority. Missing identity falls back to the context, then to "unknown".
// Malformed fields never fail normalization.
func (q *Queue) Normalize(raw domain.RawEvent, ectx domain.EventContext) *domain.QueueEntry {
	now := q.now()

	deviceType := stringField(raw, "deviceType")
	profile := firstNonEmpty(stringField(raw, "deviceProfile"), deviceType, domain.Unknown)

	return &domain.QueueEntry{
		ID:            q.newID(),
		CustomerID:    firstNonEmpty(stringField(raw, "customerId"), ectx.CustomerID, domain.Unknown),
		DeviceID:      firstNonEmpty(stringField(raw, "deviceId"), ectx.DeviceID, domain.Unknown),
		DeviceProfile: profile,
		Payload: domain.Payload{
			Text:       stringField(raw, "text"),
			DeviceName: firstNonEmpty(stringField(raw, "deviceName"), domain.Unknown),
			DeviceType: firstNonEmpty(deviceType, domain.Unknown),
			EventTime:  timeField(raw, "ts", now),
		},
		Status:     domain.StatusPending,
		RetryCount: 0,
		MaxRetries: q.maxRetries,
		CreatedAt:  now,
	}
}

func stringField(raw domain.RawEvent, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// timeField accepts epoch milliseconds as a number or numeric string, or an
// RFC 3339 string.
func timeField(raw domain.RawEvent, key string, fallback time.Time) time.Time {
	v, ok := raw[key]
	if !ok || v == nil {
		return fallback
	}

	var ms float64
	switch t := v.(type) {
	case float64:
		ms = t
	case int64:
		ms = float64(t)
	case int:
		ms = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fallback
		}
		ms = f
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			ms = f
			break
		}
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		return fallback
	default:
		return fallback
	}

	if ms <= 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return fallback
	}
	return time.UnixMilli(int64(ms)).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
