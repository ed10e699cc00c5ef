package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/storage"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func entryToMap(e *domain.QueueEntry) (map[string]any, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	m := map[string]any{
		"id":             e.ID,
		"customer_id":    e.CustomerID,
		"device_id":      e.DeviceID,
		"device_profile": e.DeviceProfile,
		"priority":       int(e.Priority),
		"payload":        string(payload),
		"status":         string(e.Status),
		"retry_count":    e.RetryCount,
		"max_retries":    e.MaxRetries,
		"created_at":     formatTime(e.CreatedAt),
		"http_status":    e.HTTPStatus,
		"error_message":  e.ErrorMessage,
		"response_body":  e.ResponseBody,
		"score":          strconv.FormatFloat(entryScore(e.Priority, e.CreatedAt), 'f', 0, 64),
	}
	if e.LastAttemptAt != nil {
		m["last_attempt_at"] = formatTime(*e.LastAttemptAt)
	}
	if e.SentAt != nil {
		m["sent_at"] = formatTime(*e.SentAt)
	}
	if e.NextAttemptAt != nil {
		m["next_attempt_at"] = formatTime(*e.NextAttemptAt)
		m["next_attempt_ms"] = e.NextAttemptAt.UnixMilli()
	}
	if e.ClaimedAt != nil {
		m["claimed_at"] = formatTime(*e.ClaimedAt)
	}
	return m, nil
}

// updateFields flattens the non-status fields of upd into HSET arguments.
func updateFields(upd storage.EntryUpdate) []any {
	fields := make([]any, 0, 16)
	if upd.RetryCount != nil {
		fields = append(fields, "retry_count", *upd.RetryCount)
	}
	if upd.LastAttemptAt != nil {
		fields = append(fields, "last_attempt_at", formatTime(*upd.LastAttemptAt))
	}
	if upd.SentAt != nil {
		fields = append(fields, "sent_at", formatTime(*upd.SentAt))
	}
	if upd.NextAttemptAt != nil {
		fields = append(fields,
			"next_attempt_at", formatTime(*upd.NextAttemptAt),
			"next_attempt_ms", upd.NextAttemptAt.UnixMilli(),
		)
	}
	if upd.HTTPStatus != nil {
		fields = append(fields, "http_status", *upd.HTTPStatus)
	}
	if upd.ErrorMessage != nil {
		fields = append(fields, "error_message", *upd.ErrorMessage)
	}
	if upd.ResponseBody != nil {
		fields = append(fields, "response_body", *upd.ResponseBody)
	}
	return fields
}

func mapToEntry(m map[string]string) (*domain.QueueEntry, error) {
	e := &domain.QueueEntry{
		ID:            m["id"],
		CustomerID:    m["customer_id"],
		DeviceID:      m["device_id"],
		DeviceProfile: m["device_profile"],
		Status:        domain.QueueStatus(m["status"]),
		ErrorMessage:  m["error_message"],
		ResponseBody:  m["response_body"],
	}

	ints := []struct {
		field string
		dst   *int
	}{
		{"retry_count", &e.RetryCount},
		{"max_retries", &e.MaxRetries},
		{"http_status", &e.HTTPStatus},
	}
	for _, f := range ints {
		if v := m[f.field]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("parse %s of %s: %w", f.field, e.ID, err)
			}
			*f.dst = n
		}
	}

	p, err := strconv.Atoi(m["priority"])
	if err != nil {
		return nil, fmt.Errorf("parse priority of %s: %w", e.ID, err)
	}
	e.Priority = domain.Priority(p)

	if e.CreatedAt, err = parseTime(m["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", e.ID, err)
	}

	times := []struct {
		field string
		dst   **time.Time
	}{
		{"last_attempt_at", &e.LastAttemptAt},
		{"sent_at", &e.SentAt},
		{"next_attempt_at", &e.NextAttemptAt},
		{"claimed_at", &e.ClaimedAt},
	}
	for _, f := range times {
		v := m[f.field]
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s of %s: %w", f.field, e.ID, err)
		}
		*f.dst = &t
	}

	if raw := m["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", e.ID, err)
		}
	}
	return e, nil
}
