package domain

import (
	"fmt"
	"time"
)

// Priority is the send priority of a queue entry. Lower values are sent first.
type Priority int

// Priorities.
const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityMedium   Priority = 3
	PriorityLow      Priority = 4
)

// PriorityFallback is used when no rule matches or a rule is invalid.
const PriorityFallback = PriorityMedium

// AllPriorities lists every priority in dequeue order.
var AllPriorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Valid reports whether p is within 1..4.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// QueueStatus represents the dispatch status of a queue entry.
type QueueStatus string

// Queue statuses.
const (
	StatusPending QueueStatus = "PENDING"
	StatusSending QueueStatus = "SENDING"
	StatusSent    QueueStatus = "SENT"
	StatusFailed  QueueStatus = "FAILED"
	StatusRetry   QueueStatus = "RETRY"
)

// Valid reports whether s is one of the five legal statuses.
func (s QueueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusFailed, StatusRetry:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s QueueStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Dequeueable reports whether entries in this status may be claimed for dispatch.
func (s QueueStatus) Dequeueable() bool {
	return s == StatusPending || s == StatusRetry
}

// Payload is the message body of a queue entry.
type Payload struct {
	Text       string    `json:"text"`
	DeviceName string    `json:"deviceName"`
	DeviceType string    `json:"deviceType"`
	EventTime  time.Time `json:"eventTime"`
}

// QueueEntry is one notification awaiting or having undergone dispatch.
type QueueEntry struct {
	ID            string      `json:"queueId"`
	CustomerID    string      `json:"customerId"`
	DeviceID      string      `json:"deviceId"`
	DeviceProfile string      `json:"deviceProfile"`
	Priority      Priority    `json:"priority"`
	Payload       Payload     `json:"payload"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retryCount"`
	MaxRetries    int         `json:"maxRetries"`

	CreatedAt     time.Time  `json:"createdAt"`
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`
	SentAt        *time.Time `json:"sentAt,omitempty"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`

	HTTPStatus   int    `json:"httpStatus,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ResponseBody string `json:"responseBody,omitempty"`
}

// Clone returns a deep copy of the entry.
func (e *QueueEntry) Clone() *QueueEntry {
	cp := *e
	cp.LastAttemptAt = cloneTime(e.LastAttemptAt)
	cp.SentAt = cloneTime(e.SentAt)
	cp.NextAttemptAt = cloneTime(e.NextAttemptAt)
	cp.ClaimedAt = cloneTime(e.ClaimedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// RateLimitState is the per-tenant batch dispatch bookkeeping.
// The zero value means the tenant never dispatched and may send now.
type RateLimitState struct {
	LastDispatchAt *time.Time `json:"lastDispatchAt,omitempty"`
	BatchCount     int64      `json:"batchCount"`
}
