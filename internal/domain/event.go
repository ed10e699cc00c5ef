package domain

// Unknown is the value used for identity fields missing from an inbound event.
const Unknown = "unknown"

// RawEvent is a semi-structured inbound event from the rule engine, e.g.
// {"text": ..., "deviceType": ..., "deviceName": ..., "ts": ..., "deviceId": ..., "customerId": ...}.
type RawEvent map[string]any

// EventContext supplies identity missing from the event body.
type EventContext struct {
	CustomerID string `json:"customerId,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}
