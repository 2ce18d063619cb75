package models

import (
	"encoding/json"
	"time"
)

// PaymentEvent is a processor webhook delivery, stored once per provider event id.
type PaymentEvent struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}
