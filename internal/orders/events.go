package orders

import (
	"encoding/json"
	"time"
)

const (
	EventVoucherOrderCreated = "VoucherOrderCreated"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "flash-worker"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`                  // event-specific payload
}

type VoucherOrderCreatedPayload struct {
	OrderID   int64     `json:"order_id,string"`
	UserID    int64     `json:"user_id"`
	VoucherID int64     `json:"voucher_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
