package domain

import "time"

// Event subjects published to the message queue. Consumers subscribe by
// subject; payloads are the JSON-encoded structs below.
const (
	EventRequestAdmitted   = "station.request.admitted"
	EventRequestCancelled  = "station.request.cancelled"
	EventSessionStarted    = "station.session.started"
	EventSessionCompleted  = "station.session.completed"
	EventBillCreated       = "station.bill.created"
	EventPileFault         = "station.pile.fault"
	EventPileRecovered     = "station.pile.recovered"
	EventDispatchAssigned  = "station.dispatch.assigned"
)

type RequestEvent struct {
	RequestID   string     `json:"request_id"`
	UserID      string     `json:"user_id"`
	Mode        ChargeMode `json:"mode"`
	QueueNumber string     `json:"queue_number"`
	TargetKWh   float64    `json:"target_kwh"`
	Timestamp   time.Time  `json:"timestamp"`
}

type SessionEvent struct {
	SessionID    string    `json:"session_id"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	PileID       string    `json:"pile_id"`
	DeliveredKWh float64   `json:"delivered_kwh"`
	Timestamp    time.Time `json:"timestamp"`
}

type BillEvent struct {
	BillID    string    `json:"bill_id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Total     Money     `json:"total_cost"`
	Timestamp time.Time `json:"timestamp"`
}

type PileEvent struct {
	PileID    string    `json:"pile_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type DispatchEvent struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	PileID    string    `json:"pile_id"`
	Timestamp time.Time `json:"timestamp"`
}
