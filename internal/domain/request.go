package domain

import "time"

type RequestStatus string

const (
	RequestStatusWaiting     RequestStatus = "WAITING"
	RequestStatusQueued      RequestStatus = "QUEUED"
	RequestStatusCharging    RequestStatus = "CHARGING"
	RequestStatusCompleted   RequestStatus = "COMPLETED"
	RequestStatusCancelled   RequestStatus = "CANCELLED"
	RequestStatusInterrupted RequestStatus = "INTERRUPTED"
)

// IsTerminal reports whether the request has left the station for good.
// Terminal transitions are sticky; repeated cancels on a terminal request
// succeed without side effects.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestStatusCompleted, RequestStatusCancelled, RequestStatusInterrupted:
		return true
	}
	return false
}

// Request is one user's charging request from submission to a terminal
// state. TargetKWh always holds the energy still to be delivered: when a
// fault interrupts a session the delivered part is billed and the request
// is requeued with the remainder.
type Request struct {
	ID          string        `json:"request_id" gorm:"primaryKey;column:id"`
	UserID      string        `json:"user_id" gorm:"index"`
	Mode        ChargeMode    `json:"mode"`
	TargetKWh   float64       `json:"target_kwh" gorm:"column:target_kwh"`
	QueueNumber string        `json:"queue_number" gorm:"index"`
	Status      RequestStatus `json:"status" gorm:"index"`
	PileID      string        `json:"assigned_pile_id,omitempty" gorm:"column:pile_id"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
