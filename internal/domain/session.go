package domain

import "time"

type SessionStatus string

const (
	SessionStatusCharging    SessionStatus = "CHARGING"
	SessionStatusCompleted   SessionStatus = "COMPLETED"
	SessionStatusInterrupted SessionStatus = "INTERRUPTED"
	SessionStatusCancelled   SessionStatus = "CANCELLED"
)

func ParseSessionStatus(s string) (SessionStatus, error) {
	switch SessionStatus(s) {
	case SessionStatusCharging, SessionStatusCompleted, SessionStatusInterrupted, SessionStatusCancelled:
		return SessionStatus(s), nil
	default:
		return "", Errorf(KindInvalidInput, "unknown session status %q", s)
	}
}

// Session is one charging session on one pile. DeliveredKWh advances while
// the session is open and is frozen at termination; billing always uses
// the frozen value.
type Session struct {
	ID           string        `json:"session_id" gorm:"primaryKey;column:id"`
	RequestID    string        `json:"request_id" gorm:"index"`
	UserID       string        `json:"user_id" gorm:"index"`
	PileID       string        `json:"pile_id" gorm:"index"`
	Mode         ChargeMode    `json:"mode"`
	TargetKWh    float64       `json:"target_kwh" gorm:"column:target_kwh"`
	DeliveredKWh float64       `json:"delivered_kwh" gorm:"column:delivered_kwh"`
	Status       SessionStatus `json:"status" gorm:"index"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StartedAt    time.Time     `json:"start_at" gorm:"column:started_at"`
	EndedAt      *time.Time    `json:"end_at,omitempty" gorm:"column:ended_at"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Hours returns the session duration in hours, using now as the end when
// the session is still open.
func (s *Session) Hours(now time.Time) float64 {
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	d := end.Sub(s.StartedAt)
	if d < 0 {
		return 0
	}
	return d.Hours()
}
