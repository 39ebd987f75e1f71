package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bill is the immutable billing record cut when a session with delivered
// energy terminates. Costs are integer cents; the energy and service parts
// are rounded independently before the total is formed. Status mirrors the
// terminal status of the session that produced the bill.
type Bill struct {
	ID          string        `json:"bill_id" gorm:"primaryKey;column:id"`
	SessionID   string        `json:"session_id" gorm:"index"`
	RequestID   string        `json:"request_id" gorm:"index"`
	UserID      string        `json:"user_id" gorm:"index"`
	PileID      string        `json:"pile_id" gorm:"index"`
	Mode        ChargeMode    `json:"mode"`
	EnergyKWh   float64       `json:"energy_kwh" gorm:"column:energy_kwh"`
	DurationHrs float64       `json:"duration_hours"`
	StartedAt   time.Time     `json:"start_at" gorm:"column:started_at"`
	EndedAt     time.Time     `json:"end_at" gorm:"column:ended_at"`
	EnergyCost  Money         `json:"energy_cost"`
	ServiceCost Money         `json:"service_cost"`
	TotalCost   Money         `json:"total_cost"`
	Status      SessionStatus `json:"status"`
	StopReason  string        `json:"stop_reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

const billIDPrefix = "BILL"

// FormatBillID builds a bill identifier for the given day and per-day
// sequence number, e.g. BILL202603150007.
func FormatBillID(day time.Time, seq int) string {
	return fmt.Sprintf("%s%s%04d", billIDPrefix, day.Format("20060102"), seq)
}

// ParseBillID splits a bill identifier back into its day and sequence
// number. Used when restoring the per-day counter at startup.
func ParseBillID(id string) (day time.Time, seq int, err error) {
	if !strings.HasPrefix(id, billIDPrefix) || len(id) != len(billIDPrefix)+12 {
		return time.Time{}, 0, Errorf(KindInvalidInput, "malformed bill id %q", id)
	}
	rest := id[len(billIDPrefix):]
	day, err = time.Parse("20060102", rest[:8])
	if err != nil {
		return time.Time{}, 0, Errorf(KindInvalidInput, "malformed bill id %q", id)
	}
	seq, err = strconv.Atoi(rest[8:])
	if err != nil || seq < 0 {
		return time.Time{}, 0, Errorf(KindInvalidInput, "malformed bill id %q", id)
	}
	return day, seq, nil
}
