package domain

import (
	"fmt"
	"time"
)

type ChargeMode string

const (
	ModeFast    ChargeMode = "fast"
	ModeTrickle ChargeMode = "trickle"
)

// QueuePrefix returns the queue-number prefix for the mode: F for fast,
// T for trickle.
func (m ChargeMode) QueuePrefix() string {
	if m == ModeFast {
		return "F"
	}
	return "T"
}

func ParseChargeMode(s string) (ChargeMode, error) {
	switch ChargeMode(s) {
	case ModeFast, ModeTrickle:
		return ChargeMode(s), nil
	default:
		return "", Errorf(KindInvalidInput, "unknown charge mode %q", s)
	}
}

type PileStatus string

const (
	PileStatusAvailable PileStatus = "AVAILABLE"
	PileStatusCharging  PileStatus = "CHARGING"
	PileStatusFault     PileStatus = "FAULT"
	PileStatusOffline   PileStatus = "OFFLINE"
)

// PileManagement distinguishes piles driven by the in-process progress
// integrator from piles claimed by an external controller through the
// pile gateway.
type PileManagement string

const (
	PileLocal  PileManagement = "local"
	PileRemote PileManagement = "remote"
)

// Pile is the persisted view of a charging pile: static configuration,
// last known status and cumulative counters. Live slot state is owned by
// the station runtime.
type Pile struct {
	ID             string         `json:"pile_id" gorm:"primaryKey;column:id"`
	Type           ChargeMode     `json:"pile_type" gorm:"column:type"`
	PowerKW        float64        `json:"power_kw"`
	Status         PileStatus     `json:"status"`
	Management     PileManagement `json:"management"`
	TotalSessions  int64          `json:"total_sessions"`
	TotalEnergyKWh float64        `json:"total_energy_kwh" gorm:"column:total_energy_kwh"`
	TotalHours     float64        `json:"total_hours"`
	LastHeartbeat  *time.Time     `json:"last_heartbeat,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type DispatchPolicy string

const (
	DispatchPriority  DispatchPolicy = "priority"
	DispatchTimeOrder DispatchPolicy = "time_order"
)

func ParseDispatchPolicy(s string) (DispatchPolicy, error) {
	switch DispatchPolicy(s) {
	case DispatchPriority, DispatchTimeOrder:
		return DispatchPolicy(s), nil
	default:
		return "", Errorf(KindInvalidDispatchPolicy, "unknown dispatch policy %q", s)
	}
}

func (p *Pile) String() string {
	return fmt.Sprintf("pile %s (%s %.0fkW, %s)", p.ID, p.Type, p.PowerKW, p.Status)
}
