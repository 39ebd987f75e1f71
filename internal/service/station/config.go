package station

import (
	"time"

	"github.com/evgrid/stationd/internal/domain"
)

// PileSpec describes one pile in the station layout.
type PileSpec struct {
	ID         string                `mapstructure:"id"`
	Type       domain.ChargeMode     `mapstructure:"type"`
	PowerKW    float64               `mapstructure:"power_kw"`
	Management domain.PileManagement `mapstructure:"management"`
}

// Config holds the station layout and the dispatch timing knobs.
type Config struct {
	WaitingAreaCapacity int                   `mapstructure:"waiting_area_capacity"`
	DispatchPolicy      domain.DispatchPolicy `mapstructure:"dispatch_policy"`
	DispatchTick        time.Duration         `mapstructure:"dispatch_tick"`
	ProgressTick        time.Duration         `mapstructure:"progress_tick"`
	HeartbeatTimeout    time.Duration         `mapstructure:"heartbeat_timeout"`
	CommandTimeout      time.Duration         `mapstructure:"command_timeout"`
	CommandRetries      int                   `mapstructure:"command_retries"`
	Piles               []PileSpec            `mapstructure:"piles"`
}

// DefaultConfig returns the standard five-pile station: two 30 kW fast
// piles and three 7 kW trickle piles behind a six-slot waiting area.
func DefaultConfig() *Config {
	return &Config{
		WaitingAreaCapacity: 6,
		DispatchPolicy:      domain.DispatchPriority,
		DispatchTick:        5 * time.Second,
		ProgressTick:        time.Second,
		HeartbeatTimeout:    30 * time.Second,
		CommandTimeout:      10 * time.Second,
		CommandRetries:      3,
		Piles: []PileSpec{
			{ID: "A", Type: domain.ModeFast, PowerKW: 30, Management: domain.PileLocal},
			{ID: "B", Type: domain.ModeFast, PowerKW: 30, Management: domain.PileLocal},
			{ID: "C", Type: domain.ModeTrickle, PowerKW: 7, Management: domain.PileLocal},
			{ID: "D", Type: domain.ModeTrickle, PowerKW: 7, Management: domain.PileLocal},
			{ID: "E", Type: domain.ModeTrickle, PowerKW: 7, Management: domain.PileLocal},
		},
	}
}
