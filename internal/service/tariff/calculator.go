package tariff

import (
	"time"

	"github.com/evgrid/stationd/internal/domain"
)

// Band labels one of the three time-of-use rate bands.
type Band string

const (
	BandPeak   Band = "peak"
	BandNormal Band = "normal"
	BandValley Band = "valley"
)

// HourRange is a half-open wall-clock interval [Start, End) in whole
// hours. Start > End means the range crosses midnight, e.g. {23, 7}.
type HourRange struct {
	Start int `json:"start" mapstructure:"start"`
	End   int `json:"end" mapstructure:"end"`
}

func (r HourRange) contains(hour int) bool {
	if r.Start > r.End {
		return hour >= r.Start || hour < r.End
	}
	return hour >= r.Start && hour < r.End
}

// Config holds the time-of-use rate schedule.
type Config struct {
	PeakRate    float64     `mapstructure:"peak_rate"`
	NormalRate  float64     `mapstructure:"normal_rate"`
	ValleyRate  float64     `mapstructure:"valley_rate"`
	ServiceRate float64     `mapstructure:"service_rate"`
	PeakHours   []HourRange `mapstructure:"peak_hours"`
	NormalHours []HourRange `mapstructure:"normal_hours"`
	ValleyHours []HourRange `mapstructure:"valley_hours"`
}

// DefaultConfig returns the standard schedule: peak 10:00-15:00 and
// 18:00-21:00, valley 23:00-7:00, everything else normal.
func DefaultConfig() *Config {
	return &Config{
		PeakRate:    1.00,
		NormalRate:  0.70,
		ValleyRate:  0.40,
		ServiceRate: 0.80,
		PeakHours:   []HourRange{{10, 15}, {18, 21}},
		NormalHours: []HourRange{{7, 10}, {15, 18}, {21, 23}},
		ValleyHours: []HourRange{{23, 7}},
	}
}

// Calculator maps (energy, start, end) to (energy_cost, service_cost)
// under the configured time-of-use schedule. It is a pure function over
// its config; it holds no clock and no mutable state.
type Calculator struct {
	cfg *Config
}

func NewCalculator(cfg *Config) *Calculator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Calculator{cfg: cfg}
}

// RateAt returns the per-kWh rate and band in effect at t.
func (c *Calculator) RateAt(t time.Time) (float64, Band) {
	hour := t.Hour()
	for _, r := range c.cfg.PeakHours {
		if r.contains(hour) {
			return c.cfg.PeakRate, BandPeak
		}
	}
	for _, r := range c.cfg.NormalHours {
		if r.contains(hour) {
			return c.cfg.NormalRate, BandNormal
		}
	}
	for _, r := range c.cfg.ValleyHours {
		if r.contains(hour) {
			return c.cfg.ValleyRate, BandValley
		}
	}
	return c.cfg.NormalRate, BandNormal
}

// ServiceRate returns the flat per-kWh service fee.
func (c *Calculator) ServiceRate() float64 { return c.cfg.ServiceRate }

// Compute prices energyKWh delivered uniformly over [start, end).
//
// Sessions of an hour or less are priced entirely at the rate in effect
// at start. Longer sessions are split at every wall-clock hour boundary;
// each segment carries energy proportional to its duration and is priced
// at the rate in effect at the segment's start. The energy and service
// parts are rounded to cents independently.
//
// Negative energy or end before start indicates a programmer error and
// is rejected with a tariff_domain_error.
func (c *Calculator) Compute(energyKWh float64, start, end time.Time) (energyCost, serviceCost domain.Money, err error) {
	if energyKWh < 0 {
		return 0, 0, domain.Errorf(domain.KindTariffDomain, "negative energy %.4f kWh", energyKWh)
	}
	if end.Before(start) {
		return 0, 0, domain.Errorf(domain.KindTariffDomain, "end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if energyKWh == 0 {
		return 0, 0, nil
	}

	durationHrs := end.Sub(start).Hours()

	var raw float64
	if durationHrs <= 1.0 {
		rate, _ := c.RateAt(start)
		raw = energyKWh * rate
	} else {
		raw = c.splitCost(energyKWh, start, end, durationHrs)
	}

	energyCost = domain.MoneyFromFloat(raw)
	serviceCost = domain.MoneyFromFloat(energyKWh * c.cfg.ServiceRate)
	return energyCost, serviceCost, nil
}

// splitCost walks [start, end) hour boundary by hour boundary, pricing
// each segment's share of the energy at the segment-start rate.
func (c *Calculator) splitCost(energyKWh float64, start, end time.Time, durationHrs float64) float64 {
	var cost float64
	cur := start
	for cur.Before(end) {
		segEnd := nextHourBoundary(cur)
		if segEnd.After(end) {
			segEnd = end
		}
		segHrs := segEnd.Sub(cur).Hours()
		segEnergy := energyKWh * segHrs / durationHrs
		rate, _ := c.RateAt(cur)
		cost += segEnergy * rate
		cur = segEnd
	}
	return cost
}

// nextHourBoundary returns the first wall-clock top of hour strictly
// after t, in t's location.
func nextHourBoundary(t time.Time) time.Time {
	top := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	return top.Add(time.Hour)
}

// ScheduleEntry describes one band of the daily price schedule, for the
// read-only tariff endpoint.
type ScheduleEntry struct {
	StartHour int     `json:"start_hour"`
	EndHour   int     `json:"end_hour"`
	Rate      float64 `json:"rate"`
	Band      Band    `json:"band"`
	Current   bool    `json:"is_current"`
}

// Schedule returns the full daily schedule sorted by start hour, marking
// the band containing now.
func (c *Calculator) Schedule(now time.Time) []ScheduleEntry {
	hour := now.Hour()
	var entries []ScheduleEntry
	add := func(ranges []HourRange, rate float64, band Band) {
		for _, r := range ranges {
			entries = append(entries, ScheduleEntry{
				StartHour: r.Start,
				EndHour:   r.End,
				Rate:      rate,
				Band:      band,
				Current:   r.contains(hour),
			})
		}
	}
	add(c.cfg.PeakHours, c.cfg.PeakRate, BandPeak)
	add(c.cfg.NormalHours, c.cfg.NormalRate, BandNormal)
	add(c.cfg.ValleyHours, c.cfg.ValleyRate, BandValley)

	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].StartHour < entries[j-1].StartHour; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	return entries
}
