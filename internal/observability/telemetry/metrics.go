package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Station metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "station_active_charging_sessions",
		Help: "Number of open charging sessions",
	})

	WaitingAreaSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "station_waiting_area_size",
		Help: "Requests currently admitted to the waiting area",
	})

	RequestsAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "station_requests_admitted_total",
		Help: "Total charging requests admitted to the waiting area",
	})

	DispatchAssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_dispatch_assignments_total",
		Help: "Total requests assigned to a pile slot, by charge mode",
	}, []string{"mode"})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_sessions_total",
		Help: "Terminated charging sessions by terminal status",
	}, []string{"status"})

	EnergyDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "station_energy_delivered_kwh_total",
		Help: "Total energy delivered in kWh",
	})

	BillsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "station_bills_total",
		Help: "Total bills persisted",
	})

	RevenueCentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "station_revenue_cents_total",
		Help: "Total billed revenue in cents",
	})

	// Infrastructure metrics
	PileStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "station_pile_status",
		Help: "Per-pile status flags, 1 for the current status",
	}, []string{"pile_id", "status"})

	PileFaultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_pile_faults_total",
		Help: "Pile fault transitions by pile",
	}, []string{"pile_id"})

	PileCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_pile_commands_total",
		Help: "Commands sent to remote piles by action and outcome",
	}, []string{"action", "outcome"})

	PileCommandSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "station_pile_command_seconds",
		Help:    "Round-trip time of acknowledged pile commands",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	PileMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "station_pile_messages_total",
		Help: "Pile protocol messages by action and direction",
	}, []string{"action", "direction"})
)

var pileStatuses = []string{"AVAILABLE", "CHARGING", "FAULT", "OFFLINE"}

// SetPileStatus flips the per-pile status flags so exactly one status
// reads 1 for the pile.
func SetPileStatus(pileID, status string) {
	for _, s := range pileStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		PileStatus.WithLabelValues(pileID, s).Set(v)
	}
}
