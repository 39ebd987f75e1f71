package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/evgrid/stationd/internal/adapter/queue"
	"github.com/evgrid/stationd/internal/domain"
	"github.com/evgrid/stationd/internal/service/station"
)

// defaultSnapshotInterval paces full queue snapshots when the caller
// leaves the interval unset.
const defaultSnapshotInterval = 2 * time.Second

// SnapshotFrameType marks the periodic full-state frame; event frames
// reuse the event subject as their type.
const SnapshotFrameType = "queue_state"

// Frame is the envelope pushed to monitor clients.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StateProvider supplies the queue snapshot pushed to monitor clients.
type StateProvider interface {
	QueueState(ctx context.Context) *station.QueueSnapshot
}

// Monitor feeds the hub: a full queue snapshot on a fixed interval
// plus every station event as it is published.
type Monitor struct {
	hub      *Hub
	state    StateProvider
	events   queue.MessageQueue
	interval time.Duration
	log      *zap.Logger

	stopCh chan struct{}
}

func NewMonitor(hub *Hub, state StateProvider, events queue.MessageQueue, interval time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	return &Monitor{
		hub:      hub,
		state:    state,
		events:   events,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to station events and begins the snapshot loop.
func (m *Monitor) Start() error {
	subjects := []string{
		domain.EventRequestAdmitted,
		domain.EventRequestCancelled,
		domain.EventSessionStarted,
		domain.EventSessionCompleted,
		domain.EventBillCreated,
		domain.EventPileFault,
		domain.EventPileRecovered,
		domain.EventDispatchAssigned,
	}
	for _, subject := range subjects {
		if err := m.events.Subscribe(subject, func(data []byte) error {
			m.push(subject, data)
			return nil
		}); err != nil {
			return err
		}
	}

	go m.snapshotLoop()
	return nil
}

// Stop ends the snapshot loop. Event subscriptions are torn down with
// the queue connection itself.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) snapshotLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pushSnapshot()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) pushSnapshot() {
	// Snapshots are only worth building when someone is watching.
	if m.hub.ClientCount() == 0 {
		return
	}
	snap := m.state.QueueState(context.Background())
	data, err := json.Marshal(snap)
	if err != nil {
		m.log.Warn("Failed to encode queue snapshot", zap.Error(err))
		return
	}
	m.push(SnapshotFrameType, data)
}

func (m *Monitor) push(frameType string, data []byte) {
	frame, err := json.Marshal(Frame{Type: frameType, Data: data})
	if err != nil {
		m.log.Warn("Failed to encode monitor frame", zap.String("type", frameType), zap.Error(err))
		return
	}
	m.hub.Broadcast(frame)
}
