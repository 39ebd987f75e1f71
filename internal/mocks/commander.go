package mocks

import (
	"context"
	"sync"
)

// CommandRecord is one command sent to a pile through the mock commander.
type CommandRecord struct {
	Action string
	PileID string
	Reason string
}

// MockPileCommander is a mock implementation of PileCommander interface
type MockPileCommander struct {
	mu               sync.Mutex
	Commands         []CommandRecord
	StartFunc        func(ctx context.Context, pileID, userID string, targetKWh float64) error
	StopFunc         func(ctx context.Context, pileID string) error
	SetFaultFunc     func(ctx context.Context, pileID, reason string) error
	RecoverFaultFunc func(ctx context.Context, pileID string) error
	ShutdownFunc     func(ctx context.Context, pileID string) error
}

func NewMockPileCommander() *MockPileCommander {
	return &MockPileCommander{}
}

func (m *MockPileCommander) record(action, pileID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = append(m.Commands, CommandRecord{Action: action, PileID: pileID, Reason: reason})
}

func (m *MockPileCommander) StartCharging(ctx context.Context, pileID, userID string, targetKWh float64) error {
	m.record("start_charging", pileID, "")
	if m.StartFunc != nil {
		return m.StartFunc(ctx, pileID, userID, targetKWh)
	}
	return nil
}

func (m *MockPileCommander) StopCharging(ctx context.Context, pileID string) error {
	m.record("stop_charging", pileID, "")
	if m.StopFunc != nil {
		return m.StopFunc(ctx, pileID)
	}
	return nil
}

func (m *MockPileCommander) SetFault(ctx context.Context, pileID, reason string) error {
	m.record("set_fault", pileID, reason)
	if m.SetFaultFunc != nil {
		return m.SetFaultFunc(ctx, pileID, reason)
	}
	return nil
}

func (m *MockPileCommander) RecoverFault(ctx context.Context, pileID string) error {
	m.record("recover_fault", pileID, "")
	if m.RecoverFaultFunc != nil {
		return m.RecoverFaultFunc(ctx, pileID)
	}
	return nil
}

func (m *MockPileCommander) Shutdown(ctx context.Context, pileID string) error {
	m.record("shutdown", pileID, "")
	if m.ShutdownFunc != nil {
		return m.ShutdownFunc(ctx, pileID)
	}
	return nil
}

// SentCommands returns a copy of every command recorded so far.
func (m *MockPileCommander) SentCommands() []CommandRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CommandRecord, len(m.Commands))
	copy(out, m.Commands)
	return out
}
