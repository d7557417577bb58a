package api

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/bridge"
	"github.com/nerrad567/gray-logic-avr/internal/history"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/logging"
)

const testDeviceID = "lounge"

// fakeBridge records commands and serves canned state.
type fakeBridge struct {
	mu        sync.Mutex
	state     bridge.StateMessage
	inputs    []bridge.InputInfo
	commands  []bridge.CommandMessage
	ackFor    func(cmd bridge.CommandMessage) bridge.AckMessage
	observers []func(bridge.Notification)
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		state: bridge.StateMessage{
			DeviceID:        testDeviceID,
			State:           avr.DeviceState{Power: true, VolumePercent: 35},
			Connection:      avr.StateConnected.String(),
			WebAvailability: avr.AvailabilityAvailable.String(),
			Protocol:        bridge.Protocol,
		},
		inputs: []bridge.InputInfo{
			{ID: "04", Name: "DVD", Category: "video"},
			{ID: "19", Name: "HDMI 1", Category: "video", Hidden: true},
		},
	}
}

func (f *fakeBridge) DeviceID() string { return testDeviceID }

func (f *fakeBridge) StateMessage() bridge.StateMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeBridge) Inputs() []bridge.InputInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.InputInfo(nil), f.inputs...)
}

func (f *fakeBridge) Execute(_ context.Context, cmd bridge.CommandMessage) bridge.AckMessage {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	fn := f.ackFor
	f.mu.Unlock()

	if cmd.DeviceID == "" {
		cmd.DeviceID = testDeviceID
	}
	if fn != nil {
		return fn(cmd)
	}
	return bridge.NewAckMessage(cmd, bridge.AckAccepted)
}

func (f *fakeBridge) Health() bridge.HealthMessage {
	return bridge.HealthMessage{Bridge: "avrbridge", DeviceID: testDeviceID, Status: bridge.HealthHealthy, LinkConnected: true}
}

func (f *fakeBridge) DroppedEvents() uint64 { return 3 }

func (f *fakeBridge) Observe(fn func(bridge.Notification)) {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

func (f *fakeBridge) setOffline() {
	f.mu.Lock()
	f.state.Connection = avr.StateDisconnected.String()
	f.state.WebAvailability = avr.AvailabilityUnavailable.String()
	f.mu.Unlock()
}

func (f *fakeBridge) recorded() []bridge.CommandMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bridge.CommandMessage(nil), f.commands...)
}

func (f *fakeBridge) emit(n bridge.Notification) {
	f.mu.Lock()
	observers := slices.Clone(f.observers)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(n)
	}
}

// fakeReceiver serves fixed client statistics.
type fakeReceiver struct {
	stats avr.ClientStats
	state avr.DeviceState
}

func newFakeReceiver() *fakeReceiver {
	return &fakeReceiver{
		stats: avr.ClientStats{
			Link: avr.LinkStats{
				LinesTx:       12,
				LinesRx:       30,
				ConnectsTotal: 1,
				State:         avr.StateConnected,
			},
			Queue:           avr.QueueStats{Sent: 12, Pending: 2},
			WebAvailability: avr.AvailabilityAvailable,
			Discovered:      35,
		},
		state: avr.DeviceState{Power: true, VolumePercent: 35},
	}
}

func (f *fakeReceiver) Stats() avr.ClientStats { return f.stats }
func (f *fakeReceiver) State() avr.DeviceState { return f.state }

// fakeHistory returns canned entries and remembers the last limit.
type fakeHistory struct {
	entries   []history.Entry
	err       error
	lastLimit int
}

func (f *fakeHistory) GetHistory(_ context.Context, deviceID string, limit int) ([]history.Entry, error) {
	f.lastLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	out := make([]history.Entry, 0, len(f.entries))
	for _, e := range f.entries {
		if e.DeviceID == deviceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// fakeCache holds at most one state.
type fakeCache struct {
	state avr.DeviceState
	found bool
	err   error
}

func (f *fakeCache) Get(_ context.Context, _ string) (avr.DeviceState, bool, error) {
	return f.state, f.found, f.err
}

// fakeChecker answers health and connectivity probes.
type fakeChecker struct {
	connected bool
	err       error
}

func (f *fakeChecker) IsConnected() bool                   { return f.connected }
func (f *fakeChecker) HealthCheck(_ context.Context) error { return f.err }

var errProbe = errors.New("probe failed")

// testFixture bundles a server with its fakes.
type testFixture struct {
	srv      *Server
	bridge   *fakeBridge
	receiver *fakeReceiver
	history  *fakeHistory
	cache    *fakeCache
	mqtt     *fakeChecker
	db       *fakeChecker
}

// testServer creates a Server over fakes. Optional dependencies are all set;
// tests nil them out on the returned fixture before building a router.
func testServer(t *testing.T) *testFixture {
	t.Helper()

	f := &testFixture{
		bridge:   newFakeBridge(),
		receiver: newFakeReceiver(),
		history: &fakeHistory{entries: []history.Entry{
			{ID: 2, DeviceID: testDeviceID, State: avr.DeviceState{Power: true}, Source: history.SourceDevice, CreatedAt: time.Now().UTC()},
			{ID: 1, DeviceID: testDeviceID, State: avr.DeviceState{}, Source: history.SourceStatus, CreatedAt: time.Now().UTC().Add(-time.Minute)},
		}},
		cache: &fakeCache{},
		mqtt:  &fakeChecker{connected: true},
		db:    &fakeChecker{},
	}

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:   logging.Discard(),
		Bridge:   f.bridge,
		Receiver: f.receiver,
		History:  f.history,
		Cache:    f.cache,
		Database: f.db,
		MQTT:     f.mqtt,
		Version:  "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.srv = srv
	return f
}
