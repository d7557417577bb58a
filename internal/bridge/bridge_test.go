package bridge

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/history"
)

const testDevice = "lounge"

type testBridge struct {
	*Bridge
	mqtt  *MockMQTTClient
	ctrl  *fakeController
	hist  *recordingHistory
	cache *recordingCache
	prefs *memoryPreferences
}

func newTestBridge(t *testing.T) *testBridge {
	t.Helper()

	tb := &testBridge{
		mqtt:  NewMockMQTTClient(),
		ctrl:  newFakeController(),
		hist:  &recordingHistory{},
		cache: newRecordingCache(),
		prefs: newMemoryPreferences(),
	}

	b, err := New(Options{
		DeviceID:    testDevice,
		Version:     "test",
		Controller:  tb.ctrl,
		MQTT:        tb.mqtt,
		History:     tb.hist,
		Cache:       tb.cache,
		Metrics:     tb.cache,
		Preferences: tb.prefs,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tb.Bridge = b
	return tb
}

func startTestBridge(t *testing.T) *testBridge {
	t.Helper()
	tb := newTestBridge(t)
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(tb.Stop)
	return tb
}

func TestNew_Validation(t *testing.T) {
	ctrl := newFakeController()
	mqtt := NewMockMQTTClient()

	tests := []struct {
		name    string
		opts    Options
		wantErr error
	}{
		{"missing device", Options{Controller: ctrl, MQTT: mqtt}, ErrDeviceIDRequired},
		{"missing controller", Options{DeviceID: "a", MQTT: mqtt}, ErrControllerRequired},
		{"missing mqtt", Options{DeviceID: "a", Controller: ctrl}, ErrMQTTRequired},
		{"valid", Options{DeviceID: "a", Controller: ctrl, MQTT: mqtt}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStart_SubscribesAndPublishes(t *testing.T) {
	tb := newTestBridge(t)
	tb.ctrl.addInput("05", "BD")
	tb.prefs.hidden["05"] = false

	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer tb.Stop()

	if !tb.mqtt.hasSubscription("graylogic/command/avr/lounge") {
		t.Error("bridge did not subscribe to its command topic")
	}

	health := tb.mqtt.Published("graylogic/health/avr")
	if len(health) < 2 {
		t.Fatalf("health messages = %d, want starting + current", len(health))
	}

	var state StateMessage
	decodeLast(t, tb.mqtt, "graylogic/state/avr/lounge", &state)
	if state.Address != "192.168.1.40:23" || state.Connection != "connected" {
		t.Errorf("state message = %+v", state)
	}
	if msgs := tb.mqtt.Published("graylogic/state/avr/lounge"); !msgs[0].Retained {
		t.Error("state message not retained")
	}

	var input InputMessage
	decodeLast(t, tb.mqtt, "graylogic/discovery/avr/lounge/05", &input)
	if input.Input.Name != "BD" || input.Input.Hidden {
		t.Errorf("discovery message = %+v, want visible BD", input.Input)
	}
}

func TestStart_SubscribeFailure(t *testing.T) {
	tb := newTestBridge(t)
	tb.mqtt.subErr = errors.New("broker refused")

	if err := tb.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want subscribe failure")
	}
	// Stop after a failed Start must not block or panic.
	tb.Stop()
}

func TestExecute_Commands(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		params   map[string]any
		wantCall string
		wantCode string
	}{
		{"power on", CommandPower, map[string]any{"on": true}, "SetPower(true)", ""},
		{"power missing param", CommandPower, nil, "", ErrCodeInvalidParameters},
		{"power wrong type", CommandPower, map[string]any{"on": "yes"}, "", ErrCodeInvalidParameters},
		{"mute off", CommandMute, map[string]any{"on": false}, "SetMute(false)", ""},
		{"panel lock", CommandPanelLock, map[string]any{"on": true}, "SetPanelLock(true)", ""},
		{"volume", CommandVolume, map[string]any{"percent": 40.0}, "SetVolume(40)", ""},
		{"volume out of range", CommandVolume, map[string]any{"percent": 120.0}, "", ErrCodeInvalidParameters},
		{"volume step up", CommandVolumeStep, map[string]any{"direction": "up"}, "VolumeUp", ""},
		{"volume step down", CommandVolumeStep, map[string]any{"direction": "DOWN"}, "VolumeDown", ""},
		{"volume step sideways", CommandVolumeStep, map[string]any{"direction": "left"}, "", ErrCodeInvalidParameters},
		{"input", CommandInput, map[string]any{"id": "5"}, "SetInput(05)", ""},
		{"input invalid", CommandInput, map[string]any{"id": "abc"}, "", ErrCodeInvalidParameters},
		{"rename", CommandRenameInput, map[string]any{"id": "05", "name": "Blu-ray"}, "RenameInput(05,Blu-ray)", ""},
		{"rename without name", CommandRenameInput, map[string]any{"id": "05"}, "", ErrCodeInvalidParameters},
		{"remote key", CommandRemoteKey, map[string]any{"key": "Enter"}, "SendRemoteKey(enter)", ""},
		{"unknown remote key", CommandRemoteKey, map[string]any{"key": "jump"}, "", ErrCodeInvalidParameters},
		{"refresh", CommandRefresh, nil, "RefreshState", ""},
		{"discover", CommandDiscover, nil, "RequestInputDefinitions", ""},
		{"unknown command", "eject", nil, "", ErrCodeInvalidCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tb := newTestBridge(t)

			ack := tb.Execute(context.Background(), CommandMessage{Command: tt.command, Parameters: tt.params})

			if ack.CommandID == "" {
				t.Error("ack has no command id")
			}
			if ack.DeviceID != testDevice || ack.Protocol != Protocol {
				t.Errorf("ack identity = %s/%s", ack.DeviceID, ack.Protocol)
			}

			if tt.wantCode != "" {
				if !ack.Failed() || ack.Error == nil || ack.Error.Code != tt.wantCode {
					t.Errorf("ack = %+v, want failure %s", ack, tt.wantCode)
				}
				if calls := tb.ctrl.Calls(); len(calls) != 0 {
					t.Errorf("controller calls = %v, want none", calls)
				}
				return
			}

			if ack.Status != AckAccepted {
				t.Errorf("ack status = %s, want accepted (error %+v)", ack.Status, ack.Error)
			}
			if !tb.ctrl.hasCall(tt.wantCall) {
				t.Errorf("controller calls = %v, want %s", tb.ctrl.Calls(), tt.wantCall)
			}
		})
	}
}

func TestExecute_WrongDevice(t *testing.T) {
	tb := newTestBridge(t)

	ack := tb.Execute(context.Background(), CommandMessage{DeviceID: "kitchen", Command: CommandRefresh})
	if ack.Error == nil || ack.Error.Code != ErrCodeNotConfigured {
		t.Errorf("ack = %+v, want NOT_CONFIGURED", ack)
	}
}

func TestExecute_QueuedWhileDisconnected(t *testing.T) {
	tb := newTestBridge(t)
	tb.ctrl.setLink(avr.StateConnecting)

	ack := tb.Execute(context.Background(), CommandMessage{Command: CommandPower, Parameters: map[string]any{"on": true}})
	if ack.Status != AckQueued {
		t.Errorf("ack status = %s, want queued", ack.Status)
	}
}

func TestExecute_KeepsCommandID(t *testing.T) {
	tb := newTestBridge(t)

	ack := tb.Execute(context.Background(), CommandMessage{ID: "cmd-1", Command: CommandRefresh})
	if ack.CommandID != "cmd-1" || ack.Command != CommandRefresh {
		t.Errorf("ack = %+v, want command_id cmd-1", ack)
	}
}

func TestMQTTCommand_PublishesAck(t *testing.T) {
	tb := startTestBridge(t)

	tb.mqtt.SimulateMessage("graylogic/command/avr/lounge",
		[]byte(`{"id":"abc","timestamp":"2026-03-01T20:00:00Z","command":"volume","parameters":{"percent":25}}`))

	var ack AckMessage
	decodeLast(t, tb.mqtt, "graylogic/ack/avr/lounge", &ack)
	if ack.CommandID != "abc" || ack.Status != AckAccepted {
		t.Errorf("ack = %+v, want accepted abc", ack)
	}
	if !tb.ctrl.hasCall("SetVolume(25)") {
		t.Errorf("controller calls = %v", tb.ctrl.Calls())
	}
	if msgs := tb.mqtt.Published("graylogic/ack/avr/lounge"); msgs[0].Retained {
		t.Error("ack published retained")
	}

	tb.mqtt.SimulateMessage("graylogic/command/avr/lounge", []byte(`{not json`))
	decodeLast(t, tb.mqtt, "graylogic/ack/avr/lounge", &ack)
	if ack.Status != AckFailed || ack.Error == nil || ack.Error.Code != ErrCodeInvalidCommand {
		t.Errorf("malformed command ack = %+v", ack)
	}
}

func TestStateChanged_FansOut(t *testing.T) {
	tb := startTestBridge(t)

	var notes []Notification
	done := make(chan struct{}, 1)
	tb.Observe(func(n Notification) {
		if n.Kind == NotifyState {
			notes = append(notes, n)
			done <- struct{}{}
		}
	})

	state := avr.DeviceState{Power: true, VolumePercent: 40}
	tb.ctrl.emit(avr.Event{Type: avr.EventStateChanged, State: &state})
	<-done

	if len(notes) != 1 || notes[0].State == nil || notes[0].State.VolumePercent != 40 {
		t.Errorf("notifications = %+v", notes)
	}
	if tb.hist.count() != 1 || tb.hist.sources[0] != history.SourceDevice {
		t.Errorf("history = %v, want one %s entry", tb.hist.sources, history.SourceDevice)
	}
	if got := tb.cache.cached[testDevice]; !got.Power {
		t.Errorf("cached state = %+v, want power on", got)
	}
	if tb.cache.metrics != 1 {
		t.Errorf("metrics writes = %d, want 1", tb.cache.metrics)
	}

	var msg StateMessage
	decodeLast(t, tb.mqtt, "graylogic/state/avr/lounge", &msg)
	if !msg.State.Power || msg.State.VolumePercent != 40 {
		t.Errorf("published state = %+v", msg.State)
	}
}

func TestStateChanged_BeforeLinkIsStatusSeed(t *testing.T) {
	tb := startTestBridge(t)
	tb.ctrl.setLink(avr.StateConnecting)

	state := avr.DeviceState{Power: true}
	tb.ctrl.emit(avr.Event{Type: avr.EventStateChanged, State: &state})

	waitFor(t, "history entry", func() bool { return tb.hist.count() == 1 })
	if tb.hist.sources[0] != history.SourceStatus {
		t.Errorf("source = %s, want %s", tb.hist.sources[0], history.SourceStatus)
	}
}

func TestInputDiscovered_UsesPreferences(t *testing.T) {
	tb := startTestBridge(t)
	tb.prefs.hidden["25"] = false

	visible := avr.NewInput("25", "BD", avr.CategoryFor("25"))
	unknown := avr.NewInput("04", "DVD", avr.CategoryFor("04"))
	tb.ctrl.emit(avr.Event{Type: avr.EventInputDiscovered, Count: 1, Input: &visible})
	tb.ctrl.emit(avr.Event{Type: avr.EventInputDiscovered, Count: 2, Input: &unknown})

	waitFor(t, "discovery messages", func() bool {
		return len(tb.mqtt.Published("graylogic/discovery/avr/lounge/04")) == 1
	})

	var msg InputMessage
	decodeLast(t, tb.mqtt, "graylogic/discovery/avr/lounge/25", &msg)
	if msg.Input.Hidden {
		t.Error("input 25 hidden, want visible")
	}
	decodeLast(t, tb.mqtt, "graylogic/discovery/avr/lounge/04", &msg)
	if !msg.Input.Hidden {
		t.Error("input 04 without preference visible, want hidden")
	}
}

func TestConnected_RefreshesAndDiscovers(t *testing.T) {
	tb := startTestBridge(t)

	var connections []string
	done := make(chan struct{}, 1)
	tb.Observe(func(n Notification) {
		if n.Kind == NotifyConnection {
			connections = append(connections, n.Connection)
			done <- struct{}{}
		}
	})

	tb.ctrl.emit(avr.Event{Type: avr.EventConnected})
	<-done

	if !tb.ctrl.hasCall("RefreshState") || !tb.ctrl.hasCall("RequestInputDefinitions") {
		t.Errorf("controller calls = %v, want refresh and discovery", tb.ctrl.Calls())
	}
	if len(connections) != 1 || connections[0] != "connected" {
		t.Errorf("connection notifications = %v", connections)
	}
}

func TestSetInputHidden(t *testing.T) {
	tb := startTestBridge(t)
	tb.ctrl.addInput("05", "BD")

	if err := tb.SetInputHidden(context.Background(), "5", false); err != nil {
		t.Fatalf("SetInputHidden() error = %v", err)
	}
	if hidden, ok := tb.prefs.hidden["05"]; !ok || hidden {
		t.Errorf("stored preference = %v (present %v), want visible", hidden, ok)
	}

	var msg InputMessage
	decodeLast(t, tb.mqtt, "graylogic/discovery/avr/lounge/05", &msg)
	if msg.Input.Hidden {
		t.Error("republished input still hidden")
	}

	if err := tb.SetInputHidden(context.Background(), "x1", true); !errors.Is(err, avr.ErrInvalidInputID) {
		t.Errorf("SetInputHidden(x1) error = %v, want ErrInvalidInputID", err)
	}

	infos := tb.Inputs()
	if len(infos) != 1 || infos[0].ID != "05" || infos[0].Hidden {
		t.Errorf("Inputs() = %+v", infos)
	}
}

func TestSetInputHidden_NoStore(t *testing.T) {
	ctrl := newFakeController()
	b, err := New(Options{DeviceID: testDevice, Controller: ctrl, MQTT: NewMockMQTTClient()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := b.SetInputHidden(context.Background(), "05", true); !errors.Is(err, ErrPreferencesUnavailable) {
		t.Errorf("SetInputHidden() error = %v, want ErrPreferencesUnavailable", err)
	}

	ctrl.addInput("05", "BD")
	if infos := b.Inputs(); len(infos) != 1 || !infos[0].Hidden {
		t.Errorf("Inputs() = %+v, want 05 hidden by default", infos)
	}

	ack := b.Execute(context.Background(), CommandMessage{
		Command:    CommandSetInputHidden,
		Parameters: map[string]any{"id": "05", "hidden": true},
	})
	if ack.Error == nil || ack.Error.Code != ErrCodeNotConfigured {
		t.Errorf("ack = %+v, want NOT_CONFIGURED", ack)
	}
}

func TestStop_PublishesStoppingAndUnsubscribes(t *testing.T) {
	tb := newTestBridge(t)
	if err := tb.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	tb.Stop()
	tb.Stop()

	var health HealthMessage
	decodeLast(t, tb.mqtt, "graylogic/health/avr", &health)
	if health.Status != HealthStopping {
		t.Errorf("final health status = %s, want stopping", health.Status)
	}

	state := avr.DeviceState{Power: true}
	tb.ctrl.emit(avr.Event{Type: avr.EventStateChanged, State: &state})
	if tb.hist.count() != 0 {
		t.Error("event handled after Stop")
	}
}
