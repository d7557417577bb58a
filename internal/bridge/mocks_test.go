package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	handlers  map[string]func(topic string, payload []byte)
	connected bool
	subErr    error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

// Published returns messages published on topic.
func (m *MockMQTTClient) Published(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers payload to the handler subscribed to topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

func (m *MockMQTTClient) hasSubscription(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// fakeController implements Controller and records every call.
type fakeController struct {
	mu        sync.Mutex
	calls     []string
	state     avr.DeviceState
	inputs    map[string]avr.Input
	linkState avr.LinkState
	web       avr.Availability
	full      bool
	handler   avr.Handler
}

func newFakeController() *fakeController {
	return &fakeController{
		inputs:    make(map[string]avr.Input),
		linkState: avr.StateConnected,
		web:       avr.AvailabilityUnavailable,
	}
}

func (f *fakeController) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) hasCall(call string) bool {
	for _, c := range f.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (f *fakeController) Subscribe(h avr.Handler) func() {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handler = nil
		f.mu.Unlock()
	}
}

// emit delivers ev the way the receiver client does.
func (f *fakeController) emit(ev avr.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if h != nil {
		h(ev)
	}
}

func (f *fakeController) SetPower(on bool)      { f.record("SetPower(%v)", on) }
func (f *fakeController) SetMute(on bool)       { f.record("SetMute(%v)", on) }
func (f *fakeController) SetPanelLock(on bool)  { f.record("SetPanelLock(%v)", on) }
func (f *fakeController) SetVolume(percent int) { f.record("SetVolume(%d)", percent) }
func (f *fakeController) VolumeUp()             { f.record("VolumeUp") }
func (f *fakeController) VolumeDown()           { f.record("VolumeDown") }
func (f *fakeController) RefreshState()         { f.record("RefreshState") }
func (f *fakeController) RequestInputDefinitions() {
	f.record("RequestInputDefinitions")
}

func (f *fakeController) SetInput(id string) error {
	norm, err := avr.NormalizeInputID(id)
	if err != nil {
		return err
	}
	f.record("SetInput(%s)", norm)
	return nil
}

func (f *fakeController) RenameInput(id, name string) error {
	norm, err := avr.NormalizeInputID(id)
	if err != nil {
		return err
	}
	f.record("RenameInput(%s,%s)", norm, name)
	return nil
}

func (f *fakeController) SendRemoteKey(key avr.RemoteKey) {
	f.record("SendRemoteKey(%s)", strings.ToLower(string(key)))
}

func (f *fakeController) State() avr.DeviceState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) Inputs() []avr.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]avr.Input, 0, len(f.inputs))
	for _, in := range f.inputs {
		out = append(out, in)
	}
	return out
}

func (f *fakeController) Input(id string) (avr.Input, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inputs[id]
	return in, ok
}

func (f *fakeController) addInput(id, name string) {
	f.mu.Lock()
	f.inputs[id] = avr.NewInput(id, name, avr.CategoryFor(id))
	f.mu.Unlock()
}

func (f *fakeController) setLink(s avr.LinkState) {
	f.mu.Lock()
	f.linkState = s
	f.mu.Unlock()
}

func (f *fakeController) LinkState() avr.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linkState
}

func (f *fakeController) WebAvailability() avr.Availability {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.web
}

func (f *fakeController) FullyDiscovered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.full
}

func (f *fakeController) Stats() avr.ClientStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return avr.ClientStats{
		Link:            avr.LinkStats{State: f.linkState, LinesTx: 12, LinesRx: 30},
		WebAvailability: f.web,
		Discovered:      35,
	}
}

func (f *fakeController) Host() string { return "192.168.1.40" }
func (f *fakeController) Port() int    { return 23 }

// recordingHistory implements HistoryRecorder.
type recordingHistory struct {
	mu      sync.Mutex
	sources []string
	states  []avr.DeviceState
}

func (h *recordingHistory) RecordStateChange(_ context.Context, _ string, state avr.DeviceState, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, state)
	h.sources = append(h.sources, source)
	return nil
}

func (h *recordingHistory) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.states)
}

// recordingCache implements StateCache and MetricsWriter.
type recordingCache struct {
	mu      sync.Mutex
	cached  map[string]avr.DeviceState
	metrics int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{cached: make(map[string]avr.DeviceState)}
}

func (c *recordingCache) Set(_ context.Context, deviceID string, state avr.DeviceState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cached[deviceID] = state
	return nil
}

func (c *recordingCache) WriteAVRState(string, avr.DeviceState) {
	c.mu.Lock()
	c.metrics++
	c.mu.Unlock()
}

// memoryPreferences implements PreferenceStore.
type memoryPreferences struct {
	mu     sync.Mutex
	hidden map[string]bool
}

func newMemoryPreferences() *memoryPreferences {
	return &memoryPreferences{hidden: make(map[string]bool)}
}

func (p *memoryPreferences) IsInputHidden(_ context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hidden, ok := p.hidden[id]
	if !ok {
		return true, nil
	}
	return hidden, nil
}

func (p *memoryPreferences) SetInputHidden(_ context.Context, id string, hidden bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hidden[id] = hidden
	return nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// decode unmarshals the last message published on topic into v.
func decodeLast(t *testing.T, m *MockMQTTClient, topic string, v any) {
	t.Helper()
	msgs := m.Published(topic)
	if len(msgs) == 0 {
		t.Fatalf("nothing published on %s", topic)
	}
	if err := json.Unmarshal(msgs[len(msgs)-1].Payload, v); err != nil {
		t.Fatalf("unmarshal %s: %v", topic, err)
	}
}
