package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/history"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/mqtt"
)

// Bridge operation constants.
const (
	// eventBuffer is the number of receiver events queued for the worker.
	eventBuffer = 256

	// sinkTimeout bounds each history or cache write.
	sinkTimeout = 5 * time.Second
)

// Controller is the receiver-facing API the bridge drives.
// *avr.Client satisfies it.
type Controller interface {
	Subscribe(h avr.Handler) (unsubscribe func())

	SetPower(on bool)
	SetMute(on bool)
	SetPanelLock(on bool)
	SetVolume(percent int)
	VolumeUp()
	VolumeDown()
	SetInput(id string) error
	RenameInput(id, name string) error
	SendRemoteKey(key avr.RemoteKey)
	RefreshState()
	RequestInputDefinitions()

	State() avr.DeviceState
	Inputs() []avr.Input
	Input(id string) (avr.Input, bool)
	LinkState() avr.LinkState
	WebAvailability() avr.Availability
	FullyDiscovered() bool
	Stats() avr.ClientStats
	Host() string
	Port() int
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests; main adapts *mqtt.Client to it.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// HistoryRecorder persists state changes. Satisfied by *history.Repository.
type HistoryRecorder interface {
	RecordStateChange(ctx context.Context, deviceID string, state avr.DeviceState, source string) error
}

// StateCache stores the last known state. Satisfied by *cache.StateCache.
type StateCache interface {
	Set(ctx context.Context, deviceID string, state avr.DeviceState) error
}

// MetricsWriter records state as time-series points. Satisfied by
// *influxdb.Recorder.
type MetricsWriter interface {
	WriteAVRState(deviceID string, state avr.DeviceState)
}

// PreferenceStore holds per-input visibility. Satisfied by
// *preferences.Repository.
type PreferenceStore interface {
	IsInputHidden(ctx context.Context, id string) (bool, error)
	SetInputHidden(ctx context.Context, id string, hidden bool) error
}

// Logger is the structured logger used by the bridge.
// *logging.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options holds configuration for creating a bridge.
type Options struct {
	// DeviceID names the receiver in topics and history rows.
	DeviceID string

	// Version is reported in health messages.
	Version string

	// Controller is the receiver client.
	Controller Controller

	// MQTT is the broker client.
	MQTT MQTTClient

	// HealthInterval overrides the 30 second health period.
	HealthInterval time.Duration

	// Optional sinks; nil disables each.
	History     HistoryRecorder
	Cache       StateCache
	Metrics     MetricsWriter
	Preferences PreferenceStore

	// Logger is optional.
	Logger Logger
}

// Bridge translates between one receiver and the MQTT bus.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	opts   Options
	topics mqtt.Topics
	health *HealthReporter

	events      chan avr.Event
	dropped     atomic.Uint64
	unsubscribe func()

	observers   []func(Notification)
	observersMu sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.DeviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	if opts.Controller == nil {
		return nil, ErrControllerRequired
	}
	if opts.MQTT == nil {
		return nil, ErrMQTTRequired
	}

	b := &Bridge{
		opts:   opts,
		events: make(chan avr.Event, eventBuffer),
		done:   make(chan struct{}),
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		DeviceID:  opts.DeviceID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Topic:     b.topics.Health(),
		Publisher: opts.MQTT,
		Source:    opts.Controller,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// DeviceID returns the receiver id the bridge serves.
func (b *Bridge) DeviceID() string { return b.opts.DeviceID }

// Health returns the current health message without publishing it.
func (b *Bridge) Health() HealthMessage { return b.health.Current() }

// DroppedEvents returns how many receiver events were discarded because
// the worker fell behind.
func (b *Bridge) DroppedEvents() uint64 { return b.dropped.Load() }

// Start subscribes to receiver events and the command topic, publishes
// the initial state and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	b.startMu.Lock()
	defer b.startMu.Unlock()
	if b.started {
		return nil
	}

	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", "error", err)
	}

	b.unsubscribe = b.opts.Controller.Subscribe(b.enqueue)

	b.wg.Add(1)
	go b.worker()

	commandTopic := b.topics.Command(b.opts.DeviceID)
	if err := b.opts.MQTT.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		b.unsubscribe()
		close(b.done)
		b.wg.Wait()
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.started = true
	b.Resync()
	b.health.Start(ctx)

	b.logInfo("bridge started", "device_id", b.opts.DeviceID)
	return nil
}

// Stop unsubscribes from the receiver, drains queued events and publishes
// a final "stopping" health message.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.startMu.Lock()
		started := b.started
		b.startMu.Unlock()
		if !started {
			return
		}

		b.unsubscribe()
		close(b.done)
		b.wg.Wait()
		b.health.Stop()

		b.logInfo("bridge stopped")
	})
}

// Resync republishes health, state and every known input. Call it after an
// MQTT reconnect, since the broker may hold the LWT in the health topic.
func (b *Bridge) Resync() {
	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", "error", err)
	}
	b.publishState(b.opts.Controller.State())
	for _, in := range b.opts.Controller.Inputs() {
		b.publishInput(NewInputInfo(in, b.isHidden(in.ID)))
	}
}

// Observe registers fn for bridge notifications. fn runs on the bridge
// worker goroutine and must not block.
func (b *Bridge) Observe(fn func(Notification)) {
	b.observersMu.Lock()
	b.observers = append(b.observers, fn)
	b.observersMu.Unlock()
}

// ============================================================================
// Receiver events
// ============================================================================

// enqueue runs on the receiver's reader goroutine and never blocks.
func (b *Bridge) enqueue(ev avr.Event) {
	select {
	case b.events <- ev:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logWarn("receiver event dropped, worker behind", "event", string(ev.Type), "dropped", n)
		}
	}
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.events:
			b.handleEvent(ev)
		case <-b.done:
			for {
				select {
				case ev := <-b.events:
					b.handleEvent(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) handleEvent(ev avr.Event) {
	switch ev.Type {
	case avr.EventStateChanged:
		if ev.State != nil {
			b.handleStateChanged(ev.Time, *ev.State)
		}

	case avr.EventInputDiscovered:
		if ev.Input != nil {
			b.handleInputDiscovered(ev.Time, *ev.Input)
		}

	case avr.EventConnected, avr.EventDisconnected, avr.EventTimeout:
		b.handleConnection(ev)
	}
}

func (b *Bridge) handleStateChanged(at time.Time, state avr.DeviceState) {
	b.publishState(state)

	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	if b.opts.History != nil {
		// Before the control link is up, state can only come from the
		// status document.
		source := history.SourceDevice
		if b.opts.Controller.LinkState() != avr.StateConnected {
			source = history.SourceStatus
		}
		if err := b.opts.History.RecordStateChange(ctx, b.opts.DeviceID, state, source); err != nil {
			b.logError("failed to record state history", "error", err)
		}
	}
	if b.opts.Cache != nil {
		if err := b.opts.Cache.Set(ctx, b.opts.DeviceID, state); err != nil {
			b.logWarn("failed to cache state", "error", err)
		}
	}
	if b.opts.Metrics != nil {
		b.opts.Metrics.WriteAVRState(b.opts.DeviceID, state)
	}

	b.notify(Notification{Kind: NotifyState, DeviceID: b.opts.DeviceID, Time: at, State: &state})
}

func (b *Bridge) handleInputDiscovered(at time.Time, in avr.Input) {
	info := NewInputInfo(in, b.isHidden(in.ID))
	b.logDebug("input discovered", "input", info.ID, "name", info.Name, "hidden", info.Hidden)
	b.publishInput(info)
	b.notify(Notification{Kind: NotifyInput, DeviceID: b.opts.DeviceID, Time: at, Input: &info})
}

func (b *Bridge) handleConnection(ev avr.Event) {
	b.logInfo("receiver connection changed", "event", string(ev.Type), "host", ev.Host, "port", ev.Port)

	if err := b.health.PublishNow(); err != nil {
		b.logError("failed to publish health", "error", err)
	}
	b.publishState(b.opts.Controller.State())

	if ev.Type == avr.EventConnected {
		b.opts.Controller.RefreshState()
		if !b.opts.Controller.FullyDiscovered() {
			b.opts.Controller.RequestInputDefinitions()
		}
	}

	b.notify(Notification{Kind: NotifyConnection, DeviceID: b.opts.DeviceID, Time: ev.Time, Connection: string(ev.Type)})
}

// ============================================================================
// Inputs and preferences
// ============================================================================

// Inputs returns every known input with its visibility.
func (b *Bridge) Inputs() []InputInfo {
	inputs := b.opts.Controller.Inputs()
	out := make([]InputInfo, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, NewInputInfo(in, b.isHidden(in.ID)))
	}
	return out
}

// SetInputHidden persists an input's visibility and republishes it.
//
// Returns:
//   - error: avr.ErrInvalidInputID, ErrPreferencesUnavailable, or a store error
func (b *Bridge) SetInputHidden(ctx context.Context, id string, hidden bool) error {
	id, err := avr.NormalizeInputID(id)
	if err != nil {
		return err
	}
	if b.opts.Preferences == nil {
		return ErrPreferencesUnavailable
	}
	if err := b.opts.Preferences.SetInputHidden(ctx, id, hidden); err != nil {
		return fmt.Errorf("set input %s hidden: %w", id, err)
	}

	in, ok := b.opts.Controller.Input(id)
	if !ok {
		return nil
	}
	info := NewInputInfo(in, hidden)
	b.publishInput(info)
	b.notify(Notification{Kind: NotifyInput, DeviceID: b.opts.DeviceID, Time: time.Now().UTC(), Input: &info})
	return nil
}

// isHidden consults the preference store. Inputs default to hidden, so
// without a store, or when the lookup fails, every input is hidden.
func (b *Bridge) isHidden(id string) bool {
	if b.opts.Preferences == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	hidden, err := b.opts.Preferences.IsInputHidden(ctx, id)
	if err != nil {
		b.logWarn("input preference lookup failed", "input", id, "error", err)
		return true
	}
	return hidden
}

// ============================================================================
// Publishing
// ============================================================================

// StateMessage returns the current state as published on the state topic.
func (b *Bridge) StateMessage() StateMessage {
	return b.stateMessage(b.opts.Controller.State())
}

func (b *Bridge) stateMessage(state avr.DeviceState) StateMessage {
	ctrl := b.opts.Controller
	return StateMessage{
		DeviceID:        b.opts.DeviceID,
		Timestamp:       time.Now().UTC(),
		State:           state,
		Connection:      ctrl.LinkState().String(),
		WebAvailability: ctrl.WebAvailability().String(),
		FullyDiscovered: ctrl.FullyDiscovered(),
		Protocol:        Protocol,
		Address:         net.JoinHostPort(ctrl.Host(), strconv.Itoa(ctrl.Port())),
	}
}

func (b *Bridge) publishState(state avr.DeviceState) {
	b.publishJSON(b.topics.State(b.opts.DeviceID), b.stateMessage(state), true)
}

func (b *Bridge) publishInput(info InputInfo) {
	msg := InputMessage{
		DeviceID:  b.opts.DeviceID,
		Timestamp: time.Now().UTC(),
		Input:     info,
		Protocol:  Protocol,
	}
	b.publishJSON(b.topics.Discovery(b.opts.DeviceID, info.ID), msg, true)
}

func (b *Bridge) publishAck(ack AckMessage) {
	b.publishJSON(b.topics.Ack(b.opts.DeviceID), ack, false)
}

func (b *Bridge) publishJSON(topic string, v any, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logError("failed to marshal message", "topic", topic, "error", err)
		return
	}
	if err := b.opts.MQTT.Publish(topic, payload, 1, retained); err != nil {
		b.logWarn("failed to publish", "topic", topic, "error", err)
	}
}

// ============================================================================
// Notifications
// ============================================================================

func (b *Bridge) notify(n Notification) {
	b.observersMu.RLock()
	observers := b.observers
	b.observersMu.RUnlock()

	for _, fn := range observers {
		fn(n)
	}
}

// ============================================================================
// Logging
// ============================================================================

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logWarn(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Warn(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, keysAndValues ...any) {
	if b.opts.Logger != nil {
		b.opts.Logger.Error(msg, keysAndValues...)
	}
}

// newCommandID returns an id for commands that arrive without one.
func newCommandID() string { return uuid.NewString() }
