package avr

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Host and Port address the control link. Defaults: 127.0.0.1:23.
	Host string
	Port int

	// ConnectTimeout, RetryInterval and KeepaliveInterval tune the control
	// link. Zero selects 10s, 10s and 3s.
	ConnectTimeout    time.Duration
	RetryInterval     time.Duration
	KeepaliveInterval time.Duration

	// CommandDelay is the spacing between queued commands. Default: 100ms.
	CommandDelay time.Duration

	// MaxVolumePercent caps SetVolume. Zero means no cap.
	MaxVolumePercent int

	// Web configures the optional status endpoint.
	Web WebOptions

	// Dial replaces the TCP dialer, mainly for tests.
	Dial Dialer
}

// WebOptions configures the status endpoint.
type WebOptions struct {
	// Enabled turns on the startup probe. When false every command takes
	// the control link.
	Enabled bool

	// BaseURL overrides "http://<Host>".
	BaseURL string

	// Timeout bounds each request. Default: 5 seconds.
	Timeout time.Duration

	// HTTPClient replaces the default HTTP client.
	HTTPClient *http.Client
}

// ClientStats aggregates statistics of the client's components.
type ClientStats struct {
	Link            LinkStats
	Queue           QueueStats
	WebAvailability Availability
	WebRequests     uint64
	WebFailures     uint64
	Discovered      int
	FullyDiscovered bool
}

// Client is the façade over the control link, the status endpoint and the
// device state model.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Setters never block; results arrive later as events.
type Client struct {
	opts ClientOptions

	// lock is the connection lock: exclusive for connect and probe,
	// shared for every transmission.
	lock sync.RWMutex

	link   *Link
	router TransportRouter
	web    *StatusEndpoint
	queue  *CommandQueue

	state     *stateModel
	observers observers

	discoveryMu     sync.Mutex
	discovered      int
	fullyDiscovered bool

	started atomic.Bool
	closed  atomic.Bool

	logger   Logger
	loggerMu sync.RWMutex
}

// NewClient creates a client. Nothing is dialled until Start.
func NewClient(opts ClientOptions) *Client {
	c := &Client{state: newStateModel()}

	c.link = newLink(LinkConfig{
		Host:              opts.Host,
		Port:              opts.Port,
		ConnectTimeout:    opts.ConnectTimeout,
		RetryInterval:     opts.RetryInterval,
		KeepaliveInterval: opts.KeepaliveInterval,
		Dial:              opts.Dial,
	}, &c.lock, linkHooks{
		onLine:  c.handleLine,
		onEvent: c.handleLinkEvent,
		onReady: c.handleLinkReady,
	})

	cfg := c.link.Config()
	opts.Host, opts.Port = cfg.Host, cfg.Port
	if opts.Web.Timeout <= 0 {
		opts.Web.Timeout = defaultWebTimeout
	}
	c.opts = opts

	httpClient := opts.Web.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Web.Timeout}
	}
	baseURL := opts.Web.BaseURL
	if baseURL == "" {
		baseURL = "http://" + opts.Host
	}
	c.web = NewStatusEndpoint(baseURL, httpClient)

	c.queue = NewCommandQueue("commands", opts.CommandDelay, c.canSend, c.send)

	if !opts.Web.Enabled {
		c.router.SetAvailability(AvailabilityUnavailable)
	}

	return c
}

// SetLogger sets the logger for the client and its components.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()

	c.link.SetLogger(logger)
	c.queue.SetLogger(logger)
}

// Start probes the status endpoint (when enabled) and begins connecting
// the control link in the background. It returns once the probe is done.
//
// Parameters:
//   - ctx: Context bounding the probe
//
// Returns:
//   - error: ErrClosed if the client was closed; probe failures are not errors
func (c *Client) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	if c.opts.Web.Enabled {
		c.probe(ctx)
	}
	c.link.EnsureConnected()
	return nil
}

// probe runs the one-time status endpoint check under the exclusive lock.
func (c *Client) probe(ctx context.Context) {
	c.lock.Lock()
	body, err := c.web.Probe(ctx)
	if err != nil {
		c.router.SetAvailability(AvailabilityUnavailable)
	} else {
		c.router.SetAvailability(AvailabilityAvailable)
	}
	c.lock.Unlock()

	if err != nil {
		c.logInfo("status endpoint unavailable, using control link only", "url", c.web.BaseURL(), "error", err)
		return
	}
	c.logInfo("status endpoint available", "url", c.web.BaseURL())

	snap, err := DecodeStatus(body)
	if err != nil {
		c.logWarn("status document ignored", "error", err)
		return
	}
	c.ingestStatus(snap)
}

// ingestStatus seeds state and the input registry from a status document.
func (c *Client) ingestStatus(snap StatusSnapshot) {
	if snap.HasPower || snap.HasVolume || snap.HasMute {
		st := c.state.update(func(s *DeviceState) {
			if snap.HasPower {
				s.Power = snap.Power
			}
			if snap.HasVolume {
				s.VolumePercent = NativeToPercent(snap.NativeVolume)
			}
			if snap.HasMute {
				s.Muted = snap.Muted
			}
		})
		c.emit(Event{Type: EventStateChanged, State: &st})
	}

	for i, in := range snap.Inputs {
		c.state.putInput(in)
		input := in
		c.emit(Event{Type: EventInputDiscovered, Count: i + 1, Input: &input})
	}
}

// Subscribe registers h for all events and returns a function that
// removes it.
func (c *Client) Subscribe(h Handler) (unsubscribe func()) {
	return c.observers.subscribe(h)
}

// Close tears down the client permanently. Pending commands are discarded.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.queue.Close()
	return c.link.Close()
}

// ============================================================================
// Requests and setters
// ============================================================================

// RequestPower asks the receiver to report its power state.
func (c *Client) RequestPower() { c.submit(CmdRequestPower) }

// PowerOn switches the receiver on.
func (c *Client) PowerOn() { c.submit(CmdPowerOn) }

// PowerOff switches the receiver to standby.
func (c *Client) PowerOff() { c.submit(CmdPowerOff) }

// SetPower switches the receiver on or off.
func (c *Client) SetPower(on bool) {
	if on {
		c.PowerOn()
		return
	}
	c.PowerOff()
}

// RequestMute asks the receiver to report its mute state.
func (c *Client) RequestMute() { c.submit(CmdRequestMute) }

// MuteOn mutes the receiver.
func (c *Client) MuteOn() { c.submit(CmdMuteOn) }

// MuteOff unmutes the receiver.
func (c *Client) MuteOff() { c.submit(CmdMuteOff) }

// SetMute mutes or unmutes the receiver.
func (c *Client) SetMute(on bool) {
	if on {
		c.MuteOn()
		return
	}
	c.MuteOff()
}

// RequestPanelLock asks the receiver to report its front-panel lock.
func (c *Client) RequestPanelLock() { c.submit(CmdRequestPanelLock) }

// PanelLockOn locks the front panel.
func (c *Client) PanelLockOn() { c.submit(CmdPanelLockOn) }

// PanelLockOff unlocks the front panel.
func (c *Client) PanelLockOff() { c.submit(CmdPanelLockOff) }

// SetPanelLock locks or unlocks the front panel.
func (c *Client) SetPanelLock(on bool) {
	if on {
		c.PanelLockOn()
		return
	}
	c.PanelLockOff()
}

// RequestVolume asks the receiver to report its volume.
func (c *Client) RequestVolume() { c.submit(CmdRequestVolume) }

// VolumeUp steps the volume up.
func (c *Client) VolumeUp() { c.submit(CmdVolumeUp) }

// VolumeDown steps the volume down.
func (c *Client) VolumeDown() { c.submit(CmdVolumeDown) }

// SetVolume sets an absolute volume. percent is clamped to 0..100 and to
// MaxVolumePercent when configured.
func (c *Client) SetVolume(percent int) {
	percent = max(0, min(percent, 100))
	if limit := c.opts.MaxVolumePercent; limit > 0 && percent > limit {
		percent = limit
	}
	c.submit(SetVolumeCommand(percent))
}

// RequestInput asks the receiver to report the selected input.
func (c *Client) RequestInput() { c.submit(CmdRequestInput) }

// SetInput selects an input. One-digit ids are zero-padded.
func (c *Client) SetInput(id string) error {
	cmd, err := SetInputCommand(id)
	if err != nil {
		return err
	}
	c.submit(cmd)
	return nil
}

// RenameInput renames an input on the device. The registry is updated
// when the receiver answers with the new definition, not here.
func (c *Client) RenameInput(id, name string) error {
	cmd, err := RenameInputCommand(id, name)
	if err != nil {
		return err
	}
	c.submit(cmd)
	return nil
}

// SendRemoteKey emulates a remote-control key. Unknown keys are logged and
// ignored.
func (c *Client) SendRemoteKey(key RemoteKey) {
	code, ok := RemoteKeyCommand(key)
	if !ok {
		c.logWarn("unknown remote key ignored", "key", string(key))
		return
	}
	c.submit(code)
}

// RequestInputDefinitions probes every catalog input id. Each probe is
// answered by exactly one RGB or E06 line.
func (c *Client) RequestInputDefinitions() {
	c.discoveryMu.Lock()
	c.discovered = 0
	c.fullyDiscovered = false
	c.discoveryMu.Unlock()

	c.logInfo("discovering inputs", "probes", CatalogSize())
	for _, id := range catalogIDs {
		c.submit(InputDefinitionQuery(id))
	}
}

// RefreshState requests every reported state field.
func (c *Client) RefreshState() {
	c.RequestPower()
	c.RequestVolume()
	c.RequestMute()
	c.RequestInput()
	c.RequestPanelLock()
}

// submit enqueues cmd. Both transports share one queue, so commands reach
// the receiver in submission order. The control link is connected on demand.
func (c *Client) submit(cmd string) {
	if c.closed.Load() {
		return
	}
	c.queue.Enqueue(cmd)
	if c.router.Route(cmd) == RouteControlLink {
		c.link.EnsureConnected()
	}
}

// canSend reports whether the transport for cmd can take it now. The
// status endpoint is request/response and always ready.
func (c *Client) canSend(cmd string) bool {
	if c.router.Route(cmd) == RouteStatusEndpoint {
		return true
	}
	return c.link.IsConnected()
}

// send transmits cmd on the transport chosen by the router.
func (c *Client) send(cmd string) error {
	if c.router.Route(cmd) == RouteStatusEndpoint {
		return c.sendWeb(cmd)
	}
	return c.link.Send(cmd)
}

// sendWeb sends one command through the status endpoint, holding the
// connection lock shared.
func (c *Client) sendWeb(cmd string) error {
	c.lock.RLock()
	defer c.lock.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.Web.Timeout)
	defer cancel()
	return c.web.SendCommand(ctx, cmd)
}

// ============================================================================
// Reads
// ============================================================================

// State returns the last observed device state.
func (c *Client) State() DeviceState { return c.state.snapshot() }

// Inputs returns all known inputs ordered by id.
func (c *Client) Inputs() []Input { return c.state.inputList() }

// Input returns one known input.
func (c *Client) Input(id string) (Input, bool) { return c.state.input(id) }

// LinkState returns the control-link state.
func (c *Client) LinkState() LinkState { return c.link.State() }

// WebAvailability returns the status endpoint probe result.
func (c *Client) WebAvailability() Availability { return c.router.Availability() }

// Host returns the receiver host.
func (c *Client) Host() string { return c.opts.Host }

// Port returns the control-link port.
func (c *Client) Port() int { return c.opts.Port }

// DiscoveredCount returns the number of terminal discovery responses seen
// since the last RequestInputDefinitions.
func (c *Client) DiscoveredCount() int {
	c.discoveryMu.Lock()
	defer c.discoveryMu.Unlock()
	return c.discovered
}

// FullyDiscovered reports whether every catalog probe has been answered.
func (c *Client) FullyDiscovered() bool {
	c.discoveryMu.Lock()
	defer c.discoveryMu.Unlock()
	return c.fullyDiscovered
}

// Stats returns current operational statistics.
func (c *Client) Stats() ClientStats {
	c.discoveryMu.Lock()
	discovered, full := c.discovered, c.fullyDiscovered
	c.discoveryMu.Unlock()

	return ClientStats{
		Link:            c.link.Stats(),
		Queue:           c.queue.Stats(),
		WebAvailability: c.router.Availability(),
		WebRequests:     c.web.Requests(),
		WebFailures:     c.web.Failures(),
		Discovered:      discovered,
		FullyDiscovered: full,
	}
}

// HealthCheck reports whether the control link is up.
func (c *Client) HealthCheck(_ context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.link.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// ============================================================================
// Inbound
// ============================================================================

// handleLine decodes one line and applies it. It runs on the reader
// goroutine, so lines are applied in arrival order.
func (c *Client) handleLine(line string) {
	resp, ok := DecodeLine(line)
	if !ok {
		c.logDebug("line ignored", "line", line)
		return
	}

	switch resp.Kind {
	case ResponseInputDefinition:
		c.state.putInput(resp.Input)
		count := c.countDiscovery()
		in := resp.Input
		c.emit(Event{Type: EventInputDiscovered, Count: count, Input: &in})

	case ResponseInputMissing:
		c.countDiscovery()

	case ResponsePower:
		c.applyState(func(s *DeviceState) { s.Power = resp.On })

	case ResponseMute:
		c.applyState(func(s *DeviceState) { s.Muted = resp.On })

	case ResponsePanelLock:
		c.applyState(func(s *DeviceState) { s.PanelLock = resp.On })

	case ResponseVolume:
		c.applyState(func(s *DeviceState) { s.VolumePercent = resp.VolumePercent })

	case ResponseInputSelected:
		st, ok := c.state.selectInput(resp.InputID)
		if !ok {
			c.logDebug("selected input not yet discovered", "input", resp.InputID)
			return
		}
		c.emit(Event{Type: EventStateChanged, State: &st})
	}
}

func (c *Client) applyState(fn func(s *DeviceState)) {
	st := c.state.update(fn)
	c.emit(Event{Type: EventStateChanged, State: &st})
}

// countDiscovery records one terminal discovery response and returns the
// running count.
func (c *Client) countDiscovery() int {
	c.discoveryMu.Lock()
	defer c.discoveryMu.Unlock()

	if !c.fullyDiscovered {
		c.discovered++
		if c.discovered >= CatalogSize() {
			c.fullyDiscovered = true
			c.logInfo("input discovery complete", "inputs", c.state.inputCount())
		}
	}
	return c.discovered
}

func (c *Client) handleLinkEvent(t EventType) {
	c.emit(Event{Type: t})
}

func (c *Client) handleLinkReady() {
	c.queue.Resume()
}

// emit stamps ev and dispatches it to subscribers.
func (c *Client) emit(ev Event) {
	ev.Time = time.Now().UTC()
	ev.Host = c.opts.Host
	ev.Port = c.opts.Port
	c.observers.emit(ev, func(err error) {
		c.logError("event handler failed", "event", string(ev.Type), "error", err)
	})
}

// ============================================================================
// Logging
// ============================================================================

func (c *Client) currentLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if l := c.currentLogger(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if l := c.currentLogger(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if l := c.currentLogger(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, keysAndValues ...any) {
	if l := c.currentLogger(); l != nil {
		l.Error(msg, keysAndValues...)
	}
}
