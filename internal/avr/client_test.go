package avr

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// eventCapture records full events from a client.
type eventCapture struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventCapture) handle(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventCapture) ofType(t EventType) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// newOfflineClient returns a client whose control link never connects.
func newOfflineClient(t *testing.T, opts ClientOptions) *Client {
	t.Helper()
	opts.RetryInterval = time.Hour
	opts.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, fmt.Errorf("dial %s: connection refused", address)
	}
	c := NewClient(opts)
	t.Cleanup(func() { c.Close() })
	return c
}

// newLinkClient returns a started client connected to srv with the web
// endpoint disabled.
func newLinkClient(t *testing.T, srv *mockReceiver, opts ClientOptions) *Client {
	t.Helper()
	opts.Host, opts.Port = srv.hostPort()
	if opts.CommandDelay == 0 {
		opts.CommandDelay = time.Millisecond
	}
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = time.Hour
	}
	c := NewClient(opts)
	t.Cleanup(func() { c.Close() })
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return c
}

// ============================================================================
// Decoding into state
// ============================================================================

// MUT uses the same polarity as PWR: 0 is on (muted), 1 is off. The
// sequence below therefore ends unmuted, and MUT0 afterwards mutes.
func TestClient_StateFromResponses(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{})
	events := &eventCapture{}
	c.Subscribe(events.handle)

	for _, line := range []string{"RGB050BD", "PWR0", "MUT1", "VOL074", "FN05"} {
		c.handleLine(line)
	}

	st := c.State()
	if !st.Power {
		t.Error("Power = false, want true")
	}
	if st.Muted {
		t.Error("Muted = true after MUT1, want false")
	}
	if st.VolumePercent != 40 {
		t.Errorf("VolumePercent = %d, want 40", st.VolumePercent)
	}
	if st.CurrentInput == nil || st.CurrentInput.ID != "05" {
		t.Fatalf("CurrentInput = %+v, want id 05", st.CurrentInput)
	}
	if st.CurrentInput.Name != "BD" || st.CurrentInput.Category != CategoryHDMI {
		t.Errorf("CurrentInput = %+v, want BD/hdmi", st.CurrentInput)
	}

	if got := len(events.ofType(EventStateChanged)); got != 4 {
		t.Errorf("state-changed events = %d, want 4", got)
	}
	discovered := events.ofType(EventInputDiscovered)
	if len(discovered) != 1 || discovered[0].Input.ID != "05" {
		t.Errorf("input-discovered events = %+v, want one for 05", discovered)
	}

	c.handleLine("MUT0")
	if !c.State().Muted {
		t.Error("Muted = false after MUT0, want true")
	}
}

func TestClient_SelectUnknownInputKeepsState(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{})
	events := &eventCapture{}
	c.Subscribe(events.handle)

	c.handleLine("FN19")
	if c.State().CurrentInput != nil {
		t.Error("CurrentInput set for undiscovered input")
	}
	if n := len(events.ofType(EventStateChanged)); n != 0 {
		t.Errorf("state-changed events = %d, want 0", n)
	}
}

func TestClient_RenameUpdatesCurrentInput(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{})

	c.handleLine("RGB250NETWORK")
	c.handleLine("FN25")
	c.handleLine("RGB250Streamer")

	st := c.State()
	if st.CurrentInput == nil || st.CurrentInput.Name != "Streamer" {
		t.Errorf("CurrentInput = %+v, want renamed Streamer", st.CurrentInput)
	}
	if in, ok := c.Input("25"); !ok || in.Name != "Streamer" {
		t.Errorf("Input(25) = %+v, %v; want Streamer", in, ok)
	}
}

func TestClient_DiscoveryCountsEveryTerminalResponse(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{})
	events := &eventCapture{}
	c.Subscribe(events.handle)

	ids := CatalogIDs()
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })

	defined := 0
	for i, id := range ids {
		if c.FullyDiscovered() {
			t.Fatalf("FullyDiscovered() = true after %d responses", i)
		}
		if i%3 == 0 {
			c.handleLine("E06")
			continue
		}
		c.handleLine("RGB" + id + "0Source " + id)
		defined++
	}

	if got := c.DiscoveredCount(); got != CatalogSize() {
		t.Errorf("DiscoveredCount() = %d, want %d", got, CatalogSize())
	}
	if !c.FullyDiscovered() {
		t.Error("FullyDiscovered() = false, want true")
	}
	if got := len(c.Inputs()); got != defined {
		t.Errorf("len(Inputs()) = %d, want %d", got, defined)
	}

	// Late responses do not push the counter past the catalog size.
	c.handleLine("RGB250Late")
	c.handleLine("E06")
	if got := c.DiscoveredCount(); got != CatalogSize() {
		t.Errorf("DiscoveredCount() after extra responses = %d, want %d", got, CatalogSize())
	}

	discovered := events.ofType(EventInputDiscovered)
	if len(discovered) != defined+1 {
		t.Fatalf("input-discovered events = %d, want %d", len(discovered), defined+1)
	}
	last := discovered[len(discovered)-1]
	if last.Count != CatalogSize() {
		t.Errorf("last event Count = %d, want %d", last.Count, CatalogSize())
	}
}

func TestClient_EventsCarryIdentity(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{Host: "192.168.1.40", Port: 8102})
	events := &eventCapture{}
	c.Subscribe(events.handle)

	c.handleLine("PWR0")

	got := events.ofType(EventStateChanged)
	if len(got) != 1 {
		t.Fatalf("state-changed events = %d, want 1", len(got))
	}
	ev := got[0]
	if ev.Host != "192.168.1.40" || ev.Port != 8102 {
		t.Errorf("event identity = %s:%d, want 192.168.1.40:8102", ev.Host, ev.Port)
	}
	if ev.Time.IsZero() {
		t.Error("event Time is zero")
	}
	if ev.State == nil || !ev.State.Power {
		t.Errorf("event State = %+v, want power on", ev.State)
	}
}

func TestClient_UnsubscribeAndPanickingHandler(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{})

	c.Subscribe(func(Event) { panic("boom") })
	var calls atomic.Int32
	unsubscribe := c.Subscribe(func(Event) { calls.Add(1) })

	c.handleLine("PWR0")
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1 (panic in earlier handler must not stop delivery)", calls.Load())
	}

	unsubscribe()
	unsubscribe()
	c.handleLine("PWR1")
	if calls.Load() != 1 {
		t.Errorf("calls after unsubscribe = %d, want 1", calls.Load())
	}
}

func TestClient_InvalidInputIDs(t *testing.T) {
	c := newOfflineClient(t, ClientOptions{})

	if err := c.SetInput("x5"); err == nil {
		t.Error("SetInput(x5) error = nil, want error")
	}
	if err := c.RenameInput("123", "TV"); err == nil {
		t.Error("RenameInput(123) error = nil, want error")
	}
	if n := c.Stats().Queue.Enqueued; n != 0 {
		t.Errorf("Enqueued = %d, want 0", n)
	}
}

// ============================================================================
// Control link end to end
// ============================================================================

func TestClient_SlowHandshakeOrdering(t *testing.T) {
	release := make(chan struct{})
	clientEnd, serverEnd := net.Pipe()
	defer serverEnd.Close()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), order...)
	}

	c := NewClient(ClientOptions{
		CommandDelay:      time.Millisecond,
		KeepaliveInterval: time.Hour,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			select {
			case <-release:
				return clientEnd, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	defer c.Close()
	c.Subscribe(func(ev Event) {
		if ev.Type == EventConnected {
			record("event:connected")
		}
	})

	go func() {
		r := bufio.NewReader(serverEnd)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			record("line:" + strings.TrimRight(line, "\r\n"))
		}
	}()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, time.Second, func() bool { return c.LinkState() == StateConnecting })

	returned := make(chan struct{})
	go func() {
		c.PowerOn()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("PowerOn() blocked while the link was connecting")
	}

	time.Sleep(30 * time.Millisecond)
	if got := snapshot(); len(got) != 0 {
		t.Fatalf("observed %v before dial completed, want nothing", got)
	}

	close(release)
	waitFor(t, 2*time.Second, func() bool { return len(snapshot()) >= 3 })

	want := []string{"event:connected", "line:", "line:PO"}
	got := snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestClient_RenameOnTheWire(t *testing.T) {
	srv := newMockReceiver(t)
	c := newLinkClient(t, srv, ClientOptions{})

	if err := c.RenameInput("5", "Living Room Blu-ray"); err != nil {
		t.Fatalf("RenameInput() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.commands()) == 1 })

	if got := srv.commands()[0]; got != "Living Room Bl1RGB05" {
		t.Errorf("sent %q, want %q", got, "Living Room Bl1RGB05")
	}
}

func TestClient_SetVolumeClamps(t *testing.T) {
	srv := newMockReceiver(t)
	c := newLinkClient(t, srv, ClientOptions{MaxVolumePercent: 60})

	c.SetVolume(90)
	c.SetVolume(-5)
	c.SetVolume(40)
	waitFor(t, 2*time.Second, func() bool { return len(srv.commands()) == 3 })

	want := []string{"111VL", "000VL", "074VL"}
	got := srv.commands()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestClient_UnknownRemoteKeyIgnored(t *testing.T) {
	srv := newMockReceiver(t)
	c := newLinkClient(t, srv, ClientOptions{})

	c.SendRemoteKey(RemoteKey("menu"))
	c.SendRemoteKey(KeyEnter)
	waitFor(t, 2*time.Second, func() bool { return len(srv.commands()) == 1 })

	time.Sleep(20 * time.Millisecond)
	got := srv.commands()
	if len(got) != 1 || got[0] != "CEN" {
		t.Errorf("sent %v, want [CEN]", got)
	}
}

func TestClient_DiscoveryOverLink(t *testing.T) {
	names := map[string]string{"05": "BD", "19": "HDMI 1", "25": "NETWORK"}
	srv := newRespondingReceiver(t, func(line string) []string {
		id, ok := strings.CutPrefix(line, "?RGB")
		if !ok {
			return nil
		}
		if name, found := names[id]; found {
			return []string{"RGB" + id + "0" + name}
		}
		return []string{"E06"}
	})
	c := newLinkClient(t, srv, ClientOptions{})

	c.RequestInputDefinitions()
	waitFor(t, 5*time.Second, c.FullyDiscovered)

	inputs := c.Inputs()
	if len(inputs) != len(names) {
		t.Fatalf("len(Inputs()) = %d, want %d", len(inputs), len(names))
	}
	for _, in := range inputs {
		if in.Name != names[in.ID] {
			t.Errorf("input %s name = %q, want %q", in.ID, in.Name, names[in.ID])
		}
	}
	if got := len(srv.commands()); got != CatalogSize() {
		t.Errorf("probes sent = %d, want %d", got, CatalogSize())
	}
}

func TestClient_CloseStopsEverything(t *testing.T) {
	srv := newMockReceiver(t)
	c := newLinkClient(t, srv, ClientOptions{})
	c.PowerOn()
	waitFor(t, 2*time.Second, func() bool { return len(srv.commands()) == 1 })

	if err := c.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	c.PowerOff()
	time.Sleep(50 * time.Millisecond)

	if got := srv.accepts.Load(); got != 1 {
		t.Errorf("accepts = %d, want 1 (no reconnect after Close)", got)
	}
	if got := srv.commands(); len(got) != 1 {
		t.Errorf("sent %v, want only PO", got)
	}
	if err := c.HealthCheck(context.Background()); err != ErrClosed {
		t.Errorf("HealthCheck() error = %v, want ErrClosed", err)
	}
	if err := c.Start(context.Background()); err != ErrClosed {
		t.Errorf("Start() after Close error = %v, want ErrClosed", err)
	}
}

// ============================================================================
// Status endpoint routing
// ============================================================================

// webRecorder is an httptest handler for the receiver's web interface.
type webRecorder struct {
	status int
	body   string

	mu       sync.Mutex
	requests []string
}

func (w *webRecorder) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	w.requests = append(w.requests, r.URL.RequestURI())
	w.mu.Unlock()

	if r.URL.Path == statusPath {
		rw.WriteHeader(w.status)
		_, _ = rw.Write([]byte(w.body))
		return
	}
	rw.WriteHeader(http.StatusOK)
}

func (w *webRecorder) seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.requests...)
}

func TestClient_UnavailableEndpointUsesControlLink(t *testing.T) {
	web := &webRecorder{status: http.StatusInternalServerError}
	ts := httptest.NewServer(web)
	defer ts.Close()

	srv := newMockReceiver(t)
	c := newLinkClient(t, srv, ClientOptions{
		Web: WebOptions{Enabled: true, BaseURL: ts.URL},
	})

	if got := c.WebAvailability(); got != AvailabilityUnavailable {
		t.Fatalf("WebAvailability() = %v, want unavailable", got)
	}

	c.PowerOn()
	c.MuteOn()
	c.VolumeUp()
	if err := c.SetInput("05"); err != nil {
		t.Fatalf("SetInput() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.commands()) == 4 })

	want := []string{"PO", "MO", "VU", "05FN"}
	got := srv.commands()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if reqs := web.seen(); len(reqs) != 1 {
		t.Errorf("HTTP requests = %v, want only the probe", reqs)
	}
}

func TestClient_AvailableEndpointSeedsStateAndCarriesCommands(t *testing.T) {
	web := &webRecorder{
		status: http.StatusOK,
		body:   `{"Z":[{"P":1,"V":74,"M":0}],"IC":[25,5],"IL":["NETWORK","BD"]}`,
	}
	ts := httptest.NewServer(web)
	defer ts.Close()

	srv := newMockReceiver(t)
	opts := ClientOptions{Web: WebOptions{Enabled: true, BaseURL: ts.URL}}
	opts.Host, opts.Port = srv.hostPort()
	opts.CommandDelay = time.Millisecond
	opts.KeepaliveInterval = time.Hour
	c := NewClient(opts)
	defer c.Close()

	events := &eventCapture{}
	c.Subscribe(events.handle)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.WebAvailability(); got != AvailabilityAvailable {
		t.Fatalf("WebAvailability() = %v, want available", got)
	}

	st := c.State()
	if !st.Power || st.Muted || st.VolumePercent != 40 {
		t.Errorf("State() = %+v, want power on, unmuted, 40%%", st)
	}
	if got := len(c.Inputs()); got != 2 {
		t.Errorf("len(Inputs()) = %d, want 2", got)
	}
	discovered := events.ofType(EventInputDiscovered)
	if len(discovered) != 2 || discovered[1].Count != 2 {
		t.Errorf("input-discovered events = %+v, want counts 1 and 2", discovered)
	}
	if c.DiscoveredCount() != 0 {
		t.Errorf("DiscoveredCount() = %d, want 0 (status document is not a discovery pass)", c.DiscoveredCount())
	}

	c.PowerOn()
	c.RequestPower()

	waitFor(t, 2*time.Second, func() bool { return len(web.seen()) == 2 })
	waitFor(t, 2*time.Second, func() bool { return len(srv.commands()) == 1 })

	if got := web.seen()[1]; got != commandPath+"?"+commandKey+"=PO" {
		t.Errorf("HTTP request = %q, want PO via %s", got, commandPath)
	}
	if got := srv.commands()[0]; got != "?P" {
		t.Errorf("control link cmd = %q, want ?P", got)
	}
}

// transportTrace records commands in the order either transport receives them.
type transportTrace struct {
	mu    sync.Mutex
	order []string
}

func (tr *transportTrace) add(s string) {
	tr.mu.Lock()
	tr.order = append(tr.order, s)
	tr.mu.Unlock()
}

func (tr *transportTrace) snapshot() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.order...)
}

func TestClient_MixedTransportsKeepEnqueueOrder(t *testing.T) {
	trace := &transportTrace{}

	ts := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == statusPath {
			_, _ = rw.Write([]byte(`{"Z":[{"P":1,"V":74,"M":0}]}`))
			return
		}
		trace.add("web:" + r.URL.Query().Get(commandKey))
		// A slow endpoint must not let later link commands overtake.
		time.Sleep(300 * time.Millisecond)
		rw.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	srv := newRespondingReceiver(t, func(line string) []string {
		if line != "" {
			trace.add("link:" + line)
		}
		return nil
	})
	opts := ClientOptions{Web: WebOptions{Enabled: true, BaseURL: ts.URL}}
	opts.Host, opts.Port = srv.hostPort()
	opts.CommandDelay = time.Millisecond
	opts.KeepaliveInterval = time.Hour
	c := NewClient(opts)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := c.WebAvailability(); got != AvailabilityAvailable {
		t.Fatalf("WebAvailability() = %v, want available", got)
	}

	c.PowerOn()
	c.MuteOn()
	c.RequestMute()

	waitFor(t, 3*time.Second, func() bool { return len(trace.snapshot()) == 3 })

	want := []string{"web:PO", "web:MO", "link:?M"}
	got := trace.snapshot()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q (full order %v)", i, got[i], want[i], got)
		}
	}
}
