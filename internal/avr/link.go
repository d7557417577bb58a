package avr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the control link.
const (
	// DefaultPort is the receiver's telnet control port.
	DefaultPort = 23

	// DefaultHost is used when no host is configured.
	DefaultHost = "127.0.0.1"

	// defaultConnectTimeout bounds a single dial attempt.
	defaultConnectTimeout = 10 * time.Second

	// defaultRetryInterval is the fixed delay between failed connect attempts.
	defaultRetryInterval = 10 * time.Second

	// defaultKeepaliveInterval is how often an empty line is written while connected.
	defaultKeepaliveInterval = 3 * time.Second

	// defaultWriteTimeout bounds a single write.
	defaultWriteTimeout = 5 * time.Second

	// maxLineLength caps a single inbound line.
	maxLineLength = 64 * 1024
)

// lineTerminator ends every outbound message.
const lineTerminator = "\r\n"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Dialer opens the control-link transport. It matches net.Dialer.DialContext.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

// LinkState is the control-link connection state.
type LinkState int32

// Link states.
const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// LinkConfig holds control-link settings.
type LinkConfig struct {
	// Host is the receiver address. Default: 127.0.0.1.
	Host string

	// Port is the telnet control port. Default: 23.
	Port int

	// ConnectTimeout bounds one dial attempt. Default: 10 seconds.
	ConnectTimeout time.Duration

	// RetryInterval is the fixed delay between failed attempts. Default: 10 seconds.
	RetryInterval time.Duration

	// KeepaliveInterval is the spacing of keepalive writes. Default: 3 seconds.
	KeepaliveInterval time.Duration

	// WriteTimeout bounds one write. Default: 5 seconds.
	WriteTimeout time.Duration

	// Dial replaces the TCP dialer, mainly for tests.
	Dial Dialer
}

func (c *LinkConfig) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Dial == nil {
		var d net.Dialer
		c.Dial = d.DialContext
	}
}

// Address returns host:port.
func (c LinkConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LinkStats holds operational statistics.
type LinkStats struct {
	LinesTx         uint64
	LinesRx         uint64
	KeepalivesTx    uint64
	ErrorsTotal     uint64
	ConnectsTotal   uint64
	ConnectFailures uint64
	LastActivity    time.Time
	State           LinkState
}

// linkHooks are the callbacks a Link drives. All are optional.
type linkHooks struct {
	// onLine receives each framed line on the reader goroutine.
	onLine func(line string)

	// onEvent receives connected, disconnected and timeout notifications.
	onEvent func(t EventType)

	// onReady runs after a connect attempt succeeds and the lock is released.
	onReady func()
}

// Link owns the control-link session to the receiver.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Connect attempts hold the connection lock exclusively; Send and the
//     keepalive hold it shared, so no write interleaves with a handshake.
//
// Reconnection:
//   - A failed attempt is retried every RetryInterval until it succeeds or
//     the link is closed.
//   - A session that drops is not re-established in the background. The
//     next EnsureConnected (triggered by a command) starts a new attempt.
type Link struct {
	cfg   LinkConfig
	hooks linkHooks

	// lock is the connection lock, shared with the status-endpoint probe.
	lock *sync.RWMutex

	// connMu guards conn and session.
	connMu  sync.RWMutex
	conn    net.Conn
	session *closeOnce

	state      atomic.Int32
	connecting atomic.Bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	done       *closeOnce
	wg         sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	linesTx         atomic.Uint64
	linesRx         atomic.Uint64
	keepalivesTx    atomic.Uint64
	errorsTotal     atomic.Uint64
	connectsTotal   atomic.Uint64
	connectFailures atomic.Uint64
	lastActivity    atomic.Int64
}

// newLink creates a disconnected link. lock may be shared with other
// components that must not overlap a connect attempt.
func newLink(cfg LinkConfig, lock *sync.RWMutex, hooks linkHooks) *Link {
	cfg.applyDefaults()
	if lock == nil {
		lock = &sync.RWMutex{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		cfg:        cfg,
		hooks:      hooks,
		lock:       lock,
		baseCtx:    ctx,
		baseCancel: cancel,
		done:       newCloseOnce(),
	}
}

// SetLogger sets the logger for this link.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// Config returns the effective configuration.
func (l *Link) Config() LinkConfig {
	return l.cfg
}

// State returns the current connection state.
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// IsConnected returns true while a session is established.
func (l *Link) IsConnected() bool {
	return l.State() == StateConnected
}

// Connect blocks until a session is established, ctx is cancelled or the
// link is closed. Failed attempts are retried every RetryInterval.
//
// Parameters:
//   - ctx: Context for cancellation
//
// Returns:
//   - error: nil once connected; ErrClosed after Close; ctx error on cancel
func (l *Link) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.baseCtx, cancel)
	defer stop()

	for {
		if l.isClosed() {
			return ErrClosed
		}

		connected, err := l.attempt(ctx)
		if connected {
			if l.hooks.onReady != nil {
				l.hooks.onReady()
			}
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}

		l.connectFailures.Add(1)
		l.errorsTotal.Add(1)
		l.logError("connect failed", err, "address", l.cfg.Address(), "retry_in", l.cfg.RetryInterval.String())

		t := time.NewTimer(l.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			if l.isClosed() {
				return ErrClosed
			}
			return fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
		case <-t.C:
		}
	}
}

// EnsureConnected starts a background connect loop unless the link is
// connected, already connecting, or closed.
func (l *Link) EnsureConnected() {
	if l.isClosed() || l.IsConnected() {
		return
	}
	if !l.connecting.CompareAndSwap(false, true) {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer l.connecting.Store(false)
		if err := l.Connect(l.baseCtx); err != nil && !errors.Is(err, ErrClosed) {
			l.logError("connect loop stopped", err)
		}
	}()
}

// attempt performs one connect attempt under the exclusive lock.
// It reports whether a session is established when it returns.
func (l *Link) attempt(ctx context.Context) (bool, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.isClosed() {
		return false, ErrClosed
	}
	if l.IsConnected() {
		return true, nil
	}

	l.setState(StateConnecting)
	l.logDebug("connecting", "address", l.cfg.Address())

	dialCtx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	conn, err := l.cfg.Dial(dialCtx, "tcp", l.cfg.Address())
	if err != nil {
		l.setState(StateDisconnected)
		if isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			l.notify(EventTimeout)
		}
		return false, fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, l.cfg.Address(), err)
	}

	if l.isClosed() {
		conn.Close()
		l.setState(StateDisconnected)
		return false, ErrClosed
	}

	session := newCloseOnce()
	l.connMu.Lock()
	l.conn = conn
	l.session = session
	l.connMu.Unlock()

	l.setState(StateConnected)
	l.connectsTotal.Add(1)
	l.touch()
	l.logInfo("connected", "address", l.cfg.Address())
	l.notify(EventConnected)

	// Prime the link before any queued command goes out.
	if err := l.write(conn, ""); err != nil {
		l.endSession(conn, session)
		return false, fmt.Errorf("%w: prime: %w", ErrConnectionFailed, err)
	}

	l.wg.Add(2)
	go l.readLoop(conn, session)
	go l.keepaliveLoop(conn, session)

	return true, nil
}

// Send writes one command line. It holds the connection lock shared, so it
// waits for any connect attempt in progress.
//
// Returns:
//   - error: ErrNotConnected without a session, ErrSendFailed on write failure
func (l *Link) Send(cmd string) error {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if l.isClosed() {
		return ErrClosed
	}

	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := l.write(conn, cmd); err != nil {
		l.errorsTotal.Add(1)
		// Force the reader to observe the failure and end the session.
		conn.Close()
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	l.linesTx.Add(1)
	l.logDebug("sent", "command", cmd)
	return nil
}

// write sends msg plus the line terminator with a write deadline.
func (l *Link) write(conn net.Conn, msg string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := conn.Write([]byte(msg + lineTerminator)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	l.touch()
	return nil
}

// readLoop frames inbound bytes into lines and delivers them in order.
func (l *Link) readLoop(conn net.Conn, session *closeOnce) {
	defer l.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 512), maxLineLength)
	scanner.Split(splitLines)

	for scanner.Scan() {
		line := trimLine(scanner.Text())
		if line == "" {
			continue
		}
		l.linesRx.Add(1)
		l.touch()
		l.deliver(line)
	}

	if err := scanner.Err(); err != nil && !l.isClosed() {
		l.errorsTotal.Add(1)
		l.logError("read failed", err)
	}
	l.endSession(conn, session)
}

// deliver hands a line to the decoder, recovering from handler panics.
func (l *Link) deliver(line string) {
	if l.hooks.onLine == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logError("line handler panic", fmt.Errorf("%v", r), "line", line)
		}
	}()
	l.hooks.onLine(line)
}

// keepaliveLoop writes an empty line every KeepaliveInterval until the
// session ends. A failed write closes the transport.
func (l *Link) keepaliveLoop(conn net.Conn, session *closeOnce) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-session.Done():
			return
		case <-l.done.Done():
			return
		case <-ticker.C:
			if !l.sendKeepalive(conn, session) {
				return
			}
		}
	}
}

func (l *Link) sendKeepalive(conn net.Conn, session *closeOnce) bool {
	l.lock.RLock()
	defer l.lock.RUnlock()

	select {
	case <-session.Done():
		return false
	default:
	}

	if err := l.write(conn, ""); err != nil {
		l.errorsTotal.Add(1)
		l.logError("keepalive failed, closing session", err)
		conn.Close()
		return false
	}
	l.keepalivesTx.Add(1)
	return true
}

// endSession tears down one session. Only the first call for a given
// session has an effect.
func (l *Link) endSession(conn net.Conn, session *closeOnce) {
	l.connMu.Lock()
	current := l.conn == conn
	if current {
		l.conn = nil
		l.session = nil
	}
	l.connMu.Unlock()

	session.Close()
	conn.Close()

	if !current {
		return
	}
	l.setState(StateDisconnected)
	l.logInfo("disconnected", "address", l.cfg.Address())
	l.notify(EventDisconnected)
}

// Close tears the link down permanently. Safe to call multiple times.
func (l *Link) Close() error {
	l.done.Close()
	l.baseCancel()

	// Wait out an attempt in progress; it observes done once it holds the lock.
	l.lock.Lock()
	l.lock.Unlock() //nolint:staticcheck // barrier for attempt

	l.connMu.RLock()
	conn, session := l.conn, l.session
	l.connMu.RUnlock()
	if conn != nil {
		l.endSession(conn, session)
	}

	l.wg.Wait()
	l.setState(StateDisconnected)
	return nil
}

// Stats returns current operational statistics.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		LinesTx:         l.linesTx.Load(),
		LinesRx:         l.linesRx.Load(),
		KeepalivesTx:    l.keepalivesTx.Load(),
		ErrorsTotal:     l.errorsTotal.Load(),
		ConnectsTotal:   l.connectsTotal.Load(),
		ConnectFailures: l.connectFailures.Load(),
		LastActivity:    time.Unix(l.lastActivity.Load(), 0),
		State:           l.State(),
	}
}

func (l *Link) setState(s LinkState) {
	l.state.Store(int32(s))
}

func (l *Link) touch() {
	l.lastActivity.Store(time.Now().Unix())
}

func (l *Link) notify(t EventType) {
	if l.hooks.onEvent != nil {
		l.hooks.onEvent(t)
	}
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

// splitLines is a bufio.SplitFunc that breaks on either CR or LF.
// Empty tokens are returned and filtered by the caller.
func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// trimLine strips whitespace and control characters from both ends.
func trimLine(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (l *Link) currentLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) logDebug(msg string, keysAndValues ...any) {
	if logger := l.currentLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (l *Link) logInfo(msg string, keysAndValues ...any) {
	if logger := l.currentLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

// logError logs an error message if logger is set.
func (l *Link) logError(msg string, err error, keysAndValues ...any) {
	if logger := l.currentLogger(); logger != nil {
		logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
