package avr

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// defaultCommandDelay is the minimum spacing between two transmissions.
// The receiver garbles or drops commands sent back to back.
const defaultCommandDelay = 100 * time.Millisecond

// QueueStats holds operational statistics for a CommandQueue.
type QueueStats struct {
	Enqueued uint64
	Sent     uint64
	Failed   uint64
	Pending  int
	Draining bool
}

// CommandQueue serialises command strings onto the receiver.
//
// Commands are sent in enqueue order, one at a time, at least Delay apart,
// whichever transport carries them. While the ready predicate reports false
// for the head command, it and everything behind it stay queued; Resume
// restarts draining once the transport comes up. A command whose send fails
// with ErrNotConnected is put back at the head.
//
// Thread Safety:
//   - Enqueue is safe for concurrent use and never blocks on I/O.
//   - At most one drain goroutine runs at a time.
type CommandQueue struct {
	name  string
	delay time.Duration
	ready func(next string) bool
	send  func(cmd string) error

	mu       sync.Mutex
	items    []string
	draining bool
	lastSent time.Time

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	enqueued atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// NewCommandQueue creates a queue.
//
// Parameters:
//   - name: Label used in log messages
//   - delay: Minimum spacing between transmissions (0 selects 100ms)
//   - ready: Reports whether the transport for the next command can accept it
//   - send: Transmits one command on its transport
func NewCommandQueue(name string, delay time.Duration, ready func(next string) bool, send func(string) error) *CommandQueue {
	if delay <= 0 {
		delay = defaultCommandDelay
	}
	return &CommandQueue{
		name:  name,
		delay: delay,
		ready: ready,
		send:  send,
		done:  newCloseOnce(),
	}
}

// SetLogger sets the logger for this queue.
func (q *CommandQueue) SetLogger(logger Logger) {
	q.loggerMu.Lock()
	q.logger = logger
	q.loggerMu.Unlock()
}

// Enqueue appends cmd and starts draining if the transport is ready.
// Commands enqueued after Close are discarded.
func (q *CommandQueue) Enqueue(cmd string) {
	if q.isClosed() {
		return
	}
	q.enqueued.Add(1)

	q.mu.Lock()
	q.items = append(q.items, cmd)
	start := q.startLocked()
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Resume starts draining queued commands. It is called when the transport
// becomes ready.
func (q *CommandQueue) Resume() {
	q.mu.Lock()
	start := q.startLocked()
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// startLocked claims the drain role if there is work and the transport is
// ready. The caller must hold q.mu.
func (q *CommandQueue) startLocked() bool {
	if q.draining || !q.headReadyLocked() {
		return false
	}
	q.draining = true
	q.wg.Add(1)
	return true
}

// headReadyLocked reports whether the head command can be sent now.
// The caller must hold q.mu.
func (q *CommandQueue) headReadyLocked() bool {
	return len(q.items) > 0 && !q.isClosed() && q.ready(q.items[0])
}

// drain sends queued commands until the queue is empty or the transport
// for the head command goes away.
func (q *CommandQueue) drain() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if !q.headReadyLocked() {
			q.draining = false
			q.mu.Unlock()
			return
		}
		wait := q.delay - time.Since(q.lastSent)
		q.mu.Unlock()

		if wait > 0 && !q.sleep(wait) {
			q.mu.Lock()
			q.draining = false
			q.mu.Unlock()
			return
		}

		q.mu.Lock()
		if !q.headReadyLocked() {
			q.draining = false
			q.mu.Unlock()
			return
		}
		cmd := q.items[0]
		q.items[0] = ""
		q.items = q.items[1:]
		q.mu.Unlock()

		err := q.send(cmd)

		q.mu.Lock()
		q.lastSent = time.Now()
		if errors.Is(err, ErrNotConnected) {
			// The session ended between the ready check and the write.
			q.items = append([]string{cmd}, q.items...)
			if !q.headReadyLocked() {
				q.draining = false
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			continue
		}
		q.mu.Unlock()

		if err != nil {
			q.failed.Add(1)
			q.logWarn("command dropped", "queue", q.name, "command", cmd, "error", err)
			continue
		}
		q.sent.Add(1)
	}
}

// sleep waits d or until Close. It returns false if the queue closed.
func (q *CommandQueue) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.done.Done():
		return false
	case <-t.C:
		return true
	}
}

// Len returns the number of commands waiting to be sent.
func (q *CommandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns current operational statistics.
func (q *CommandQueue) Stats() QueueStats {
	q.mu.Lock()
	pending, draining := len(q.items), q.draining
	q.mu.Unlock()

	return QueueStats{
		Enqueued: q.enqueued.Load(),
		Sent:     q.sent.Load(),
		Failed:   q.failed.Load(),
		Pending:  pending,
		Draining: draining,
	}
}

// Close stops draining and discards pending commands.
// Safe to call multiple times.
func (q *CommandQueue) Close() {
	q.done.Close()

	// A drain claimed before done closed has already called wg.Add.
	q.mu.Lock()
	q.mu.Unlock() //nolint:staticcheck // barrier for startLocked

	q.wg.Wait()

	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *CommandQueue) isClosed() bool {
	select {
	case <-q.done.Done():
		return true
	default:
		return false
	}
}

func (q *CommandQueue) logWarn(msg string, keysAndValues ...any) {
	q.loggerMu.RLock()
	logger := q.logger
	q.loggerMu.RUnlock()

	if logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}
