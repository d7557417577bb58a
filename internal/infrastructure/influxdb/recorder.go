package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
	"github.com/nerrad567/gray-logic-avr/internal/infrastructure/config"
)

// Measurement and tag names for receiver state points.
const (
	MeasurementAVRState = "avr_state"

	TagDevice = "device_id"
	TagInput  = "input_id"
)

const (
	openTimeout = 10 * time.Second
	pingTimeout = 5 * time.Second

	defaultBatchSize     = 20
	defaultFlushInterval = 10 // seconds
)

// Recorder writes receiver state changes to an InfluxDB v2 bucket as
// avr_state points.
//
// Writes go through the library's non-blocking write API, so a slow or
// unreachable server never stalls the bridge worker. Write failures are
// delivered to the onError callback given to Open. After Close every write
// is dropped.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	closed  atomic.Bool
	written atomic.Uint64
	onError func(error)
}

// Open connects to the server described by cfg and returns a Recorder.
//
// Parameters:
//   - cfg: influxdb section of config.yaml
//   - onError: receives asynchronous write errors; may be nil
//
// Returns:
//   - *Recorder: ready for WriteAVRState
//   - error: ErrDisabled, or ErrUnreachable if the ping fails
func Open(cfg config.InfluxDBConfig, onError func(error)) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive after the defaults above
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flush) * uint(time.Second/time.Millisecond))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	if err := ping(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		onError:  onError,
	}
	go r.forwardErrors(r.writeAPI.Errors())
	return r, nil
}

func ping(ctx context.Context, client influxdb2.Client) error {
	healthy, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return errors.New("server reports unhealthy")
	}
	return nil
}

// forwardErrors drains the write API error channel until the client closes.
func (r *Recorder) forwardErrors(errs <-chan error) {
	for err := range errs {
		if r.onError != nil {
			r.onError(fmt.Errorf("writing %s to bucket %q: %w", MeasurementAVRState, r.bucket, err))
		}
	}
}

// WriteAVRState queues one avr_state point for deviceID, timestamped now.
// It never blocks.
func (r *Recorder) WriteAVRState(deviceID string, state avr.DeviceState) {
	if r.closed.Load() {
		return
	}
	r.writeAPI.WritePoint(statePoint(deviceID, state, time.Now()))
	r.written.Add(1)
}

// Written returns the number of points queued since Open.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// statePoint builds the avr_state point. The current input is a tag so
// dashboards can group listening time by source; booleans are 0/1 fields
// so they can be averaged.
func statePoint(deviceID string, state avr.DeviceState, ts time.Time) *write.Point {
	tags := map[string]string{TagDevice: deviceID}
	if state.CurrentInput != nil {
		tags[TagInput] = state.CurrentInput.ID
	}

	fields := map[string]any{
		"power":          flag(state.Power),
		"muted":          flag(state.Muted),
		"panel_lock":     flag(state.PanelLock),
		"volume_percent": state.VolumePercent,
	}
	return write.NewPoint(MeasurementAVRState, tags, fields, ts)
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// HealthCheck pings the server.
func (r *Recorder) HealthCheck(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, r.client); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush blocks until queued points have been sent. No-op after Close.
func (r *Recorder) Flush() {
	if r.closed.Load() {
		return
	}
	r.writeAPI.Flush()
}

// Close flushes queued points and releases the client. Safe to call twice.
func (r *Recorder) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.writeAPI.Flush()
	r.client.Close()
	return nil
}
