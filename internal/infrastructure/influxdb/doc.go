// Package influxdb records receiver state history in InfluxDB v2.
//
// Each observed state change becomes one avr_state point tagged with the
// device id and the current input, carrying power, mute and panel lock as
// 0/1 fields plus the volume percentage. That is enough to chart listening
// time, volume and power over the day.
//
// # Usage
//
//	rec, err := influxdb.Open(cfg.InfluxDB, func(err error) {
//	    log.Error("InfluxDB write error", "error", err)
//	})
//	if err != nil {
//	    return err
//	}
//	defer rec.Close()
//
//	rec.WriteAVRState("lounge", state)
//
// Writes are batched and never block. Write failures reach the callback
// given to Open; connection failures are returned from Open and HealthCheck.
package influxdb
