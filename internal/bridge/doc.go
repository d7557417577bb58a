// Package bridge connects an AVR client to the Gray Logic MQTT bus.
//
// The bridge:
//   - Publishes receiver state and discovered inputs as retained messages
//   - Executes commands received on graylogic/command/avr/{device} and
//     acknowledges them on graylogic/ack/avr/{device}
//   - Records state changes in the history store, the Redis cache and
//     InfluxDB when those are configured
//   - Reports bridge health every 30 seconds
//   - Notifies in-process observers (the HTTP API's websocket hub and
//     Prometheus collectors) of state, input and connection changes
//
// Receiver events are handed to a single worker goroutine, so event
// handlers registered with the AVR client never block on MQTT or SQLite.
//
// Usage:
//
//	b, err := bridge.New(bridge.Options{
//	    DeviceID:   cfg.AVR.DeviceID,
//	    Controller: client,
//	    MQTT:       mqttAdapter,
//	    History:    historyRepo,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := b.Start(ctx); err != nil {
//	    return err
//	}
//	defer b.Stop()
package bridge
