// Package mqtt provides MQTT client connectivity for the AVR bridge.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions, restored after every reconnect
//   - Last Will and Testament (LWT) on the bridge health topic
//
// # Architecture
//
// The bridge publishes receiver state and input discovery as retained messages
// and consumes commands from the same topic tree the rest of Gray Logic uses:
//
//	AVR ↔ avrbridge ↔ MQTT Broker ↔ Gray Logic Core / dashboards
//
// # Security Considerations
//
//   - TLS should be enabled outside the local network (cfg.Broker.TLS=true)
//   - Credentials are validated against the broker ACL
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topic := mqtt.Topics{}.State("lounge")
//	client.Publish(topic, payload, 1, true)
package mqtt
