// Package mqtt connects the access core to an MQTT broker.
//
// The core publishes one event per recorded access attempt and listens for
// scanner heartbeats:
//
//	gymaccess/event/{tenant}/access                    published, never carries secrets
//	gymaccess/scanner/{tenant}/{device_number}/heartbeat subscribed, updates last_seen_at
//	gymaccess/system/status                            retained online/offline + LWT
//
// # Security Considerations
//
//   - Enable TLS (mqtt.broker.tls) outside a trusted network
//   - Event payloads contain member IDs and denial reasons only; identifiers are truncated
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.AllScannerHeartbeats(), 1, heartbeat.Handle)
package mqtt
