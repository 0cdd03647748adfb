package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// TopicPrefix is the root of every topic the access core publishes or subscribes to.
const TopicPrefix = "gymaccess"

// Topics provides builders for access core MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.AccessEvent("t-1")            // gymaccess/event/t-1/access
//	topics.ScannerHeartbeat("t-1", 3)    // gymaccess/scanner/t-1/3/heartbeat
type Topics struct{}

// AccessEvent returns the topic on which every recorded access attempt of a
// tenant is published.
//
// Example: gymaccess/event/t-1/access
func (Topics) AccessEvent(tenantID string) string {
	return fmt.Sprintf("%s/event/%s/access", TopicPrefix, tenantID)
}

// ScannerHeartbeat returns the topic a scanner publishes its heartbeat on.
//
// Example: gymaccess/scanner/t-1/3/heartbeat
func (Topics) ScannerHeartbeat(tenantID string, deviceNumber int) string {
	return fmt.Sprintf("%s/scanner/%s/%d/heartbeat", TopicPrefix, tenantID, deviceNumber)
}

// AllScannerHeartbeats returns a pattern matching every scanner heartbeat.
//
// Pattern: gymaccess/scanner/+/+/heartbeat
func (Topics) AllScannerHeartbeats() string {
	return fmt.Sprintf("%s/scanner/+/+/heartbeat", TopicPrefix)
}

// AllAccessEvents returns a pattern matching the access events of every tenant.
//
// Pattern: gymaccess/event/+/access
func (Topics) AllAccessEvents() string {
	return fmt.Sprintf("%s/event/+/access", TopicPrefix)
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: gymaccess/system/status
func (Topics) SystemStatus() string {
	return TopicPrefix + "/system/status"
}

// ParseScannerHeartbeat extracts the tenant and device number from a
// heartbeat topic. It reports false for any other topic.
func ParseScannerHeartbeat(topic string) (tenantID string, deviceNumber int, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != TopicPrefix || parts[1] != "scanner" || parts[4] != "heartbeat" {
		return "", 0, false
	}
	if parts[2] == "" {
		return "", 0, false
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n < 1 {
		return "", 0, false
	}
	return parts[2], n, true
}
