package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementAccess   = "access_attempts"
	measurementLockouts = "scanner_lockouts"
)

// AccessPoint is one access decision as a time series sample.
type AccessPoint struct {
	TenantID     string
	DeviceNumber int
	Method       string
	Service      string
	Granted      bool
	Reason       string
	Time         time.Time
}

// WriteAccessAttempt records one access decision. The write is non-blocking.
//
// Tags are low-cardinality (tenant, device, method, service, result,
// reason); member IDs are deliberately not written.
func (c *Client) WriteAccessAttempt(p AccessPoint) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(accessPoint(p))
}

// WriteLockout records a scanner entering lockout.
func (c *Client) WriteLockout(tenantID string, deviceNumber int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		measurementLockouts,
		map[string]string{
			"tenant_id":     tenantID,
			"device_number": strconv.Itoa(deviceNumber),
		},
		map[string]interface{}{"count": 1},
		at,
	))
}

func accessPoint(p AccessPoint) *write.Point {
	result := "denied"
	granted := 0
	if p.Granted {
		result = "granted"
		granted = 1
	}

	tags := map[string]string{
		"tenant_id":     p.TenantID,
		"device_number": strconv.Itoa(p.DeviceNumber),
		"method":        p.Method,
		"service":       p.Service,
		"result":        result,
	}
	if p.Reason != "" {
		tags["reason"] = p.Reason
	}

	return write.NewPoint(measurementAccess, tags,
		map[string]interface{}{"count": 1, "granted": granted},
		p.Time,
	)
}
