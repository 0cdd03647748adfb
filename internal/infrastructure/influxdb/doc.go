// Package influxdb writes access decisions and scanner lockouts to InfluxDB
// so door traffic can be charted over time.
//
// It wraps the influxdb-client-go v2 batched write API. Writes never block
// the caller; asynchronous write errors are delivered to the SetOnError
// callback. A nil *Client is a valid disabled client: every write is a no-op.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil && !errors.Is(err, influxdb.ErrDisabled) {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteAccessAttempt(influxdb.AccessPoint{TenantID: "t-1", DeviceNumber: 1, Granted: true})
package influxdb
