// Package influxdb writes the Hue bridge's runtime telemetry to InfluxDB.
//
// It wraps influxdb-client-go v2 with non-blocking batched writes. The
// bridge writes one hue_gateway point per poll cycle and one hue_heartbeat
// point per beat; Client satisfies hue.MetricsWriter.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WritePoint("hue_gateway",
//	    map[string]string{"bridge_id": "00212EFFFF001234"},
//	    map[string]interface{}{"requests": int64(42)})
//
// Write errors surface asynchronously through SetOnError.
package influxdb
