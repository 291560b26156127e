package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues a point stamped now. Tags should be low cardinality
// (bridge id, model); values go in fields. It is a no-op when closed.
//
// Example:
//
//	client.WritePoint("hue_heartbeat",
//	    map[string]string{},
//	    map[string]interface{}{"beat": 12, "drift_ms": -1.5})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime queues a point with an explicit timestamp, e.g. a
// sensor sample stamped with the gateway's lastupdated.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
