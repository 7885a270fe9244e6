package bridge

import (
	"context"
	"strconv"

	"github.com/golang/glog"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement is the InfluxDB measurement of snapshots.
const Measurement = "usbgpio"

// InfluxSink writes snapshots to InfluxDB.
type InfluxSink struct {
	Name string

	client influxdb2.Client
	writer api.WriteAPI
}

// NewInfluxSink creates a sink writing to bucket of org.
func NewInfluxSink(serverURL, token, org, bucket, name string) *InfluxSink {
	client := influxdb2.NewClient(serverURL, token)
	s := &InfluxSink{
		Name:   name,
		client: client,
		writer: client.WriteAPI(org, bucket),
	}
	go func(errCh <-chan error) {
		for err := range errCh {
			glog.Warningf("influx write: %v", err)
		}
	}(s.writer.Errors())
	return s
}

// Point converts a snapshot to a point.
func Point(name string, s *Snapshot) *write.Point {
	fields := map[string]interface{}{
		"register": int64(s.Register),
	}
	for ch := 0; ch < 8; ch++ {
		fields["io"+strconv.Itoa(ch)] = int64(s.Level(ch))
	}
	for ch, val := range s.Analog {
		fields["adc"+strconv.Itoa(ch)] = int64(val)
	}
	return influxdb2.NewPoint(Measurement, map[string]string{"name": name}, fields, s.Time)
}

// Publish implements Publisher. Points are batched by the client.
func (s *InfluxSink) Publish(ctx context.Context, snapshot *Snapshot) error {
	s.writer.WritePoint(Point(s.Name, snapshot))
	return nil
}

// Close flushes pending points.
func (s *InfluxSink) Close() error {
	s.writer.Flush()
	s.client.Close()
	return nil
}
