// Package metrics ships accessory-server operational counters (reads,
// writes, subscriptions, pairing changes) to InfluxDB as line-protocol
// points, for a fleet operator running a shared time-series backend
// alongside many accessories. Grounded on
// EdgxCloud-EdgeFlow/pkg/nodes/database/influxdb.go (client construction,
// health check, write.NewPoint). influxdb-client-go/v2.
package metrics

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	log "github.com/sirupsen/logrus"
)

// Config points at an InfluxDB bucket.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// AccessoryName tags every point, distinguishing multiple accessories
	// writing into a shared bucket.
	AccessoryName string
}

// Sink is a non-blocking InfluxDB writer for accessory-server events.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	tags     map[string]string
}

// Open connects to cfg.URL and verifies reachability with a health check.
func Open(cfg Config) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("metrics: connect to influxdb: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("metrics: influxdb health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warnf("metrics: influxdb write error: %v", err)
		}
	}()

	return &Sink{
		client:   client,
		writeAPI: writeAPI,
		tags:     map[string]string{"accessory": cfg.AccessoryName},
	}, nil
}

// Close flushes any buffered points and releases the client.
func (s *Sink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

func (s *Sink) write(measurement string, extraTags map[string]string, fields map[string]interface{}) {
	tags := make(map[string]string, len(s.tags)+len(extraTags))
	for k, v := range s.tags {
		tags[k] = v
	}
	for k, v := range extraTags {
		tags[k] = v
	}
	s.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// RecordCharacteristicAccess logs one read or write against a
// characteristic, tagged by transport (ip/ble) and instance id.
func (s *Sink) RecordCharacteristicAccess(op string, accessoryID, characteristicID uint64, transport string, durationMS float64) {
	s.write("characteristic_access", map[string]string{
		"op":        op,
		"transport": transport,
	}, map[string]interface{}{
		"accessoryId":      accessoryID,
		"characteristicId": characteristicID,
		"durationMs":       durationMS,
	})
}

// RecordSessionCount logs the current live session counts per transport.
func (s *Sink) RecordSessionCount(transport string, count int) {
	s.write("session_count", map[string]string{"transport": transport}, map[string]interface{}{
		"count": count,
	})
}

// RecordPairingChange logs an add or remove pairing event.
func (s *Sink) RecordPairingChange(op string, admin bool, totalPairings int) {
	s.write("pairing_change", map[string]string{"op": op}, map[string]interface{}{
		"admin":         admin,
		"totalPairings": totalPairings,
	})
}

// RecordStateChange logs an accessory-server lifecycle transition.
func (s *Sink) RecordStateChange(state string) {
	s.write("server_state", nil, map[string]interface{}{"state": state})
}
