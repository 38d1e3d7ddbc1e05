package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	MQTT          *MQTTMetrics     `json:"mqtt,omitempty"`
	Devices       DeviceMetrics    `json:"devices"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
	InfluxDB      *InfluxMetrics   `json:"influxdb,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int   `json:"connected_clients"`
	EvictedClients   int64 `json:"evicted_clients"`
}

// MQTTMetrics contains upstream MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
	*mqtt.ConnectionStats
}

// connectionCounter is implemented by *mqtt.Client.
type connectionCounter interface {
	Stats() mqtt.ConnectionStats
}

// DeviceMetrics summarises the device table.
type DeviceMetrics struct {
	Total     int            `json:"total"`
	Available int            `json:"available"`
	Sleeping  int            `json:"sleeping"`
	Pending   int            `json:"pending"`
	ByType    map[string]int `json:"by_type"`
	ByKind    map[string]int `json:"by_kind"`
}

// InfluxMetrics reports the unit history writer.
type InfluxMetrics struct {
	Connected bool `json:"connected"`
	influxdb.Stats
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns a JSON snapshot of the bridge for dashboards.
// Prometheus scrapes /metrics instead.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			EvictedClients:   s.hub.EvictedCount(),
		},
		Devices: s.deviceMetrics(),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
		if counter, ok := s.mqtt.(connectionCounter); ok {
			stats := counter.Stats()
			metrics.MQTT.ConnectionStats = &stats
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	if s.influx != nil {
		metrics.InfluxDB = &InfluxMetrics{
			Connected: s.influx.IsConnected(),
			Stats:     s.influx.Stats(),
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) deviceMetrics() DeviceMetrics {
	m := DeviceMetrics{
		Pending: s.gateway.PendingCount(),
		ByType:  make(map[string]int),
		ByKind:  make(map[string]int),
	}
	for _, dev := range s.engine.List() {
		m.Total++
		if dev.Available {
			m.Available++
		}
		if dev.Sleeping() {
			m.Sleeping++
		}
		m.ByType[dev.Type]++
		for _, u := range dev.Units {
			m.ByKind[string(u.Kind)]++
		}
	}
	return m
}
