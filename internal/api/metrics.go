package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Bus           BusMetrics       `json:"bus"`
	Fleet         *FleetMetrics    `json:"fleet,omitempty"`
	Ping          *PingMetrics     `json:"ping,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
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
	ConnectedClients int `json:"connected_clients"`
	BusTopics        int `json:"bus_topics"`
}

// BusMetrics contains bus client statistics.
type BusMetrics struct {
	State         string `json:"state"`
	Subscriptions int    `json:"subscriptions"`
	DroppedFrames uint64 `json:"dropped_frames"`
}

// FleetMetrics counts known peers.
type FleetMetrics struct {
	Peers  int `json:"peers"`
	Online int `json:"online"`
}

// PingMetrics counts peers with a recorded latency.
type PingMetrics struct {
	PeersMeasured int `json:"peers_measured"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
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
			BusTopics:        s.hub.BusTopicCount(),
		},
		Bus: BusMetrics{
			State:         s.bus.State().String(),
			Subscriptions: len(s.bus.Topics()),
			DroppedFrames: s.bus.DroppedFrames(),
		},
	}

	if s.fleet != nil {
		peers := s.fleet.Peers()
		fm := &FleetMetrics{Peers: len(peers)}
		for _, p := range peers {
			if p.Online {
				fm.Online++
			}
		}
		metrics.Fleet = fm
	}

	if s.pinger != nil {
		metrics.Ping = &PingMetrics{PeersMeasured: s.pinger.Results().Len()}
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

	writeJSON(w, http.StatusOK, metrics)
}
