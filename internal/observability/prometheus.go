package observability

import "github.com/prometheus/client_golang/prometheus"

// These mirror the otel histograms the rest of the core already
// records (ipc.latency, stats' room/ccu counters, room patch timing)
// but in Prometheus' own types, so a process can be scraped directly
// without standing up an OTel collector.
var (
	PatchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomserver_room_patch_latency_ms",
		Help:    "Time spent computing and flushing one room's patch tick, in milliseconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"room_name"})

	IPCRoundTrip = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "roomserver_ipc_round_trip_ms",
		Help:    "Round trip latency of a cross-process IPC request, in milliseconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	RoomCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomserver_process_room_count",
		Help: "Rooms currently hosted by this process.",
	}, []string{"process_id"})

	CCU = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roomserver_process_ccu",
		Help: "Clients currently connected to rooms hosted by this process.",
	}, []string{"process_id"})
)

func init() {
	prometheus.MustRegister(PatchLatency, IPCRoundTrip, RoomCount, CCU)
}
