package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SessionsActive tracks live websocket sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warroom_sessions_active",
		Help: "Currently connected websocket sessions.",
	})

	// ResolveOutcomes counts resolver decisions by outcome
	// (applied, stale, merged).
	ResolveOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warroom_resolve_outcomes_total",
		Help: "Variable update resolutions by outcome.",
	}, []string{"outcome"})

	// BroadcastDrops counts frames dropped because a peer's send buffer
	// was full.
	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warroom_broadcast_drops_total",
		Help: "Broadcast frames dropped for slow or closed peers.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
