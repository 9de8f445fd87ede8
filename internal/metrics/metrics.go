// Package metrics registers the prometheus collectors shared by the
// transport and relay layers and exposes them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the relay process reports. A single
// instance is created at startup and threaded into the transport and relay
// constructors that need it.
type Registry struct {
	PackagesSent     *prometheus.CounterVec
	PackagesReceived *prometheus.CounterVec
	PackagesResent   prometheus.Counter
	PeersLost        prometheus.Counter
	RTT              prometheus.Histogram
	ConfirmsSent     prometheus.Counter
	DuplicatesDropped prometheus.Counter

	ClientsReserved prometheus.Counter
	ClientsJoined   prometheus.Counter
	GamesOpen       prometheus.Gauge
	GamesOpenErrors *prometheus.CounterVec

	PlayersJoined prometheus.Counter
	PlayersLeft   prometheus.Counter
}

// New creates and registers every collector against reg. Passing a fresh
// prometheus.NewRegistry() per test keeps test runs collector-clash free.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		PackagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transport_packages_sent_total",
			Help: "Reliable packages registered for sending, once per target; unreliable packages are not counted.",
		}, []string{"reliability"}),
		PackagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_transport_packages_received_total",
			Help: "Reliable packages delivered to the application; duplicates and unreliable packages are not counted.",
		}, []string{"reliability"}),
		PackagesResent: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_packages_resent_total",
			Help: "Reliable packages retransmitted after RTO expiry.",
		}),
		PeersLost: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_peers_lost_total",
			Help: "Peers declared unreachable after MAX_ATTEMPTS retransmissions or DEAD_AFTER without confirmation.",
		}),
		RTT: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_transport_rtt_seconds",
			Help:    "Estimated round-trip time samples feeding the EWMA RTO.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		ConfirmsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_confirms_sent_total",
			Help: "Confirm datagrams sent by the Delivery Handler.",
		}),
		DuplicatesDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_transport_duplicates_dropped_total",
			Help: "Inbound packages dropped as duplicates of an already-received ID.",
		}),
		ClientsReserved: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_connector_clients_reserved_total",
			Help: "Client slots reserved by OpenGame requests.",
		}),
		ClientsJoined: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_connector_clients_joined_total",
			Help: "Reserved clients that completed a Join to their game's port.",
		}),
		GamesOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connector_games_open",
			Help: "Game Servers currently in Lobby, Playing, or Draining state.",
		}),
		GamesOpenErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_connector_game_open_errors_total",
			Help: "OpenGame requests rejected, by reason.",
		}, []string{"reason"}),
		PlayersJoined: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_game_players_joined_total",
			Help: "Successful player Joins across all Game Servers.",
		}),
		PlayersLeft: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_game_players_left_total",
			Help: "Player Leaves (explicit or synthesized from a connection error).",
		}),
	}
}

// Handler returns the HTTP handler serving the registry in the Prometheus
// text exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
