// Package metrics exposes prometheus collectors for the engine and
// replication subsystems. Scraping is ancillary to the wire protocol:
// nothing in internal/dispatch or internal/replication depends on it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every gauge/counter this package registers.
// CommandsTotal is registered but no command path increments it.
type Collectors struct {
	KeyspaceKeys      prometheus.Gauge
	BacklogBytes      prometheus.Gauge
	ConnectedReplicas prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	SweeperReaped     prometheus.Counter
	SweeperEvicted    prometheus.Counter
}

// NewCollectors builds and registers every collector against reg. Pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		KeyspaceKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyvaultd_keyspace_keys",
			Help: "Current number of live keys in the keyspace.",
		}),
		BacklogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyvaultd_replication_backlog_bytes",
			Help: "Bytes currently held in the replication backlog.",
		}),
		ConnectedReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "keyvaultd_replication_connected_replicas",
			Help: "Number of replicas currently registered with this primary.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "keyvaultd_commands_total",
			Help: "Commands processed, labeled by command name.",
		}, []string{"command"}),
		SweeperReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyvaultd_sweeper_reaped_total",
			Help: "Expired keys removed by the background sweeper.",
		}),
		SweeperEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keyvaultd_sweeper_evicted_total",
			Help: "Keys evicted by the background sweeper to enforce the max-keys cap.",
		}),
	}

	reg.MustRegister(
		c.KeyspaceKeys,
		c.BacklogBytes,
		c.ConnectedReplicas,
		c.CommandsTotal,
		c.SweeperReaped,
		c.SweeperEvicted,
	)
	return c
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
