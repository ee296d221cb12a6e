package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	epochGauge          prometheus.Gauge
	bestBlockGauge      prometheus.Gauge
	finalizedBlockGauge prometheus.Gauge
	scheduledSlotsGauge prometheus.Gauge
	mintedSlotsGauge    prometheus.Gauge
	finalizedSlotsGauge prometheus.Gauge
	reconnectsCounter   prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	m := Metrics{
		// chain view
		epochGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_epoch", namespace),
			Help: "The epoch currently being watched",
		}),
		bestBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_best_block", namespace),
			Help: "The highest best head block number seen",
		}),
		finalizedBlockGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_finalized_block", namespace),
			Help: "The highest finalized block number seen",
		}),
		// own slot lifecycle
		scheduledSlotsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_scheduled_slots", namespace),
			Help: "Own slots of the active epoch still waiting for production",
		}),
		mintedSlotsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_minted_slots", namespace),
			Help: "Own slots of the active epoch with an observed block",
		}),
		finalizedSlotsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_finalized_slots", namespace),
			Help: "Own slots of the active epoch with a finalized block",
		}),
		reconnectsCounter: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_reconnects_total", namespace),
			Help: "Number of subscription reconnect attempts",
		}),
	}
	return &m
}

func (m *Metrics) SetEpoch(epoch uint64) {
	if m == nil {
		return
	}
	m.epochGauge.Set(float64(epoch))
}

func (m *Metrics) SetChainHeads(best, finalized uint64) {
	if m == nil {
		return
	}
	m.bestBlockGauge.Set(float64(best))
	m.finalizedBlockGauge.Set(float64(finalized))
}

func (m *Metrics) SetSlotCounts(scheduled, minted, finalized int) {
	if m == nil {
		return
	}
	m.scheduledSlotsGauge.Set(float64(scheduled))
	m.mintedSlotsGauge.Set(float64(minted))
	m.finalizedSlotsGauge.Set(float64(finalized))
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnectsCounter.Inc()
}
