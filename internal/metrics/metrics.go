// Package metrics collects and exposes Prometheus metrics for forks, page
// faults, and the simulated kernel.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kahiteam/cowfork/internal/abi"
	"github.com/kahiteam/cowfork/internal/events"
)

// Fault outcomes used as the result label of cowfork_page_faults_total.
const (
	FaultDelivered = "delivered"
	FaultResolved  = "resolved"
	FaultFatal     = "fatal"
)

// Collector holds all cowfork Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	ForksTotal           *prometheus.CounterVec
	RollbacksTotal       prometheus.Counter
	PagesReplicatedTotal *prometheus.CounterVec
	PageFaultsTotal      *prometheus.CounterVec

	Envs        *prometheus.GaugeVec
	FramesInUse prometheus.Gauge
	BuildInfo   *prometheus.GaugeVec
}

// Sampler is the kernel state the gauges are read from.
type Sampler interface {
	Envs() []abi.EnvID
	Status(id abi.EnvID) abi.Status
	FramesInUse() int
}

// New creates and registers all cowfork metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		ForksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_forks_total",
				Help: "Forks attempted, by mode and result.",
			},
			[]string{"mode", "result"},
		),

		RollbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cowfork_fork_rollbacks_total",
				Help: "Partial children destroyed after a failed fork.",
			},
		),

		PagesReplicatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_pages_replicated_total",
				Help: "Pages mapped into children, by replication policy.",
			},
			[]string{"policy"},
		),

		PageFaultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cowfork_page_faults_total",
				Help: "Page faults, by outcome.",
			},
			[]string{"result"},
		),

		Envs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowfork_envs",
				Help: "Live environments per status.",
			},
			[]string{"status"},
		),

		FramesInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cowfork_frames_in_use",
				Help: "Physical frames allocated, page tables included.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cowfork_info",
				Help: "Build information about cowfork.",
			},
			[]string{"version", "go_version"},
		),
	}

	reg.MustRegister(
		c.ForksTotal,
		c.RollbacksTotal,
		c.PagesReplicatedTotal,
		c.PageFaultsTotal,
		c.Envs,
		c.FramesInUse,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion string) {
	c.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// IncFork counts one fork outcome.
func (c *Collector) IncFork(mode string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.ForksTotal.WithLabelValues(mode, result).Inc()
}

// IncPageReplicated counts one page mapped into a child.
func (c *Collector) IncPageReplicated(policy string) {
	c.PagesReplicatedTotal.WithLabelValues(policy).Inc()
}

// IncPageFault counts one fault outcome.
func (c *Collector) IncPageFault(result string) {
	c.PageFaultsTotal.WithLabelValues(result).Inc()
}

// Sample refreshes the gauges from s.
func (c *Collector) Sample(s Sampler) {
	counts := map[abi.Status]int{}
	for _, id := range s.Envs() {
		counts[s.Status(id)]++
	}
	for _, st := range []abi.Status{abi.NotRunnable, abi.Runnable, abi.Running} {
		c.Envs.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
	c.FramesInUse.Set(float64(s.FramesInUse()))
}

// Attach subscribes the counters to bus and returns a function that
// detaches them.
func (c *Collector) Attach(bus *events.Bus) func() {
	ids := []uint64{
		bus.Subscribe(func(e events.Event) { c.IncFork(e.Data["mode"], true) }, events.ForkCompleted),
		bus.Subscribe(func(e events.Event) { c.IncFork(e.Data["mode"], false) }, events.ForkFailed),
		bus.Subscribe(func(events.Event) { c.RollbacksTotal.Inc() }, events.ForkRolledBack),
		bus.Subscribe(func(e events.Event) { c.IncPageReplicated(e.Data["policy"]) }, events.PageReplicated),
		bus.Subscribe(func(events.Event) { c.IncPageFault(FaultDelivered) }, events.PageFault),
		bus.Subscribe(func(events.Event) { c.IncPageFault(FaultResolved) }, events.FaultResolved),
		bus.Subscribe(func(events.Event) { c.IncPageFault(FaultFatal) }, events.FaultFatal),
	}
	return func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
}
