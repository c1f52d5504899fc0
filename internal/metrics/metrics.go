// Package metrics exports sandbox usage to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/luasbx/internal/sandbox"
	"github.com/dshills/luasbx/internal/usage"
)

// Namespace prefixes every metric name.
const Namespace = "luasbx"

// Sandbox is the read-only view of a sandbox the collector reports on.
// *sandbox.Sandbox implements it.
type Sandbox interface {
	Name() string
	Role() sandbox.Role
	State() sandbox.State
	Usage(t usage.ResourceType, st usage.Stat) uint64
	Stats() usage.Stats
}

// Source lists the sandboxes to report on at collection time.
type Source interface {
	Sandboxes() []Sandbox
}

// SourceFunc adapts a function to a Source.
type SourceFunc func() []Sandbox

// Sandboxes calls f.
func (f SourceFunc) Sandboxes() []Sandbox {
	return f()
}

// List converts a typed slice for use by a SourceFunc.
func List[S Sandbox](sbs []S) []Sandbox {
	out := make([]Sandbox, len(sbs))
	for i, sb := range sbs {
		out[i] = sb
	}
	return out
}

// Collector implements prometheus.Collector over the usage snapshots of a
// Source. Values are read when scraped.
type Collector struct {
	source Source

	running      *prometheus.Desc
	usage        *prometheus.Desc
	processed    *prometheus.Desc
	failures     *prometheus.Desc
	injected     *prometheus.Desc
	injectedSize *prometheus.Desc
	processAvg   *prometheus.Desc
	processSD    *prometheus.Desc
	timerAvg     *prometheus.Desc
	timerSD      *prometheus.Desc
}

// NewCollector creates a collector for src.
func NewCollector(src Source) *Collector {
	labels := []string{"sandbox", "role"}
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, "sandbox", name), help, append(labels, extra...), nil)
	}
	return &Collector{
		source:       src,
		running:      desc("running", "Whether the sandbox is running (1) or not (0)"),
		usage:        desc("usage", "Resource usage by resource and stat (limit, current, maximum)", "resource", "stat"),
		processed:    desc("process_messages_total", "Total number of process_message calls"),
		failures:     desc("process_failures_total", "Total number of failed process_message calls"),
		injected:     desc("injected_messages_total", "Total number of messages injected by an input sandbox"),
		injectedSize: desc("injected_bytes_total", "Total bytes injected by an input sandbox"),
		processAvg:   desc("process_duration_seconds_avg", "Mean process_message duration in seconds"),
		processSD:    desc("process_duration_seconds_stddev", "Standard deviation of process_message duration in seconds"),
		timerAvg:     desc("timer_event_duration_seconds_avg", "Mean timer_event duration in seconds"),
		timerSD:      desc("timer_event_duration_seconds_stddev", "Standard deviation of timer_event duration in seconds"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.running, c.usage, c.processed, c.failures, c.injected,
		c.injectedSize, c.processAvg, c.processSD, c.timerAvg, c.timerSD,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, sb := range c.source.Sandboxes() {
		name, role := sb.Name(), sb.Role().String()

		running := 0.0
		if sb.State() == sandbox.StateRunning {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(c.running, prometheus.GaugeValue, running, name, role)

		for _, t := range usage.ResourceTypes() {
			for _, st := range []usage.Stat{usage.Limit, usage.Current, usage.Maximum} {
				ch <- prometheus.MustNewConstMetric(c.usage, prometheus.GaugeValue,
					float64(sb.Usage(t, st)), name, role, t.String(), st.String())
			}
		}

		stats := sb.Stats()
		ch <- prometheus.MustNewConstMetric(c.processed, prometheus.CounterValue, float64(stats.PMCount), name, role)
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(stats.PMFailures), name, role)
		if sb.Role() == sandbox.RoleInput {
			ch <- prometheus.MustNewConstMetric(c.injected, prometheus.CounterValue, float64(stats.IMCount), name, role)
			ch <- prometheus.MustNewConstMetric(c.injectedSize, prometheus.CounterValue, float64(stats.IMBytes), name, role)
		}
		ch <- prometheus.MustNewConstMetric(c.processAvg, prometheus.GaugeValue, seconds(stats.PMDuration.Mean()), name, role)
		ch <- prometheus.MustNewConstMetric(c.processSD, prometheus.GaugeValue, seconds(stats.PMDuration.StdDev()), name, role)
		if sb.Role() != sandbox.RoleInput {
			ch <- prometheus.MustNewConstMetric(c.timerAvg, prometheus.GaugeValue, seconds(stats.TEDuration.Mean()), name, role)
			ch <- prometheus.MustNewConstMetric(c.timerSD, prometheus.GaugeValue, seconds(stats.TEDuration.StdDev()), name, role)
		}
	}
}

func seconds(ns float64) float64 {
	return ns / 1e9
}

// NewRegistry returns a registry holding a collector for src.
func NewRegistry(src Source) (*prometheus.Registry, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(NewCollector(src)); err != nil {
		return nil, err
	}
	return registry, nil
}

// RegisterEndpoint serves registry on mux at /metrics.
func RegisterEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
