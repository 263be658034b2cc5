package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ProfileStatsEntry is one profile's running totals for metrics.
type ProfileStatsEntry struct {
	Profile    string
	CallsIn    int64
	CallsOut   int64
	FailedIn   int64
	FailedOut  int64
	Transfers  int64
	ActiveLegs int
}

// ProfileStatsProvider exposes per-profile call counters.
type ProfileStatsProvider interface {
	ProfileStats() []ProfileStatsEntry
}

// GatewayStatusEntry represents the status of a single gateway for metrics.
type GatewayStatusEntry struct {
	Profile string
	Gateway string
	State   string
	Ping    string
}

// GatewayStatusProvider exposes gateway registration statuses.
type GatewayStatusProvider interface {
	GatewayStatuses() []GatewayStatusEntry
}

// SessionCounter returns the number of live sessions in the call runtime.
type SessionCounter interface {
	Count() int
}

// Collector is a prometheus.Collector that gathers soft-switch metrics at
// scrape time.
type Collector struct {
	profiles  ProfileStatsProvider
	gateways  GatewayStatusProvider
	sessions  SessionCounter
	startTime time.Time

	sessionsDesc      *prometheus.Desc
	callsDesc         *prometheus.Desc
	failedDesc        *prometheus.Desc
	transfersDesc     *prometheus.Desc
	activeLegsDesc    *prometheus.Desc
	gatewayStateDesc  *prometheus.Desc
	gatewayPingDesc   *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(profiles ProfileStatsProvider, gateways GatewayStatusProvider, sessions SessionCounter, startTime time.Time) *Collector {
	return &Collector{
		profiles:  profiles,
		gateways:  gateways,
		sessions:  sessions,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"softswitch_active_sessions",
			"Number of live sessions in the call runtime",
			nil, nil,
		),
		callsDesc: prometheus.NewDesc(
			"softswitch_calls_total",
			"Total calls handled per profile and direction",
			[]string{"profile", "direction"}, nil,
		),
		failedDesc: prometheus.NewDesc(
			"softswitch_failed_calls_total",
			"Total failed calls per profile and direction",
			[]string{"profile", "direction"}, nil,
		),
		transfersDesc: prometheus.NewDesc(
			"softswitch_transfers_total",
			"Total call transfers per profile",
			[]string{"profile"}, nil,
		),
		activeLegsDesc: prometheus.NewDesc(
			"softswitch_active_legs",
			"Currently tracked call legs per profile",
			[]string{"profile"}, nil,
		),
		gatewayStateDesc: prometheus.NewDesc(
			"softswitch_gateway_registered",
			"Gateway registration status (1=registered, 0=other)",
			[]string{"profile", "gateway", "state"}, nil,
		),
		gatewayPingDesc: prometheus.NewDesc(
			"softswitch_gateway_up",
			"Gateway liveness from OPTIONS probes (1=up, 0=down or unknown)",
			[]string{"profile", "gateway"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"softswitch_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.callsDesc
	ch <- c.failedDesc
	ch <- c.transfersDesc
	ch <- c.activeLegsDesc
	ch <- c.gatewayStateDesc
	ch <- c.gatewayPingDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Count()),
		)
	}

	if c.profiles != nil {
		for _, p := range c.profiles.ProfileStats() {
			ch <- prometheus.MustNewConstMetric(
				c.callsDesc, prometheus.CounterValue, float64(p.CallsIn), p.Profile, "inbound")
			ch <- prometheus.MustNewConstMetric(
				c.callsDesc, prometheus.CounterValue, float64(p.CallsOut), p.Profile, "outbound")
			ch <- prometheus.MustNewConstMetric(
				c.failedDesc, prometheus.CounterValue, float64(p.FailedIn), p.Profile, "inbound")
			ch <- prometheus.MustNewConstMetric(
				c.failedDesc, prometheus.CounterValue, float64(p.FailedOut), p.Profile, "outbound")
			ch <- prometheus.MustNewConstMetric(
				c.transfersDesc, prometheus.CounterValue, float64(p.Transfers), p.Profile)
			ch <- prometheus.MustNewConstMetric(
				c.activeLegsDesc, prometheus.GaugeValue, float64(p.ActiveLegs), p.Profile)
		}
	}

	if c.gateways != nil {
		for _, g := range c.gateways.GatewayStatuses() {
			registered := 0.0
			if g.State == "registered" || g.State == "no-registration" {
				registered = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.gatewayStateDesc, prometheus.GaugeValue, registered,
				g.Profile, g.Gateway, g.State,
			)
			up := 0.0
			if g.Ping == "UP" {
				up = 1.0
			}
			ch <- prometheus.MustNewConstMetric(
				c.gatewayPingDesc, prometheus.GaugeValue, up,
				g.Profile, g.Gateway,
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
