package autopilot

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quantpilot",
			Subsystem: "autopilot",
			Name:      "jobs_total",
			Help:      "Finished jobs by outcome",
		},
		[]string{"outcome"},
	)

	executionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "quantpilot",
			Subsystem: "autopilot",
			Name:      "execution_duration_seconds",
			Help:      "Wall time of quantization executions",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400},
		},
	)

	safetyDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quantpilot",
			Subsystem: "safety",
			Name:      "denials_total",
			Help:      "Admission denials by safety check",
		},
		[]string{"check"},
	)

	deploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quantpilot",
			Subsystem: "deploy",
			Name:      "replacements_total",
			Help:      "Deployment attempts by result",
		},
		[]string{"result"},
	)

	dailyRunsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quantpilot",
		Subsystem: "autopilot",
		Name:      "daily_runs",
		Help:      "Runs counted against today's cap, including in-flight jobs",
	})

	runningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quantpilot",
		Subsystem: "autopilot",
		Name:      "running_jobs",
		Help:      "Jobs currently executing",
	})

	idleGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quantpilot",
		Subsystem: "monitor",
		Name:      "idle",
		Help:      "1 when the host is idle",
	})

	haltedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "quantpilot",
		Subsystem: "autopilot",
		Name:      "halted",
		Help:      "1 when a failed restore halted the controller",
	})
)

func init() {
	prometheus.MustRegister(jobsTotal, executionSeconds, safetyDenials, deploymentsTotal,
		dailyRunsGauge, runningGauge, idleGauge, haltedGauge)
}
