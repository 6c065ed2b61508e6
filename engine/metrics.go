package engine

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/wasm-meter/middleware"
)

const metricsNamespace = "wasm_meter"

// Metrics counts engine activity. A nil *Metrics records nothing.
type Metrics struct {
	modulesInstrumented  prometheus.Counter
	functionsRewritten   prometheus.Counter
	instructionsInjected prometheus.Counter
	instrumentSeconds    prometheus.Histogram
	calls                prometheus.Counter
	traps                prometheus.Counter
	exhausted            prometheus.Counter
}

// NewMetrics creates the engine metrics and registers them on r.
func NewMetrics(r prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		modulesInstrumented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "modules_instrumented",
			Help:      "number of modules passed through a middleware chain",
		}),
		functionsRewritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "functions_rewritten",
			Help:      "number of function bodies rewritten",
		}),
		instructionsInjected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "instructions_injected",
			Help:      "net number of instructions added by instrumentation",
		}),
		instrumentSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "instrument_seconds",
			Help:      "time spent instrumenting a module",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		calls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls",
			Help:      "number of exported function calls",
		}),
		traps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "traps",
			Help:      "number of calls that ended in a trap",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "points_exhausted",
			Help:      "number of calls aborted because metering points ran out",
		}),
	}

	if r == nil {
		return m, nil
	}
	err := stderrors.Join(
		r.Register(m.modulesInstrumented),
		r.Register(m.functionsRewritten),
		r.Register(m.instructionsInjected),
		r.Register(m.instrumentSeconds),
		r.Register(m.calls),
		r.Register(m.traps),
		r.Register(m.exhausted),
	)
	return m, err
}

func (m *Metrics) recordInstrument(st middleware.Stats, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.modulesInstrumented.Inc()
	m.functionsRewritten.Add(float64(st.Functions))
	if n := st.Injected(); n > 0 {
		m.instructionsInjected.Add(float64(n))
	}
	m.instrumentSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) recordCall() {
	if m == nil {
		return
	}
	m.calls.Inc()
}

func (m *Metrics) recordTrap(exhausted bool) {
	if m == nil {
		return
	}
	m.traps.Inc()
	if exhausted {
		m.exhausted.Inc()
	}
}
