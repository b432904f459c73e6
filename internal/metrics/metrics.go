// Package metrics exports call boundary counters in the prometheus format.
package metrics

import (
	"time"

	"github.com/docker/go-metrics"

	"github.com/tetratelabs/wazerocore/api"
)

// Namespace holds every collector of this package. It is registered with the default prometheus registry.
var Namespace *metrics.Namespace

var (
	calls         metrics.Counter
	activeCalls   metrics.Gauge
	callDuration  metrics.LabeledTimer
	traps         metrics.LabeledCounter
	hostPanics    metrics.Counter
	forwarded     metrics.Counter
	threadInits   metrics.Counter
	deferredCalls metrics.Counter
)

func init() {
	ns := metrics.NewNamespace("wazerocore", "runtime", nil)
	calls = ns.NewCounter("calls", "The total number of calls entering the call boundary")
	activeCalls = ns.NewGauge("active_calls", "The number of calls currently running", metrics.Unit("calls"))
	callDuration = ns.NewLabeledTimer("call_duration", "The number of seconds each call took, by outcome", "outcome")
	for _, o := range []string{"ok", "trap", "error"} {
		callDuration.WithValues(o).Update(0)
	}
	traps = ns.NewLabeledCounter("traps", "The total number of traps, by kind and code", "kind", "code")
	hostPanics = ns.NewCounter("host_panics", "The total number of host panics resumed at the call boundary")
	forwarded = ns.NewCounter("forwarded_faults", "The total number of faults forwarded instead of converted into traps")
	threadInits = ns.NewCounter("thread_inits", "The total number of call thread states initialized")
	deferredCalls = ns.NewCounter("deferred_calls", "The total number of deferred host results driven on an executor")
	metrics.Register(ns)
	Namespace = ns
}

// CallStarted records a call entering the boundary and returns the time it started.
func CallStarted() time.Time {
	calls.Inc()
	activeCalls.Inc()
	return time.Now()
}

// CallFinished records the outcome of a call started at start.
func CallFinished(start time.Time, err error) {
	activeCalls.Dec()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if _, ok := err.(*api.Trap); ok {
			outcome = "trap"
		}
	}
	callDuration.WithValues(outcome).UpdateSince(start)
}

// Trap records a trap by kind and code.
func Trap(t *api.Trap) {
	code := t.Code.String()
	if code == "" {
		code = "none"
	}
	traps.WithValues(t.Kind.String(), code).Inc()
}

// HostPanic records a host panic resumed at a call boundary.
func HostPanic() { hostPanics.Inc() }

// ForwardedFault records a fault that was not converted into a trap.
func ForwardedFault() { forwarded.Inc() }

// ThreadInit records the lazy initialization of a call thread state chain.
func ThreadInit() { threadInits.Inc() }

// DeferredCall records a deferred host result handed to an executor.
func DeferredCall() { deferredCalls.Inc() }
