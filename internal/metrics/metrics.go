/*
   hkpstore - OpenPGP key store and refresh engine
   Copyright (C) 2024  hkpstore contributors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package metrics holds the engine's Prometheus collectors, registered
// on a package-local registry rather than the global default so the
// store can be embedded in a host process without clobbering its
// metrics namespace.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is this package's private collector registry. Callers that
// want to expose it wire Registry into their own /metrics handler.
var Registry = prometheus.NewRegistry()

var (
	// RefreshSuccess counts successful keyserver refreshes.
	RefreshSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hkpstore",
		Subsystem: "refresh",
		Name:      "success_total",
		Help:      "Number of keys successfully refreshed from the keyserver network.",
	})

	// RefreshError counts failed keyserver refresh attempts.
	RefreshError = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "hkpstore",
		Subsystem: "refresh",
		Name:      "error_total",
		Help:      "Number of refresh attempts that failed to fetch a TPK.",
	})

	// RefreshSleepSeconds observes the scheduler's per-iteration sleep duration.
	RefreshSleepSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hkpstore",
		Subsystem: "refresh",
		Name:      "sleep_seconds",
		Help:      "Duration the refresh loop slept between iterations.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
	})

	// LogEntries counts log entries written, by level.
	LogEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hkpstore",
		Subsystem: "log",
		Name:      "entries_total",
		Help:      "Number of append-only log entries written, by level.",
	}, []string{"level"})

	// PolicyViolations counts rejected operations by the offending store policy.
	PolicyViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hkpstore",
		Subsystem: "policy",
		Name:      "violations_total",
		Help:      "Number of operations rejected by the network policy gate, by store policy.",
	}, []string{"store_policy"})
)

func init() {
	Registry.MustRegister(RefreshSuccess, RefreshError, RefreshSleepSeconds, LogEntries, PolicyViolations)
}
