package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "txn",
			Name:      "commits",
			Help:      "Counter of committed transactions.",
		})

	abortCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "txn",
			Name:      "aborts",
			Help:      "Counter of aborted transaction attempts.",
		})

	conflictCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tinystm",
			Subsystem: "txn",
			Name:      "conflicts",
			Help:      "Counter of conflict arbitration events.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(abortCounter)
	prometheus.MustRegister(conflictCounter)
}
