// Package metrics holds the prometheus collectors shared by the daemon's
// components.
package metrics

import "github.com/docker/go-metrics"

var (
	// Requests counts requests executed by the log engine, by request type.
	Requests metrics.LabeledCounter

	// RequestErrors counts requests that failed, by request type.
	RequestErrors metrics.LabeledCounter

	// RequestDuration is the time spent executing a request, by request type.
	RequestDuration metrics.LabeledTimer

	// KernelRequests counts envelopes received from the kernel, by request type.
	KernelRequests metrics.LabeledCounter

	// ClusterSends counts multicasts issued to a group, by request type.
	ClusterSends metrics.LabeledCounter

	// MulticastRetries counts multicasts refused with try-again.
	MulticastRetries metrics.Counter

	// CheckpointsExported counts checkpoints written for joining members.
	CheckpointsExported metrics.Counter

	// CheckpointsImported counts checkpoints loaded on join.
	CheckpointsImported metrics.Counter

	// Resends counts requests resent after a server change.
	Resends metrics.Counter

	// Logs is the number of mirror logs, by list (pending or official).
	Logs metrics.LabeledGauge

	// Groups is the number of joined groups.
	Groups metrics.Gauge
)

func init() {
	ns := metrics.NewNamespace("cmirrord", "", nil)
	Requests = ns.NewLabeledCounter("requests", "The number of requests executed by the log engine", "type")
	RequestErrors = ns.NewLabeledCounter("request_errors", "The number of requests that returned an error", "type")
	RequestDuration = ns.NewLabeledTimer("request", "The number of seconds it takes to execute a request", "type")
	KernelRequests = ns.NewLabeledCounter("kernel_requests", "The number of requests received from the kernel", "type")
	ClusterSends = ns.NewLabeledCounter("cluster_sends", "The number of requests multicast to a group", "type")
	MulticastRetries = ns.NewCounter("multicast_retries", "The number of multicasts refused by the transport with try-again")
	CheckpointsExported = ns.NewCounter("checkpoints_exported", "The number of checkpoints exported to joining members")
	CheckpointsImported = ns.NewCounter("checkpoints_imported", "The number of checkpoints imported on join")
	Resends = ns.NewCounter("resends", "The number of requests resent after a server change")
	Logs = ns.NewLabeledGauge("logs", "The number of mirror logs", metrics.Total, "list")
	Groups = ns.NewGauge("groups", "The number of joined groups", metrics.Total)
	metrics.Register(ns)
}
