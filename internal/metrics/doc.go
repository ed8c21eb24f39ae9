/*
Package metrics exports stickypool metrics to Prometheus.

The Collector owns a private registry and serves it over HTTP together with a
health probe and JSON debug views:

	/metrics        Prometheus exposition
	/health         liveness probe
	/debug/metrics  internal event counts
	/debug/workers  pool snapshot registered by the supervisor

Every recording method is safe to call on a nil or disabled Collector, so
components take an optional *Collector without guarding each call:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled: true,
		Address: ":9090",
	})
	if err != nil {
		return err
	}
	collector.RegisterDebug("workers", func() interface{} { return sup.Snapshot() })
	_ = collector.Start(ctx)
*/
package metrics
