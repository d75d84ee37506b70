/*
Package api serves the agent's operational HTTP endpoints.

	GET /health   liveness, 200 while the process runs
	GET /ready    200 when the critical components of the tier are healthy
	              and every registered Check passes, 503 otherwise
	GET /metrics  Prometheus exposition of pkg/metrics

Critical components are registered per tier with
metrics.SetCriticalComponents and reported through metrics.UpdateComponent;
probes are added with Check values:

	hs := api.NewHealthServer(version, api.Check{Name: "kube", Fn: ping})
	g.Go(func() error { return hs.Serve(ctx, ":9090") })

The agents have no northbound API; applications are submitted as custom
resources through the Kubernetes API.
*/
package api
