/*
Package health provides active HTTP and TCP checks.

The checks back the probe command: it can poll the framework's own liveness
endpoint (which answers "OK" once the framework is ready) or run a task
group's declared health check against one running instance.

	checker := health.NewHTTPChecker("http://10.0.0.5:31000/health").WithBody("OK")
	st := health.Probe(ctx, checker, health.DefaultConfig())
	if !st.Healthy {
		// st.LastResult.Message says why
	}

FromCheck translates a types.HealthCheck plus the instance's host and ports
into a checker and a retry Config. COMMAND checks execute inside the task's
container on the agent, so they are rejected here.
*/
package health
