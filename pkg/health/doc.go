/*
Package health probes HTTP endpoints and reports the outcome as a
structured Result.

Billet uses it for one thing: deciding when a worker's lab daemon is
ready. EC2 reports a freshly launched machine healthy long before the
daemon on it has finished booting, so the cloud provider folds a probe
of the daemon's readiness endpoint into every machine status answer. A
worker is promoted to running only after both agree.

# Architecture

	┌──────────────────────────────────────────────────────────┐
	│                  Reconciler (provisioning)               │
	│  GetInstanceStatus(id) → MachineStatus{ChecksPassed}     │
	└──────────────────────┬───────────────────────────────────┘
	                       │
	                       ▼
	┌──────────────────────────────────────────────────────────┐
	│                    Cloud Provider (AWS)                  │
	│  EC2 state + status checks                               │
	│  + health.HTTPChecker → GET http://worker:8443/v0/healthz│
	└──────────────────────┬───────────────────────────────────┘
	                       │
	                       ▼
	               ChecksPassed = EC2 green AND daemon 2xx

The package carries no scheduler and no failure thresholds. Each probe
is one shot; the reconciler's tick loop is the retry policy, and its
liveness counters are the threshold. A checker only answers "did this
endpoint respond acceptably right now."

# Usage

Probe a daemon readiness endpoint with a bearer credential:

	checker := health.NewHTTPChecker("http://10.1.2.3:8443/v0/healthz").
		WithBearer(token).
		WithTimeout(3 * time.Second)

	result := checker.Check(ctx)
	if !result.Healthy {
		log.Debug().Str("reason", result.Message).Msg("daemon not ready")
	}

The default accept range is 200-299. A daemon that redirects or
rate-limits its health endpoint is treated as not ready; widen the
range with WithStatusRange when an endpoint legitimately answers
outside 2xx:

	health.NewHTTPChecker(url).WithStatusRange(200, 399)

# Result

Every probe returns a Result regardless of transport errors:

	Result{
		Healthy:   false,
		Message:   "request failed: dial tcp 10.1.2.3:8443: connect: connection refused",
		CheckedAt: time.Time{...},
		Duration:  12 * time.Millisecond,
	}

Message is short enough to embed in worker status reasons and log
fields. Duration is the wall time of the whole probe including
connection setup.

# Timeouts

Two deadlines apply to a probe, whichever fires first:

  - the checker's Client.Timeout (default 5s, set with WithTimeout)
  - the caller's context deadline

The client timeout exists so a wedged daemon cannot stall a reconciler
tick even when the caller passes a generous context.

# See Also

  - pkg/cloud: the AWS provider's lab daemon client, the only
    production caller
  - pkg/reconciler: promotion and liveness policy built on top of
    machine status answers
*/
package health
