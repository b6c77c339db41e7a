/*
Package cloud abstracts the IaaS backend that hosts Billet workers.

The controller provisions and retires heavy compute machines through a
single Provider interface, and drives the lab daemon on each machine
through the same interface. Two implementations ship: AWS (EC2 +
CloudWatch + the worker's lab daemon API) and an in-memory fake for tests
and single-node development.

# Architecture

	┌──────────────── CLOUD PROVIDER ABSTRACTION ────────────────┐
	│                                                             │
	│  ┌───────────────────────────────────────────┐             │
	│  │              Provider                      │             │
	│  │  Machine ops: Create/Start/Stop/Terminate  │             │
	│  │  Observation: Status, Metrics, List        │             │
	│  │  Lab ops: Import/Start/Stop/Wipe/List      │             │
	│  └───────┬──────────────────────┬────────────┘             │
	│          │                      │                           │
	│  ┌───────▼────────┐    ┌───────▼────────┐                  │
	│  │  AWSProvider   │    │     Fake       │                  │
	│  │                │    │                │                  │
	│  │  EC2 API       │    │  deterministic │                  │
	│  │  CloudWatch    │    │  ids + states  │                  │
	│  │  lab daemon    │    │  scripted      │                  │
	│  │  (HTTP+bearer) │    │  failures      │                  │
	│  └────────────────┘    └────────────────┘                  │
	│                                                             │
	│  Every call:                                                │
	│    - carries its own deadline                               │
	│    - classifies its failure (Classify)                      │
	│    - holds no state between calls                           │
	└─────────────────────────────────────────────────────────────┘

# Error Classification

Callers never branch on provider-specific error strings. Classify buckets
any provider error into four classes:

	Transient  - throttling, 5xx, timeouts; retry with backoff
	NotFound   - the resource is gone; reconcile the record
	Capacity   - the provider is out of room; demand stays queued
	Contract   - the request was rejected; retrying cannot help

The AWS implementation maps EC2 error codes through the smithy error
surface; the lab daemon maps HTTP status classes; the fake produces the
same shapes so tests exercise real routing.

# Lab Daemon

Each worker image runs a lab daemon on a port inside the VPC. The control
plane addresses it by the machine's private IP:

	GET    /v0/healthz         readiness; 2xx once the daemon can serve
	POST   /v0/labs            import a topology artifact -> {id}
	PUT    /v0/labs/{id}/start
	PUT    /v0/labs/{id}/stop
	PUT    /v0/labs/{id}/wipe  (rejected while the lab is started)
	GET    /v0/labs            -> [{id, state}]

Requests carry a static bearer token. Start, stop, and wipe are idempotent
on the daemon side and retry transparently on transient failures; import is
not idempotent and never retries inside the adapter. GetInstanceStatus
folds the readiness probe into ChecksPassed: a machine reports ready only
when EC2 status checks are green and /v0/healthz answers 2xx.

# Usage

	provider, err := cloud.NewAWSProvider(ctx, cfg.Cloud)
	if err != nil {
		return err
	}

	id, err := provider.CreateInstance(ctx, cloud.CreateSpec{
		Name:         "billet-worker-a1",
		InstanceType: "c5.metal",
		ImageID:      "ami-0abc...",
		Tags:         map[string]string{"billet:template": "enterprise-large"},
	})
	if cloud.IsCapacity(err) {
		// out of room; leave the demand queued
	}

# Integration Points

  - pkg/reconciler: the only caller of machine and lab operations
  - pkg/config: region, subnet, tag prefix, lab daemon port and token
  - pkg/metrics: per-operation call counters with outcome labels
*/
package cloud
