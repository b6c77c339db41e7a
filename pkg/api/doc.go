/*
Package api serves the Billet control-plane HTTP surface.

The api package is how everything outside the process reaches the control
plane: reservation tooling creates definitions and instances, the assessment
collaborator reports collection and grading results, operational tooling
drains workers and grows the fleet, and subscribers follow the event stream.
The scheduler and reconciler never call through here; they act on the store
directly and the API only reflects what they did.

# Architecture

	┌──────────────────────── CLIENTS ─────────────────────────────┐
	│                                                               │
	│  reservation tooling      assessment        operational       │
	│  (create/inspect)         collaborator      tooling           │
	│        │                      │                 │             │
	└────────┼──────────────────────┼─────────────────┼─────────────┘
	         │ /v1/...              │ /v1/hooks/...   │ /internal/v1/...
	         │                      │                 │ (bearer token)
	┌────────▼──────────────────────▼─────────────────▼─────────────┐
	│                      api.Server (this package)                │
	│                                                               │
	│   route table ── instrument ── requireRole ── handlers        │
	│        │                                         │            │
	│        │              ┌──────────────────────────▼──────────┐ │
	│        │              │ manager.State (single writer)       │ │
	│        │              └──────────────────────────┬──────────┘ │
	│        │                                         │            │
	│   GET /v1/events ◄── events.Broker ◄─────────────┘            │
	│   (server-sent events)                                        │
	└───────────────────────────────────────────────────────────────┘

A second listener, HealthServer, carries /healthz, /readyz and /metrics so
probes and scrapes stay reachable while the resource surface drains.

# Public Endpoints

Definitions:

	POST   /v1/definitions                               register a version
	GET    /v1/definitions                               list (name/owner filters)
	GET    /v1/definitions/{name}/{version}              fetch one
	GET    /v1/definitions/{name}/{version}/artifact     cached topology body
	POST   /v1/definitions/{name}/{version}/sync         re-fetch the artifact
	POST   /v1/definitions/{name}/{version}/deprecate    stop new bookings
	DELETE /v1/definitions/{name}/{version}              remove (409 while pinned)

Instances:

	POST   /v1/instances                    book a timeslot (created pending)
	GET    /v1/instances                    list (state/owner/definition filters)
	GET    /v1/instances/{id}               fetch one
	POST   /v1/instances/{id}/start         instantiate ahead of lead time
	POST   /v1/instances/{id}/stop          wind down, optional reason
	POST   /v1/instances/{id}/collect       hand off to assessment
	DELETE /v1/instances/{id}               remove a finished record

Workers and cluster:

	POST   /v1/workers                      import a machine / request one
	GET    /v1/workers                      fleet listing
	GET    /v1/workers/{id}                 fetch one
	GET    /v1/workers/{id}/capacity        free vs allocated resources
	GET    /v1/workers/{id}/ports           range, leases, free count
	GET    /v1/templates                    worker template listing
	GET    /v1/templates/{name}             fetch one template
	GET    /v1/cluster                      raft role, leader, members

# Internal Endpoints

Everything under /internal/v1 requires a bearer credential validated by the
manager's token registry. Scheduler and controller identities may drive
placements and lifecycle transitions; replica identities may only join:

	POST   /internal/v1/instances/{id}/schedule         commit a placement
	POST   /internal/v1/instances/{id}/transition       move an instance
	POST   /internal/v1/workers/{id}/transition         move a worker
	POST   /internal/v1/workers/{id}/ports              lease templated ports
	DELETE /internal/v1/workers/{id}/ports/{instance}   release a lease
	POST   /internal/v1/workers/{id}/drain              begin scale-down
	POST   /internal/v1/scale-up                        record worker demand
	POST   /internal/v1/tokens                          mint a credential
	POST   /internal/v1/cluster/join                    add a raft voter

The in-process scheduler and reconciler do not use these routes; they exist
for out-of-process components and operational tooling.

# Event Stream

GET /v1/events is a server-sent event stream. Each broker event becomes one
frame, flushed immediately:

	event: instance.scheduled
	data: {"id":"...","type":"instance.scheduled","occurred_at":...}

The stream opens with a connected sentinel, carries heartbeats while quiet,
and closes with a shutdown sentinel when the broker stops. ?types=a,b and
?aggregate_id=x narrow the stream; system events always pass so filtered
streams stay alive.

POST /v1/hooks/assessment is the reverse direction: the assessment
collaborator delivers collection.completed and grading.completed envelopes,
which land in the instance record for the reconciler to act on.

# Error Mapping

Domain errors map onto status codes in one place (writeError):

	validation failure, invalid transition    422
	unknown name or id                        404
	revision conflict, definition in use      409
	port range exhausted                      202 + {"status":"pending"}
	proposed on a non-leader replica          503
	anything else                             500 + audit id

5xx bodies carry an audit id that also appears in the server log, so an
operator can pair a client report with the failing request.

# Usage

	srv := api.NewServer(state, mgr, broker)
	go srv.Start(cfg.API.ListenAddr)

	ops := api.NewHealthServer(state, mgr, broker)
	go ops.Start(cfg.API.MetricsListenAddr)

	// shutdown
	srv.Shutdown(ctx)
	ops.Shutdown(ctx)

# Monitoring

	billet_api_requests_total{method,status}   request count per route
	billet_api_request_duration_seconds        latency per route
	billet_event_subscribers                   live stream subscriptions

The event stream route skips the duration histogram; subscriptions live for
hours and would drown the buckets.

# See Also

  - pkg/manager for the state service the handlers call
  - pkg/events for the broker behind the stream
  - pkg/client for the Go client of this surface
*/
package api
