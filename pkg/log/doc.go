/*
Package log provides structured logging for Billet using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity level.

# Architecture

One global logger, configured once at process start, with per-component
children carrying stable fields:

	┌──────────────────── LOGGING SYSTEM ───────────────────────┐
	│                                                           │
	│  ┌─────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout or custom writer          │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │         Component Loggers                   │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithInstanceID(l, "inst-abc123")         │          │
	│  │  - WithWorkerID(l, "worker-def456")         │          │
	│  │  - WithDefinition(l, "dsp-lab", "1.2.0")    │          │
	│  └──────────────────┬──────────────────────────┘          │
	│                     │                                     │
	│  ┌──────────────────▼──────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                             │          │
	│  │  JSON Format:                               │          │
	│  │  {                                          │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "scheduler",                │          │
	│  │    "instance_id": "inst-abc123",            │          │
	│  │    "time": "2026-08-25T10:30:00Z",          │          │
	│  │    "message": "placement committed"         │          │
	│  │  }                                          │          │
	│  │                                             │          │
	│  │  Console Format:                            │          │
	│  │  10:30AM INF placement committed            │          │
	│  │          component=scheduler                │          │
	│  └─────────────────────────────────────────────┘          │
	└───────────────────────────────────────────────────────────┘

# Usage

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

Component loggers in long-lived objects:

	logger := log.WithComponent("reconciler")
	logger.Info().Str("worker_id", w.ID).Msg("drain deadline passed")

Entity-scoped children where one record dominates a call:

	logger := log.WithInstanceID(s.logger, inst.ID)
	logger.Warn().Err(err).Msg("placement rolled back")

Quick helpers for one-off messages:

	log.Info("control plane running")
	log.Errorf("artifact fetch failed", err)

# Conventions

Field names are snake_case and match the JSON tags of the domain
records: instance_id, worker_id, definition, version, node_id. Reusing
the record vocabulary keeps log queries aligned with API payloads.

Levels: Debug for per-pass noise (placement candidates, watch kicks),
Info for state changes worth an audit trail, Warn for conditions the
process survives (lost leases, dropped events), Error for failed
operations that surface to a caller or metric.

# See Also

	pkg/api - request logs and the audit-id error path
*/
package log
