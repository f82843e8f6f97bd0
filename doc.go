// Package studymatch is a streaming classification orchestrator for
// research-report triage. It sits between interactive clients and an external
// AI evaluation pipeline that classifies candidate studies against a report,
// emitting its progress as a server-sent event stream.
//
// # Architecture
//
// The module is organized around one unidirectional data path:
//
//	┌────────────┐   POST /evaluate    ┌───────────────┐
//	│  gateway   │ ──────────────────► │ stream.Client │──► upstream SSE
//	│ (HTTP API) │                     └───────┬───────┘
//	└─────┬──────┘                             │ bytes
//	      │ start/cancel              ┌────────▼────────┐
//	┌─────▼──────┐   decoded events   │ stream.Decoder  │
//	│  session   │ ◄──────────────────┴─────────────────┘
//	│  Manager   │
//	└─────┬──────┘
//	      │ apply (identity-checked)
//	┌─────▼──────┐    pure reduction   ┌──────────┐
//	│   store    │ ──────────────────► │ classify │
//	│ (read model)│ ◄───────────────── └──────────┘
//	└────────────┘
//
// Each (batch, report) key has at most one live session. The session manager
// admits new sessions against a fixed concurrency cap, tags each run with a
// generation identity, and drops events from cancelled or replaced transports.
// The store is the single source of truth clients poll (or watch over
// websocket) for status, the event log, and the classification map.
//
// # Packages
//
//   - stream: SSE decoding and the upstream pipeline client
//   - classify: pure event-to-classification reduction
//   - store: per-key session read model and suggestion bookkeeping
//   - session: lifecycle management and concurrency admission
//   - gateway: HTTP/websocket API surface
//   - eventlog: optional NATS fan-out of session activity
//   - metric: Prometheus registry and exposition server
//   - errors: classified error handling (transient, invalid, fatal)
//   - config: file-based configuration (JSON or YAML)
//
// # Binary
//
//	./bin/studymatch --config configs/studymatch.yaml
package studymatch
