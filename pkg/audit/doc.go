// Package audit provides the append-only audit log of the auth core.
//
// # Overview
//
// Every state transition in the core (key rotation, session lifecycle, token
// issue/refresh/revoke, login outcomes, threat triggers, two-factor changes)
// is recorded as an immutable Event. Recording never fails from the caller's
// point of view: a sink that cannot be written degrades observability, not
// authentication.
//
// # Components
//
// Recorder: the entry point. Appends to a bounded in-memory store, queues
// the event for each durable sink and hands matching events to alert
// observers through a Notifier. Each sink is written by its own goroutine
// from a bounded backlog with a per-write timeout; when the backlog is full
// the event is dropped for that sink and counted. Close drains the backlogs.
//
//	rec := audit.NewRecorder(audit.RecorderConfig{
//		Store:  audit.NewMemoryStore(10000, 30*24*time.Hour),
//		Sinks:  []audit.Logger{fileLogger, dbLogger},
//		Logger: logger,
//	})
//	rec.Record(ctx, audit.EventKeyRotation, map[string]interface{}{
//		"old_fingerprint": oldFP,
//		"new_fingerprint": newFP,
//	})
//
// MemoryStore: ring-buffer retention (capacity + TTL) used for the audit
// query endpoint.
//
// FileLogger: JSON lines with size-based rotation.
//
// DBLogger: PostgreSQL sink with retention cleanup.
//
// Notifier: best-effort, rate limited delivery of events to Observers
// (paging, chat alerts). Delivery never blocks recording.
//
// # Export
//
// Events can be exported as JSON, NDJSON or CSV for external analysis.
package audit
