// Package insight clusters reflections into Insights, scores them and
// drives their promotion lifecycle.
//
// # Pipeline
//
// Every stored reflection is passed to Manager.Ingest:
//
//  1. The Extractor maps the reflection to a ClusterKey
//     (stage::family::unit) using its tags, team and pain text.
//  2. Inside a store transaction scoped to that key, the active Insight
//     for the key is loaded, then created, merged, reopened or routed to
//     triage.
//  3. Rules computes the score, priority band (with hysteresis), promotion
//     decision and a DecisionTrace explaining them.
//  4. After commit, lifecycle events are published and the trace is
//     appended to the audit log. Neither can fail the ingest.
//
// # Lifecycle
//
//	candidate -> promoted -> cooldown -> closed
//	promoted/cooldown -> pending_triage -> task_created | closed
//
// The Sweeper moves promoted Insights into cooldown once cooldown_until
// passes, and closes cooldown Insights that stayed quiet for a full window.
//
// # Concurrency
//
// The Manager holds no mutable state. Serialization per cluster key is the
// Repository's job; contention surfaces as ErrContention and is retried by
// callers with Retry.
package insight
