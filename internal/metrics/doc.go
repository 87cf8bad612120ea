// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Offline queue depth, enqueues, evictions, replays and drops
//   - Credential renewals by result
//   - Realtime connection state, reconnect attempts and inbound frames
//   - Connectivity state
//
// All recording methods are safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics
