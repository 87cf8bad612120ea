// Package pipeline is the single entry point for outbound REST calls.
//
// Every request passes through Pipeline.Do, which:
//
//   - defers mutating calls into the offline queue when the device is offline
//     (or when an online send gets no response at all)
//   - attaches the bearer token from the credential manager
//   - on a 401, renews credentials once (shared with any concurrent callers)
//     and retransmits exactly once with the new token
//   - classifies every other failure into a Kind, see Error
//
// Transport is the HTTP capability. HTTPTransport implements it with
// net/http; tests substitute their own.
//
// The same send path, minus the queueing step, is exposed to the offline
// queue as its replay Executor.
package pipeline
