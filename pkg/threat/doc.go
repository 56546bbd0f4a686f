// Package threat detects brute force, credential stuffing and anomalous
// behavior, and rate limits sensitive operations.
//
// Each (event type, identifier) pair is a counter in the shared kv store.
// The counter is created with a TTL equal to the rule window by the same
// atomic operation that increments it, so concurrent callers are never
// under-counted and the window is never extended by later events:
//
//	normal --event--> counting --threshold--> triggered --window lapses--> normal
//
// The rule action (lockout, challenge or alert) fires once, on the event
// that reaches the threshold.
package threat
