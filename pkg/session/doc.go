// Package session tracks the lifecycle of authenticated sessions.
//
// Sessions live in the shared kv store as JSON records keyed by ID, with a
// per-user index and a global index of live sessions used by the sweep.
// Every update is a compare-and-swap on the record, so concurrent workers
// never lose a transition.
//
// Status moves active -> idle -> expired or terminated. The only backwards
// step is idle -> active when the session is touched. Ended records stay
// readable for the retention window and then vanish.
package session
