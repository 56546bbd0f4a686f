// Package async provides safe concurrent execution primitives for background tasks.
//
// SafeGo runs fire-and-forget work (alert delivery) with panic recovery,
// a timeout and logging through the context logger.
//
// Batch fans a slice out over a bounded number of goroutines and collects
// every error (session sweeps, bulk termination).
package async
