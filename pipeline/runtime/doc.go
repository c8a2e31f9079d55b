// Package runtime provides panic recovery and panic-safe goroutine launching
// for the pipeline's background loops.
package runtime
