// Package http serves the propagator's health surface over Fiber: liveness,
// dependency health backed by circuit breakers, and dead-letter health.
package http
