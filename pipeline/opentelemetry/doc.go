// Package opentelemetry bootstraps tracing and metrics providers and carries
// trace context across queue boundaries.
package opentelemetry
