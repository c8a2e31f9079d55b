// Package pipeline holds process-level plumbing shared by the change
// propagation components: the app launcher, context-carried tracking
// facilities and environment-driven configuration.
package pipeline
