// Package log defines the logging contract shared by every pipeline component.
//
// Backends such as the zap package implement Logger; components only depend on
// this package and fall back to NewNop when no logger is configured.
package log
