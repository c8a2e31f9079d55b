// Package zap adapts go.uber.org/zap to the pipeline log.Logger interface.
package zap
