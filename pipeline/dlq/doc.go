// Package dlq samples failed-message counts per topic and classifies the
// pipeline's dead-letter health.
package dlq
