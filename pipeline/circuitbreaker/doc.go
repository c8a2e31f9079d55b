// Package circuitbreaker guards calls to brokers and databases with
// sony/gobreaker breakers keyed by service name.
package circuitbreaker
