package circuitbreaker

import "time"

// Config holds circuit breaker thresholds.
type Config struct {
	MaxRequests         uint32        // requests allowed while half-open
	Interval            time.Duration // closed-state counter reset period
	Timeout             time.Duration // open-state duration before half-open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// BrokerConfig trips quickly so publishers fail fast while a broker is down.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

// DatabaseConfig tolerates more transient failures.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:         5,
		Interval:            3 * time.Minute,
		Timeout:             45 * time.Second,
		ConsecutiveFailures: 20,
		FailureRatio:        0.6,
		MinRequests:         15,
	}
}

func (c Config) readyToTrip(requests, consecutiveFailures, totalFailures uint32) bool {
	if c.ConsecutiveFailures > 0 && consecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if requests == 0 || c.MinRequests == 0 || requests < c.MinRequests {
		return false
	}

	return float64(totalFailures)/float64(requests) >= c.FailureRatio
}
