package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hunterwebapps/mastery-sub005/pipeline/internal/nilcheck"
	"github.com/hunterwebapps/mastery-sub005/pipeline/log"
	"github.com/sony/gobreaker"
)

var (
	// ErrBreakerNotFound is returned by Execute for an unregistered service.
	ErrBreakerNotFound = errors.New("circuit breaker not found")
	// ErrServiceUnavailable wraps gobreaker's open and too-many-requests errors.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// State is a breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// StateChangeListener is notified asynchronously on transitions.
type StateChangeListener interface {
	OnStateChange(serviceName string, from, to State)
}

// Manager owns one breaker per service name.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager creates an empty manager.
func NewManager(logger log.Logger) *Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		logger:   logger,
	}
}

// GetOrCreate registers serviceName with cfg unless it already exists.
func (m *Manager) GetOrCreate(serviceName string, cfg Config) {
	m.mu.RLock()
	_, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists = m.breakers[serviceName]; exists {
		return
	}

	m.breakers[serviceName] = m.newBreaker(serviceName, cfg)
	m.configs[serviceName] = cfg

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker created", log.String("service", serviceName))
}

func (m *Manager) newBreaker(serviceName string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.readyToTrip(counts.Requests, counts.ConsecutiveFailures, counts.TotalFailures)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	})
}

// Execute runs fn through the named breaker.
func (m *Manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrBreakerNotFound, serviceName)
	}

	result, err := breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker rejected request",
			log.String("service", serviceName), log.Err(err))

		return nil, fmt.Errorf("%w: %s: %w", ErrServiceUnavailable, serviceName, err)
	}

	return result, err
}

// GetState reports the named breaker's state, StateUnknown if unregistered.
func (m *Manager) GetState(serviceName string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// IsHealthy is true only when the breaker is closed.
func (m *Manager) IsHealthy(serviceName string) bool {
	return m.GetState(serviceName) == StateClosed
}

// Reset recreates the breaker with its stored config.
func (m *Manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[serviceName]
	if !ok {
		return
	}

	m.breakers[serviceName] = m.newBreaker(serviceName, cfg)
}

// RegisterStateChangeListener adds a transition listener. Nil is ignored.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) handleStateChange(serviceName string, from, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", serviceName),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	fromState, toState := convertState(from), convertState(to)

	for _, listener := range listeners {
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "state change listener panicked",
						log.String("service", serviceName), log.Any("panic", r))
				}
			}()

			l.OnStateChange(serviceName, fromState, toState)
		}(listener)
	}
}

func convertState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
