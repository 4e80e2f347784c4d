package config

import (
	"sync"
	"time"
)

// Patch lists the fields to change; nil fields are left alone.
type Patch struct {
	Enabled             *bool
	PollInterval        *time.Duration
	RetryMaxAttempts    *int
	RetryBackoff        *time.Duration
	RetryMaxBackoff     *time.Duration
	RetryExponential    *bool
	RetryJitter         *bool
	DefaultTimeout      *time.Duration
	MaxEventPayloadSize *int
	EnableHistory       *bool
	ImmediateProcessing *bool
	FailureThreshold    *int
	BreakerWindow       *time.Duration
	RecoveryTimeout     *time.Duration
	BatchSize           *int
	StuckTimeout        *time.Duration
	QueryTimeout        *time.Duration
}

// Ptr is a helper for building patches.
func Ptr[T any](v T) *T { return &v }

// Manager holds the live configuration. Readers always get a copy.
type Manager struct {
	mu      sync.RWMutex
	current Config
	initial Config
}

func NewManager(cfg Config) *Manager {
	return &Manager{current: cfg, initial: cfg}
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Set merges p into the current config. An invalid result is rejected and nothing changes.
func (m *Manager) Set(p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	apply(&next.Enabled, p.Enabled)
	apply(&next.PollInterval, p.PollInterval)
	apply(&next.Retry.MaxAttempts, p.RetryMaxAttempts)
	apply(&next.Retry.Backoff, p.RetryBackoff)
	apply(&next.Retry.MaxBackoff, p.RetryMaxBackoff)
	apply(&next.Retry.Exponential, p.RetryExponential)
	apply(&next.Retry.Jitter, p.RetryJitter)
	apply(&next.DefaultTimeout, p.DefaultTimeout)
	apply(&next.MaxEventPayloadSize, p.MaxEventPayloadSize)
	apply(&next.EnableHistory, p.EnableHistory)
	apply(&next.ImmediateProcessing, p.ImmediateProcessing)
	apply(&next.CircuitBreaker.FailureThreshold, p.FailureThreshold)
	apply(&next.CircuitBreaker.Window, p.BreakerWindow)
	apply(&next.CircuitBreaker.RecoveryTimeout, p.RecoveryTimeout)
	apply(&next.BatchSize, p.BatchSize)
	apply(&next.StuckTimeout, p.StuckTimeout)
	apply(&next.QueryTimeout, p.QueryTimeout)

	if err := next.Validate(); err != nil {
		return err
	}
	m.current = next
	return nil
}

// Reset restores the config the manager was created with.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.initial
}

func apply[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
