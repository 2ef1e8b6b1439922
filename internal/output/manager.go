package output

import (
	"errors"
	"fmt"
	"sync"
)

// Sink receives run events and step results.
type Sink interface {
	Write(v any) error
	Close() error
}

// Manager fans each value out to every sink. A sink whose write fails is
// dropped for the rest of the run so one broken destination (a full disk, a
// closed pipe) neither stops the others nor repeats its error on every step.
// Close reports every failure.
type Manager struct {
	mu     sync.Mutex
	sinks  []Sink
	failed []error
	closed bool
}

func NewManager(sinks ...Sink) (*Manager, error) {
	m := &Manager{}
	for _, s := range sinks {
		if s == nil {
			return nil, errors.New("output: sink must not be nil")
		}
		m.sinks = append(m.sinks, s)
	}
	return m, nil
}

// Write returns the errors of sinks that failed on this value.
func (m *Manager) Write(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("output: manager is closed")
	}

	var errs []error
	live := m.sinks[:0]
	for _, s := range m.sinks {
		if err := s.Write(v); err != nil {
			err = fmt.Errorf("write %T: %w", s, err)
			errs = append(errs, err)
			m.failed = append(m.failed, err)
			_ = s.Close()
			continue
		}
		live = append(live, s)
	}
	m.sinks = live
	return errors.Join(errs...)
}

// Close closes the remaining sinks. It is safe to call more than once; only
// the first call reports errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	errs := m.failed
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", s, err))
		}
	}
	m.sinks = nil
	if len(errs) > 0 {
		return fmt.Errorf("output sinks: %w", errors.Join(errs...))
	}
	return nil
}
