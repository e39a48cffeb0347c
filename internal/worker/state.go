package worker

import (
	"errors"
	"sync"

	"wifisurvey/internal/config"
	"wifisurvey/internal/dataset"
)

// errNotConfigured is answered with EMPTY_ARGS.
var errNotConfigured = errors.New("no measurement configuration")

// State is the configuration and dataset writer shared by the sessions of
// one daemon. A CHANGE replaces both at once; a measurement holds the lock
// for its whole run so rows and CHANGEs never interleave.
type State struct {
	mu     sync.Mutex
	cfg    *config.Measurement
	writer *dataset.Writer
}

// Configured reports whether a CHANGE has succeeded.
func (s *State) Configured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg != nil
}

// Current returns a copy of the active configuration.
func (s *State) Current() (config.Measurement, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return config.Measurement{}, false
	}
	return *s.cfg, true
}

// With runs fn with the active configuration and writer under the state
// lock. It returns errNotConfigured without calling fn before the first
// CHANGE.
func (s *State) With(fn func(cfg config.Measurement, w *dataset.Writer) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil || s.writer == nil {
		return errNotConfigured
	}
	return fn(*s.cfg, s.writer)
}

// Replace installs cfg and w and returns the previous writer, which the
// caller must close.
func (s *State) Replace(cfg config.Measurement, w *dataset.Writer) *dataset.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.writer
	s.cfg = &cfg
	s.writer = w
	return old
}

// Close releases the writer. The configuration is kept so a closed state
// still reports what it was measuring.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	err := s.writer.Close()
	s.writer = nil
	return err
}
