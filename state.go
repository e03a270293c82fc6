// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import "sync/atomic"

// State is the server state shared by the [*Dispatcher] and every handler.
//
// Construct using [NewState].
type State struct {
	// Registry tracks the running handlers.
	Registry *Registry

	// Shutdown is the process-wide shutdown flag.
	Shutdown *ShutdownFlag

	scheme  Scheme
	port    uint16
	counter atomic.Uint64
}

// NewState returns a new [*State] for the given scheme and port.
//
// A zero port selects [Scheme.DefaultListenPort].
func NewState(scheme Scheme, port uint16) *State {
	return &State{
		Registry: &Registry{},
		Shutdown: &ShutdownFlag{},
		scheme:   scheme,
		port:     port,
	}
}

// Scheme returns the connection scheme.
func (s *State) Scheme() Scheme {
	return s.scheme
}

// Port returns the configured port or the scheme default.
func (s *State) Port() uint16 {
	if s.port > 0 {
		return s.port
	}
	return s.scheme.DefaultListenPort()
}

// NextID returns the next request ID. The first ID is 1.
func (s *State) NextID() uint64 {
	return s.counter.Add(1)
}

// TotalProcessed returns the number of request IDs issued so far.
func (s *State) TotalProcessed() uint64 {
	return s.counter.Load()
}
