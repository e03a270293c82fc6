// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"sync"
	"sync/atomic"
)

// ShutdownFlag is a process-wide flag that, once set, is never cleared.
//
// The zero value is ready to use and unset.
type ShutdownFlag struct {
	done chan struct{}
	flag atomic.Bool
	init sync.Once
	mu   sync.RWMutex
}

func (f *ShutdownFlag) doneChan() chan struct{} {
	f.init.Do(func() {
		f.done = make(chan struct{})
	})
	return f.done
}

// Set sets the flag and returns true if this call was the one setting it.
func (f *ShutdownFlag) Set() bool {
	done := f.doneChan()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag.Load() {
		return false
	}
	f.flag.Store(true)
	close(done)
	return true
}

// IsSet returns whether the flag has been set.
func (f *ShutdownFlag) IsSet() bool {
	return f.flag.Load()
}

// Done returns a channel closed when the flag is set.
func (f *ShutdownFlag) Done() <-chan struct{} {
	return f.doneChan()
}

// RunUnlessSet runs fn and returns true if the flag is not set. The flag
// cannot be set while fn runs, so fn must not call [*ShutdownFlag.Set].
func (f *ShutdownFlag) RunUnlessSet(fn func()) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.flag.Load() {
		return false
	}
	fn()
	return true
}
