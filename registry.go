// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"
)

// Task is the handle of a running handler.
type Task struct {
	// ID is the request ID assigned by the [*Dispatcher].
	ID uint64

	// Conn is the accepted connection. The handler owns it.
	Conn net.Conn

	// SpanID correlates the log events emitted while serving Conn.
	SpanID string

	// Started is when the task was registered.
	Started time.Time
}

// Registry tracks the handlers that have started and not yet finished.
//
// The zero value is ready to use. All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	tasks   map[uint64]*Task
	changed chan struct{}
}

// Insert registers the task, replacing any task with the same ID.
func (r *Registry) Insert(task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tasks == nil {
		r.tasks = make(map[uint64]*Task)
	}
	r.tasks[task.ID] = task
}

// Remove deregisters the given ID. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.tasks[id]; !found {
		return
	}
	delete(r.tasks, id)
	if r.changed != nil {
		close(r.changed)
		r.changed = nil
	}
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Empty returns whether no task is registered.
func (r *Registry) Empty() bool {
	return r.Len() == 0
}

// Snapshot returns the registered tasks sorted by ID.
func (r *Registry) Snapshot() []*Task {
	r.mu.Lock()
	out := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *Task) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Wait blocks until the registry is empty or the context is done, in
// which case it returns the context error.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if len(r.tasks) == 0 {
			r.mu.Unlock()
			return nil
		}
		if r.changed == nil {
			r.changed = make(chan struct{})
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
