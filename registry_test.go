// SPDX-License-Identifier: GPL-3.0-or-later

package dispatchd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryZeroValue(t *testing.T) {
	var reg Registry

	assert.True(t, reg.Empty())
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, reg.Snapshot())
	require.NoError(t, reg.Wait(context.Background()))
}

// Removing twice or removing an unknown ID is a no-op.
func TestRegistryRemoveIsIdempotent(t *testing.T) {
	var reg Registry
	reg.Insert(&Task{ID: 1})
	reg.Insert(&Task{ID: 2})

	reg.Remove(1)
	reg.Remove(1)
	reg.Remove(42)

	assert.Equal(t, 1, reg.Len())
	reg.Remove(2)
	reg.Remove(2)
	assert.Equal(t, 0, reg.Len())
	assert.True(t, reg.Empty())
}

func TestRegistrySnapshotIsSorted(t *testing.T) {
	var reg Registry
	for _, id := range []uint64{7, 3, 11, 1} {
		reg.Insert(&Task{ID: id})
	}

	var ids []uint64
	for _, task := range reg.Snapshot() {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []uint64{1, 3, 7, 11}, ids)
}

func TestRegistryConcurrentUse(t *testing.T) {
	var reg Registry
	const count = 200

	var wg sync.WaitGroup
	for id := uint64(1); id <= count; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.Insert(&Task{ID: id})
			_ = reg.Len()
			reg.Remove(id)
			reg.Remove(id)
		}()
	}
	wg.Wait()

	assert.True(t, reg.Empty())
}

// Wait returns once the last task is removed.
func TestRegistryWait(t *testing.T) {
	var reg Registry
	reg.Insert(&Task{ID: 1})
	reg.Insert(&Task{ID: 2})

	done := make(chan error, 1)
	go func() {
		done <- reg.Wait(context.Background())
	}()

	reg.Remove(1)
	select {
	case <-done:
		t.Fatal("Wait returned while a task is still registered")
	case <-time.After(50 * time.Millisecond):
	}

	reg.Remove(2)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}

// Wait returns the context error when the context is done first.
func TestRegistryWaitContextDone(t *testing.T) {
	var reg Registry
	reg.Insert(&Task{ID: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, reg.Wait(ctx), context.DeadlineExceeded)
	assert.Equal(t, 1, reg.Len())
}
