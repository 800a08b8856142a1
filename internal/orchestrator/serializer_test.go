package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializer_OrdersPerKey(t *testing.T) {
	s := NewSerializer(64)
	var mu sync.Mutex
	got := map[string][]int{}

	for i := 0; i < 20; i++ {
		i := i
		key := "R1"
		if i%2 == 1 {
			key = "R2"
		}
		require.NoError(t, s.Submit(context.Background(), key, func() {
			mu.Lock()
			got[key] = append(got[key], i)
			mu.Unlock()
		}))
	}
	s.Wait()

	assert.Equal(t, []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}, got["R1"])
	assert.Equal(t, []int{1, 3, 5, 7, 9, 11, 13, 15, 17, 19}, got["R2"])
}

func TestSerializer_KeysRunInParallel(t *testing.T) {
	s := NewSerializer(8)
	release := make(chan struct{})
	ran := make(chan struct{})

	require.NoError(t, s.Submit(context.Background(), "R1", func() { <-release }))
	require.NoError(t, s.Submit(context.Background(), "R2", func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("R2 blocked behind R1")
	}
	close(release)
	s.Wait()
}

func TestSerializer_BoundedSubmitHonorsContext(t *testing.T) {
	s := NewSerializer(1)
	release := make(chan struct{})
	require.NoError(t, s.Submit(context.Background(), "R1", func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Submit(ctx, "R2", func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	s.Wait()
}
