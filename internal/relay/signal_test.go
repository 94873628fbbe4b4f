package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalStore_ConsumeOnce(t *testing.T) {
	s := NewSignalStore(DefaultStopSignalTTL)

	s.RequestStop("s1")
	assert.True(t, s.IsStoppedAndConsume("s1"))
	assert.False(t, s.IsStoppedAndConsume("s1"))
	assert.False(t, s.IsStoppedAndConsume("other"))
}

func TestSignalStore_Expiry(t *testing.T) {
	s := NewSignalStore(16 * time.Second)
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	s.RequestStop("old")
	now = now.Add(17 * time.Second)
	assert.False(t, s.IsStoppedAndConsume("old"), "expired flag must not stop a later turn")

	s.RequestStop("a")
	s.RequestStop("b")
	now = now.Add(10 * time.Second)
	s.RequestStop("c")
	now = now.Add(10 * time.Second)

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.IsStoppedAndConsume("c"))
}

func TestSignalStore_IgnoresEmptyID(t *testing.T) {
	s := NewSignalStore(0)
	s.RequestStop("")
	assert.Zero(t, s.Len())
}

func TestSignalStore_Concurrent(t *testing.T) {
	s := NewSignalStore(time.Minute)
	s.RequestStop("s")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		hits int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.IsStoppedAndConsume("s") {
				mu.Lock()
				hits++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, hits)
}

func TestSignalStore_RunStopsWithContext(t *testing.T) {
	s := NewSignalStore(time.Millisecond)
	s.RequestStop("s")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 2*time.Millisecond)
	cancel()
	<-done
}
