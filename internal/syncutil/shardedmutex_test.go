package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("run_abc")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("expected 50 increments, got %d", counter)
	}
}

func TestShardedMutex_SameShardForSameKey(t *testing.T) {
	var m ShardedMutex
	if m.shard("run_1") != m.shard("run_1") {
		t.Fatal("expected identical shard for identical key")
	}
}
