package ports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func mustLock(t *testing.T, km *KeyedMutex, key string) func() {
	t.Helper()
	unlock, err := km.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("Lock(%s): %v", key, err)
	}
	return unlock
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "chal-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if n := len(km.locks); n != 0 {
		t.Fatalf("%d lock entries left behind", n)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := mustLock(t, km, "a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock, err := km.Lock(context.Background(), "b")
		if err == nil {
			unlock()
		}
		close(done)
	}()
	<-done
}

func TestKeyedMutexUnlockTwice(t *testing.T) {
	km := NewKeyedMutex()
	unlock := mustLock(t, km, "a")
	unlock()
	unlock()

	again := mustLock(t, km, "a")
	again()
}

func TestKeyedMutexWaitHonoursContext(t *testing.T) {
	km := NewKeyedMutex()
	unlock := mustLock(t, km, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock on held key = %v, want deadline exceeded", err)
	}

	unlock()
	if n := len(km.locks); n != 0 {
		t.Fatalf("%d lock entries left behind", n)
	}
	mustLock(t, km, "a")()
}
