package program

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLastInWinsMutex_FreeAcquire(t *testing.T) {
	var l LastInWinsMutex
	release, err := l.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, ok := l.TryAcquire(); ok {
		t.Fatal("lock should be held")
	}
	release()
	release() // second call is a no-op
	r2, ok := l.TryAcquire()
	if !ok {
		t.Fatal("lock should be free after release")
	}
	r2()
}

func TestLastInWinsMutex_MutualExclusion(t *testing.T) {
	var (
		l      LastInWinsMutex
		active int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				return
			}
			if n := atomic.AddInt32(&active, 1); n != 1 {
				t.Errorf("%d holders at once", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			release()
		}()
	}
	wg.Wait()
	if _, ok := l.TryAcquire(); !ok {
		t.Fatal("lock should end free")
	}
}

func TestLastInWinsMutex_NewestWaiterWins(t *testing.T) {
	var l LastInWinsMutex
	ctx := context.Background()
	releaseA, _ := l.Acquire(ctx)

	resB := make(chan error, 1)
	go func() {
		r, err := l.Acquire(ctx)
		if r != nil {
			r()
		}
		resB <- err
	}()
	waitFor(t, l.Waiting)

	ranC := make(chan struct{})
	resC := make(chan error, 1)
	go func() {
		r, err := l.Acquire(ctx)
		if err == nil {
			close(ranC)
			r()
		}
		resC <- err
	}()

	if err := <-resB; !errors.Is(err, ErrDisplaced) {
		t.Fatalf("B should be displaced, got %v", err)
	}
	select {
	case <-ranC:
		t.Fatal("C must not run while A holds the lock")
	case <-time.After(20 * time.Millisecond):
	}

	releaseA()
	if err := <-resC; err != nil {
		t.Fatalf("C should acquire, got %v", err)
	}
}

func TestLastInWinsMutex_CancelledWaiter(t *testing.T) {
	var l LastInWinsMutex
	release, _ := l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx)
		errs <- err
	}()
	waitFor(t, l.Waiting)
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if l.Waiting() {
		t.Fatal("cancelled waiter should be removed")
	}
	release()
	if _, ok := l.TryAcquire(); !ok {
		t.Fatal("lock should be free")
	}
}

func TestLastInWinsMutex_EnterOrderDecides(t *testing.T) {
	var l LastInWinsMutex
	first := l.Enter()
	older := l.Enter()
	newer := l.Enter()

	releaseFirst, err := first.Wait(context.Background())
	if err != nil {
		t.Fatalf("first ticket should hold the lock: %v", err)
	}

	// waiting in reverse order must not change who was displaced
	resNewer := make(chan error, 1)
	go func() {
		release, err := newer.Wait(context.Background())
		if err == nil {
			release()
		}
		resNewer <- err
	}()
	if _, err := older.Wait(context.Background()); !errors.Is(err, ErrDisplaced) {
		t.Fatalf("older ticket should be displaced, got %v", err)
	}
	releaseFirst()
	if err := <-resNewer; err != nil {
		t.Fatalf("newer ticket should get the lock, got %v", err)
	}
	if _, ok := l.TryAcquire(); !ok {
		t.Fatal("lock should be free")
	}
}

func TestLockTable_SameKeySameLock(t *testing.T) {
	tbl := NewLockTable()
	a := tbl.Get(Key{MemberID: "gpt", ChatID: "c1"})
	if tbl.Get(Key{MemberID: "gpt", ChatID: "c1"}) != a {
		t.Fatal("expected the same lock for the same key")
	}
	if tbl.Get(Key{MemberID: "gpt", ChatID: "c2"}) == a {
		t.Fatal("expected distinct locks per chat")
	}
}
