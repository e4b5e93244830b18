package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"copytrader/pkg/types"
)

func task(trader int64, ticker string, seq uint64) *types.ExecutionTask {
	return &types.ExecutionTask{
		TraderID: trader,
		Ticker:   ticker,
		Seq:      seq,
	}
}

func TestQueuePartitionFIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue(16)

	for i := uint64(1); i <= 5; i++ {
		if err := q.Enqueue(task(1, "MNQ1!", i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []uint64
	for i := 0; i < 5; i++ {
		tk, done, ok := q.Dequeue(ctx)
		if !ok {
			t.Fatal("Dequeue returned !ok")
		}
		got = append(got, tk.Seq)
		done()
	}

	for i, seq := range got {
		if seq != uint64(i+1) {
			t.Fatalf("order = %v, want 1..5", got)
		}
	}
}

func TestQueueOnePartitionOwnerAtATime(t *testing.T) {
	t.Parallel()
	q := NewQueue(16)

	if err := q.Enqueue(task(1, "MNQ1!", 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(task(1, "MNQ1!", 2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tk1, done1, ok := q.Dequeue(ctx)
	if !ok || tk1.Seq != 1 {
		t.Fatalf("first dequeue: %+v, %v", tk1, ok)
	}

	// The partition is owned; a second worker must not get task 2 yet.
	blocked := make(chan *types.ExecutionTask, 1)
	go func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel2()
		tk, done, ok := q.Dequeue(ctx2)
		if ok {
			done()
			blocked <- tk
		}
		close(blocked)
	}()

	select {
	case tk := <-blocked:
		t.Fatalf("second worker got task %d while partition was owned", tk.Seq)
	case <-time.After(100 * time.Millisecond):
	}

	done1()

	tk2, open := <-blocked
	if !open || tk2 == nil || tk2.Seq != 2 {
		t.Fatalf("after release: %+v", tk2)
	}
}

func TestQueueCrossPartitionParallelism(t *testing.T) {
	t.Parallel()
	q := NewQueue(16)

	if err := q.Enqueue(task(1, "MNQ1!", 1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(task(2, "ES1!", 2)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Both partitions are available without releasing either.
	_, done1, ok1 := q.Dequeue(ctx)
	_, done2, ok2 := q.Dequeue(ctx)
	if !ok1 || !ok2 {
		t.Fatal("expected two concurrent partitions")
	}
	done1()
	done2()
}

func TestQueueBounded(t *testing.T) {
	t.Parallel()
	q := NewQueue(2)

	if err := q.Enqueue(task(1, "MNQ1!", 1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(task(2, "ES1!", 2)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(task(3, "NQ1!", 3)); err != ErrQueueFull {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	if q.Depth() != 2 {
		t.Errorf("depth = %d, want 2", q.Depth())
	}
}

func TestQueueCloseRejectsNewWork(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	q.Close()

	if err := q.Enqueue(task(1, "MNQ1!", 1)); err != ErrQueueClosed {
		t.Errorf("err = %v, want ErrQueueClosed", err)
	}
}

func TestQueueDrainFinishesBacklog(t *testing.T) {
	t.Parallel()
	q := NewQueue(16)

	for i := uint64(1); i <= 4; i++ {
		if err := q.Enqueue(task(1, "MNQ1!", i)); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	var executed sync.WaitGroup
	executed.Add(4)
	go func() {
		for {
			_, done, ok := q.Dequeue(workerCtx)
			if !ok {
				return
			}
			done()
			executed.Done()
		}
	}()

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	executed.Wait()

	if q.Depth() != 0 {
		t.Errorf("depth after drain = %d", q.Depth())
	}
}
