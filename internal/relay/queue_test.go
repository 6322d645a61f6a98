package relay

import (
	"errors"
	"testing"
	"time"
)

func TestSendQueue_FIFOWithinBudget(t *testing.T) {
	q := newSendQueue(10)
	for _, f := range []string{"abc", "defg", "hij"} {
		if err := q.Enqueue([]byte(f)); err != nil {
			t.Fatalf("Enqueue(%q): %v", f, err)
		}
	}
	if err := q.Enqueue([]byte("k")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Enqueue over budget err=%v, want ErrQueueFull", err)
	}

	for _, want := range []string{"abc", "defg", "hij"} {
		got, ok := q.Dequeue()
		if !ok || string(got) != want {
			t.Fatalf("Dequeue()=%q,%v want %q", got, ok, want)
		}
	}
	if err := q.Enqueue([]byte("k")); err != nil {
		t.Fatalf("Enqueue after drain: %v", err)
	}
}

func TestSendQueue_CloseUnblocksDequeue(t *testing.T) {
	q := newSendQueue(10)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Dequeue returned a frame from a closed queue")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not unblock on Close")
	}
	if err := q.Enqueue([]byte("x")); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close err=%v, want ErrQueueClosed", err)
	}
}
