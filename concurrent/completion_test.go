package concurrent

import (
	"errors"
	"testing"
)

func TestCompletionCompletesOnce(t *testing.T) {
	c := NewCompletion()
	if c.Ready() {
		t.Fatal("fresh completion is ready")
	}
	first := errors.New("first")
	c.Complete(first)
	c.Complete(errors.New("second"))
	<-c.Done()
	if !c.Ready() {
		t.Fatal("completed completion is not ready")
	}
	if err := c.Err(); err != first {
		t.Errorf("Err() = %v, wanted %v", err, first)
	}
}

func TestCompletionConcurrentWaiters(t *testing.T) {
	c := NewCompletion()
	const n = 8
	got := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			<-c.Done()
			got <- c.Err()
		}()
	}
	c.Complete(nil)
	for i := 0; i < n; i++ {
		if err := <-got; err != nil {
			t.Errorf("waiter saw error %v, wanted nil", err)
		}
	}
}
