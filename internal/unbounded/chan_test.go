package unbounded

import (
	"testing"
	"time"
)

func TestSendDoesNotBlockWithoutAReader(t *testing.T) {
	c := New[int]()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			c.Send(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked despite nothing reading Out()")
	}
}

func TestPreservesOrder(t *testing.T) {
	c := New[int]()
	go func() {
		for i := 0; i < 100; i++ {
			c.Send(i)
		}
		c.Close()
	}()

	want := 0
	for v := range c.Out() {
		if v != want {
			t.Fatalf("expected %d, got %d", want, v)
		}
		want++
	}
	if want != 100 {
		t.Fatalf("expected 100 values, got %d", want)
	}
}

func TestCloseDrainsBufferedValues(t *testing.T) {
	c := New[int]()
	c.Send(1)
	c.Send(2)
	c.Send(3)
	c.Close()

	var got []int
	for v := range c.Out() {
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected [1 2 3], got %#v", got)
	}
}
