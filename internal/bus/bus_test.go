package bus

import (
	"context"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue[int]("test", 10)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := q.Send(ctx, i); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		got := <-q.C()
		if got != i {
			t.Errorf("expected %d, got %d", i, got)
		}
	}
}

func TestQueue_BlocksWhenFull(t *testing.T) {
	q := NewQueue[int]("test", 1)
	ctx := context.Background()

	if err := q.Send(ctx, 1); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Second send must block until the consumer drains.
	sendCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := q.Send(sendCtx, 2); err == nil {
		t.Fatal("expected Send on full queue to block until context timeout")
	}

	<-q.C()
	if err := q.Send(ctx, 3); err != nil {
		t.Fatalf("Send after drain failed: %v", err)
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster[string]("test", 8)
	ctx := context.Background()

	rx1 := b.Subscribe("one")
	rx2 := b.Subscribe("two")

	b.Send("hello")

	for _, rx := range []*Receiver[string]{rx1, rx2} {
		got, err := rx.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if got != "hello" {
			t.Errorf("expected hello, got %q", got)
		}
	}
}

func TestBroadcaster_SubscribeSeesOnlyNewMessages(t *testing.T) {
	b := NewBroadcaster[int]("test", 8)
	b.Send(1)

	rx := b.Subscribe("late")
	b.Send(2)

	got, err := rx.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if got != 2 {
		t.Errorf("late subscriber should only see new messages, got %d", got)
	}
}

func TestBroadcaster_LaggedReceiver(t *testing.T) {
	b := NewBroadcaster[int]("test", 4)
	rx := b.Subscribe("slow")

	// Overflow the ring by 3 while the receiver sleeps.
	for i := 0; i < 7; i++ {
		b.Send(i)
	}

	_, err := rx.Recv(context.Background())
	lag, ok := AsLag(err)
	if !ok {
		t.Fatalf("expected LagError, got %v", err)
	}
	if lag != 3 {
		t.Errorf("expected lag of 3, got %d", lag)
	}

	// After the lag the receiver resumes at the oldest retained message.
	got, err := rx.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv after lag failed: %v", err)
	}
	if got != 3 {
		t.Errorf("expected to resume at 3, got %d", got)
	}

	// The remaining retained messages arrive in order.
	for want := 4; want < 7; want++ {
		got, err := rx.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}

func TestBroadcaster_RecvBlocksUntilSend(t *testing.T) {
	b := NewBroadcaster[int]("test", 4)
	rx := b.Subscribe("waiter")

	done := make(chan int, 1)
	go func() {
		got, err := rx.Recv(context.Background())
		if err != nil {
			return
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	b.Send(42)

	select {
	case got := <-done:
		if got != 42 {
			t.Errorf("expected 42, got %d", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake on Send")
	}
}

func TestBroadcaster_RecvHonorsContext(t *testing.T) {
	b := NewBroadcaster[int]("test", 4)
	rx := b.Subscribe("cancelled")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := rx.Recv(ctx); err == nil {
		t.Fatal("expected context error from Recv")
	}
}
