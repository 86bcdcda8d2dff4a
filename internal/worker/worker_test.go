package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fd1az/price-indexer/internal/logger"
)

func TestGroup_FirstFailureShutsDownRest(t *testing.T) {
	g := NewGroup(logger.Nop(), time.Second)

	var cancelled atomic.Bool
	boom := errors.New("boom")

	g.Add(NewFunc("failing", func(ctx context.Context) error {
		return boom
	}))
	g.Add(NewFunc("long-lived", func(ctx context.Context) error {
		<-ctx.Done()
		cancelled.Store(true)
		return nil
	}))

	err := g.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected first worker error, got %v", err)
	}
	if !cancelled.Load() {
		t.Error("expected long-lived worker to receive shutdown")
	}
}

func TestGroup_CleanFirstExitReturnsNil(t *testing.T) {
	g := NewGroup(logger.Nop(), time.Second)

	g.Add(NewFunc("finisher", func(ctx context.Context) error {
		return nil
	}))
	g.Add(NewFunc("long-lived", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestGroup_DrainTimeoutAbandonsStuckWorker(t *testing.T) {
	g := NewGroup(logger.Nop(), 50*time.Millisecond)

	release := make(chan struct{})
	defer close(release)

	g.Add(NewFunc("finisher", func(ctx context.Context) error {
		return nil
	}))
	g.Add(NewFunc("stuck", func(ctx context.Context) error {
		<-release // ignores cancellation
		return nil
	}))

	start := time.Now()
	err := g.Run(context.Background())
	if err == nil {
		t.Fatal("expected partial-drain error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("drain took too long: %v", elapsed)
	}
}

func TestGroup_ParentCancellation(t *testing.T) {
	g := NewGroup(logger.Nop(), time.Second)

	g.Add(NewFunc("a", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))
	g.Add(NewFunc("b", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := g.Run(ctx); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}
