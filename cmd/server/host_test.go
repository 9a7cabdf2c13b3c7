package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"flapboard.app/internal/feed"
	"flapboard.app/internal/flap/board"
	"flapboard.app/internal/flap/engine"
)

type fetchFunc func(ctx context.Context) feed.Result

func (f fetchFunc) Fetch(ctx context.Context) feed.Result { return f(ctx) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBoardHost_rebuildsEngineAfterReset(t *testing.T) {
	logger, _ := test.NewNullLogger()
	host := &boardHost{
		cfg: engine.Config{
			NumRows:    2,
			Template:   board.DefaultTemplate(),
			Stagger:    10 * time.Millisecond,
			Settle:     20 * time.Millisecond,
			Fade:       time.Millisecond,
			TickRateHz: 200,
			Items:      engine.ItemsConfig{PageInterval: time.Hour},
		},
		fetcher: fetchFunc(func(ctx context.Context) feed.Result {
			return feed.Result{Plugin: "test", Items: []feed.Item{{Terminal: "OSLO"}}}
		}),
		log: logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- host.Run(ctx) }()

	waitFor(t, "first engine", func() bool { return host.Generation() == 1 })
	first := host.Current()

	rctx, rcancel := context.WithTimeout(ctx, 2*time.Second)
	defer rcancel()
	if _, err := first.RequestReset(rctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	waitFor(t, "second engine", func() bool { return host.Generation() == 2 })
	if host.Current() == first {
		t.Fatalf("host still serves the reloaded engine")
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run err=%v want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("host did not stop")
	}
}
