package daemon

import (
	"context"
	"testing"
	"time"
)

func TestRunStopsOnShutdown(t *testing.T) {
	td := newTestDaemon(t, func(c *Config) {
		c.ListenAddr = "127.0.0.1:0"
		c.SweepSchedule = "@every 10ms"
	})

	errCh := make(chan error, 1)
	go func() { errCh <- td.d.Run(context.Background()) }()

	// Let a few sweeps run.
	time.Sleep(50 * time.Millisecond)
	td.d.Shutdown()
	td.d.Shutdown() // idempotent

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	td := newTestDaemon(t, func(c *Config) { c.ListenAddr = "127.0.0.1:0" })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- td.d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsBusyAddress(t *testing.T) {
	td := newTestDaemon(t, nil)
	// The test server already holds this address.
	td.d.config.ListenAddr = td.srv.Listener.Addr().String()

	if err := td.d.Run(context.Background()); err == nil {
		t.Fatal("Run() on an address in use should fail")
	}
}
