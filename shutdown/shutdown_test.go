//go:build !windows

package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"testing"
	"time"
)

func TestContextCancelledBySignal(t *testing.T) {
	ctx, stop := Context(context.Background())
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled")
	}
}

func TestNotify(t *testing.T) {
	ch := make(chan os.Signal, 1)
	Notify(ch)
	t.Cleanup(func() { signal.Stop(ch) })

	syscall.Kill(os.Getpid(), syscall.SIGHUP)
	select {
	case sig := <-ch:
		if sig != syscall.SIGHUP {
			t.Errorf("got %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal not relayed")
	}
}
