// Package shutdown turns termination signals into context cancellation.
package shutdown

import (
	"context"
	"os"
	"os/signal"
)

// Notify relays the platform's termination signals to ch.
func Notify(ch chan<- os.Signal) {
	signal.Notify(ch, signals...)
}

// Context is cancelled on the first termination signal.
func Context(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, signals...)
}
