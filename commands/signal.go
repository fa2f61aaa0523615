package commands

import (
	"context"
	"os"
	"os/signal"
)

// interruptContext is cancelled on SIGINT or when the returned done function is called
func interruptContext() (context.Context, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt) // channel for interrupts from os

	doneCh := make(chan struct{}) // channel for done signal from application

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigCh:
		case <-doneCh:
		}
		cancel()
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(doneCh)
	}
}
