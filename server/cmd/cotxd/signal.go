// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// shutdownRequestChannel is used to request the process shut down from any
// subsystem.
var shutdownRequestChannel = make(chan struct{})

// shutdownSignaled is closed whenever shutdown is invoked through an
// interrupt signal or from an RPC shutdown request. Any contexts created
// using withShutdownCancel are canceled when this is closed.
var shutdownSignaled = make(chan struct{})

// withShutdownCancel creates a copy of a context that is canceled whenever
// shutdown is invoked through an interrupt signal or from a shutdown request.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-shutdownSignaled
		cancel()
	}()
	return ctx
}

// requestShutdown signals for starting the clean shutdown of the process
// through an internal component.
func requestShutdown() {
	shutdownRequestChannel <- struct{}{}
}

// shutdownListener listens for shutdown requests and cancels all contexts
// created from withShutdownCancel. This function never returns and is
// intended to be spawned in a new goroutine.
func shutdownListener() {
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, os.Interrupt, syscall.SIGTERM)

	// Listen for the initial shutdown signal.
	select {
	case sig := <-interruptChannel:
		log.Infof("Received signal (%s). Shutting down...", sig)
	case <-shutdownRequestChannel:
		log.Info("Shutdown requested. Shutting down...")
	}

	// Cancel all contexts created from withShutdownCancel.
	close(shutdownSignaled)

	// Listen for any more shutdown signals and log that shutdown has already
	// been signaled.
	for {
		select {
		case <-interruptChannel:
		case <-shutdownRequestChannel:
		}
		log.Info("Shutdown signaled. Already shutting down...")
	}
}
