// Copyright (c) 2024 The walletbroker developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package boot

import (
	"os"
	"os/signal"
	"syscall"
)

// shutdownRequestChannel is used to request a clean shutdown from within
// the process, mirroring an OS interrupt.
var shutdownRequestChannel = make(chan struct{}, 1)

// SimulateInterrupt requests the same clean shutdown an OS interrupt
// would trigger. It exists for embedders that cannot deliver signals.
func SimulateInterrupt() {
	select {
	case shutdownRequestChannel <- struct{}{}:
	default:
	}
}

// interruptListener returns a channel that is closed when SIGINT or
// SIGTERM is received or a shutdown is requested programmatically.
func interruptListener() <-chan struct{} {
	c := make(chan struct{})
	go func() {
		interruptChannel := make(chan os.Signal, 1)
		signal.Notify(interruptChannel, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-interruptChannel:
			bootLog.Infof("Received signal (%s). Shutting down...", sig)
		case <-shutdownRequestChannel:
			bootLog.Info("Shutdown requested. Shutting down...")
		}
		close(c)
	}()
	return c
}
