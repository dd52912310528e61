//go:build !windows

package utils

import (
	"os"
	"os/signal"
	"syscall"
)

func notifyShutdown(channel chan os.Signal) {
	signal.Notify(channel, os.Interrupt, syscall.SIGTERM)
}

// SIGUSR1 dumps all goroutine stacks through the process logger.
func notifySignals(channel chan os.Signal) {
	signal.Notify(channel, syscall.SIGUSR1)
}
