package utils

import (
	"os"
	"os/signal"
)

func notifyShutdown(channel chan os.Signal) {
	signal.Notify(channel, os.Interrupt)
}

func notifySignals(channel chan os.Signal) {}
