package utils

import "go.uber.org/goleak"

// FindGoroutineLeaks finds any goroutine leaks after a program is done running. This
// should be used at the end of a main test run or a top-level process run.
func FindGoroutineLeaks() error {
	return goleak.Find(
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),

		// the mongo driver keeps pool maintenance goroutines until the client disconnects
		goleak.IgnoreTopFunction("go.mongodb.org/mongo-driver/x/mongo/driver/topology.(*rttMonitor).runHellos"),
		goleak.IgnoreTopFunction("go.mongodb.org/mongo-driver/x/mongo/driver/topology.(*pool).maintain"),

		// pion mDNS readers exit after the socket closes, which can trail Close
		goleak.IgnoreTopFunction("github.com/pion/mdns.(*Conn).start"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net.(*netFD).connect.func2"),
	)
}
