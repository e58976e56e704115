package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps a failed test's container running until interrupted (Ctrl+C),
// so that the stored graph can be inspected by hand.
//
// Containers kept for inspection are still reaped by testcontainers eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep test container running for inspection after a failed test completes")

// waitForInterrupt blocks until the process receives a SIGINT.
func waitForInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
