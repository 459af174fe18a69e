// redis-failover is a small operations tool on top of the resilient
// clients: it sends commands through a single connection, a pool of
// candidates or a sentinel-monitored master, and can watch a deployment
// while exposing the client metrics.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
