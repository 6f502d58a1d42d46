// Command counter-worker is the child-process binary spawned by pkg/pool.
// It reads newline-delimited JSON ipc.Message values from stdin and writes
// replies to stdout; all operational logging goes to stderr so it never
// corrupts the wire protocol.
package main

import (
	"context"
	"os"

	"github.com/SergeyGaydamakov/Counters-sub002/pkg/docdb"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/logging"
	"github.com/SergeyGaydamakov/Counters-sub002/pkg/worker"
)

func main() {
	log := logging.NewLogger(&logging.Config{Level: logging.InfoLevel, Format: logging.TextFormat, Output: os.Stderr})

	w := worker.New(os.Stdin, os.Stdout, docdb.Connect, log)
	if err := w.Run(context.Background()); err != nil {
		log.Errorf("counter-worker exiting: %v", err)
		os.Exit(1)
	}
}
