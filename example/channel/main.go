package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/aquaflow"
)

func main() {
	flow, err := aquaflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	rt, err := flow.StreamOUT()
	if err != nil {
		log.Fatalf("build runtime: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notes, err := rt.Notifications(ctx)
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	go fanoutWorker("snapshots", notes)

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

func fanoutWorker(name string, notes <-chan aquaflow.SnapshotInserted) {
	for n := range notes {
		fmt.Printf("[%s] %s captured at %s (seen %s)\n", name, n.MachineID,
			n.CapturedAt.Format(time.RFC3339), time.Now().Format(time.RFC3339))
	}
}
