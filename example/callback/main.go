package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/aquaflow/pkg/aquaflow"
)

func main() {
	flow, err := aquaflow.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(_ context.Context, records []aquaflow.HealthRecord) error {
		for _, rec := range records {
			if rec.Healthy() {
				continue
			}
			fmt.Printf("%s machine=%s issues=%v\n",
				rec.CheckedAt.Format(time.RFC3339),
				rec.MachineID,
				rec.Issues,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, aquaflow.StreamOutHealthCallback(callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
