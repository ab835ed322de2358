package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	board "github.com/wFercho/iot-mining-board"
)

func main() {
	flow, err := board.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink, batches, closeBatches := board.NewChannelSink("fanout", 32)
	defer closeBatches()

	go fanoutWorker("alerts", batches)

	if err := flow.Run(ctx, board.StreamOutSink(sink)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}

// fanoutWorker prints the readings that carried an alert.
func fanoutWorker(name string, batches <-chan []board.Reading) {
	for batch := range batches {
		for _, r := range batch {
			if r.AlertName == "" || r.AlertName == "NORMAL" {
				continue
			}
			fmt.Printf("[%s] %s node=%s sensor=%s %s (%g)\n",
				name, time.Now().Format(time.RFC3339), r.NodeID, r.SensorID, r.AlertName, r.Value)
		}
	}
}
