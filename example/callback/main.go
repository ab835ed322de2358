package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	board "github.com/wFercho/iot-mining-board/pkg/board"
)

func main() {
	flow, err := board.Conf("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch []board.Reading) error {
		for _, r := range batch {
			fmt.Printf("%s mine=%s node=%s sensor=%s value=%g alert=%s seq=%d\n",
				r.Timestamp.Format(time.RFC3339Nano),
				r.MineID,
				r.NodeID,
				r.SensorID,
				r.Value,
				r.AlertName,
				r.Seq,
			)
		}
		return nil
	}

	if err := flow.Run(ctx, board.StreamOutCallback("stdout", callback)); err != nil && err != context.Canceled {
		log.Fatalf("runtime error: %v", err)
	}
}
