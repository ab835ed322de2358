package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	board "github.com/wFercho/iot-mining-board"
)

func main() {
	flow, err := board.Conf("../../data/config.yaml", board.WithMine("mina-el-porvenir"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = flow.Run(ctx, board.StreamOutSubscriber(func(v board.GraphView) {
		alerts := 0
		if v.Graph != nil {
			for _, n := range v.Graph.Nodes {
				if n.HasAlert {
					alerts++
				}
			}
		}
		log.Printf("mine=%s status=%s loading=%t alerts=%d", v.MineID, v.Status, v.Loading, alerts)
	}))
	if err != nil && err != context.Canceled {
		log.Fatalf("board exited: %v", err)
	}
}
