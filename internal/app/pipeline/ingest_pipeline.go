package pipeline

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

var errInvalidReading = errors.New("reading has no node, sensor or finite value")

// RunIngestPipeline drains the queue into the sink in batches and commits
// the WAL after every successful write. A failed write keeps the WAL so the
// batch is replayed on the next start. It returns when ctx is done.
func RunIngestPipeline(ctx context.Context, wal ports.WAL, q ports.ReadingQueue, sink ports.Sink, pol ports.Policy, obs ports.Observability) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch := q.DequeueBatch(pol.MaxBatchSize)
		if len(batch) == 0 {
			if !sleepCtx(ctx, idleSleep(pol)) {
				return ctx.Err()
			}
			continue
		}
		IngestBatch(batch, wal, sink, obs)
		obs.SetGauge("board_queue_length", float64(q.Len()))
	}
}

// IngestBatch writes one dequeued batch. Invalid readings go to the DLQ.
func IngestBatch(batch []ports.QueuedReading, wal ports.WAL, sink ports.Sink, obs ports.Observability) error {
	var (
		out   = make([]*domain.Reading, 0, len(batch))
		maxID ports.WALEntryID
	)

	for _, item := range batch {
		if item.ID > maxID {
			maxID = item.ID
		}
		if err := validate(item.Reading); err != nil {
			obs.RecordDLQ(item.ID, item.Reading, err)
			continue
		}
		out = append(out, item.Reading)
	}

	if len(out) == 0 {
		return wal.Commit(maxID)
	}

	start := time.Now()
	if err := sink.WriteBatch(out); err != nil {
		obs.LogError("sink_write_failed", err, ports.F("sink", sink.Name()), ports.F("batch", len(out)))
		return err
	}
	obs.ObserveLatency("board_sink_latency_seconds", time.Since(start).Seconds())
	obs.IncCounter("board_history_written_total", float64(len(out)))

	if err := wal.Commit(maxID); err != nil {
		obs.LogError("wal_commit_failed", err)
		return err
	}
	obs.SetGauge("board_wal_size_bytes", float64(wal.Stats().SizeBytes))
	return nil
}

func validate(r *domain.Reading) error {
	if r == nil || r.NodeID == "" || r.SensorID == "" || math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return errInvalidReading
	}
	return nil
}
