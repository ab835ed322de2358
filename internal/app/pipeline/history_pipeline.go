package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// RunHistoryPipeline makes every applied reading durable: it is appended to
// the WAL first and then queued for the ingest loop. It returns when ctx is
// done or in is closed.
func RunHistoryPipeline(ctx context.Context, in <-chan *domain.Reading, wal ports.WAL, q ports.ReadingQueue, pol ports.Policy, obs ports.Observability) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-in:
			if !ok {
				return nil
			}
			record(ctx, r, wal, q, pol, obs)
		}
	}
}

func record(ctx context.Context, r *domain.Reading, wal ports.WAL, q ports.ReadingQueue, pol ports.Policy, obs ports.Observability) {
	if !waitForWALCapacity(ctx, wal, pol, obs) {
		obs.IncCounter("board_history_dropped_total", 1)
		return
	}

	id, err := wal.Append(r)
	if err != nil {
		obs.LogCritical("wal_append_failed", err,
			ports.F("node_id", r.NodeID),
			ports.F("sensor_id", r.SensorID))
		obs.IncCounter("board_history_dropped_total", 1)
		return
	}
	obs.SetGauge("board_wal_size_bytes", float64(wal.Stats().SizeBytes))

	if !enqueueWithPolicy(ctx, q, id, r, pol, obs) {
		// the entry stays in the WAL and is replayed on the next start
		obs.IncCounter("board_history_dropped_total", 1)
	}
	obs.SetGauge("board_queue_length", float64(q.Len()))
}

// Replay re-queues every WAL entry that was appended but never committed.
// It runs once at startup, before new readings arrive.
func Replay(wal ports.WAL, q ports.ReadingQueue, obs ports.Observability) (int, error) {
	from := wal.Stats().OldestUncommitted
	n := 0
	err := wal.Iterate(from, func(id ports.WALEntryID, r *domain.Reading) error {
		if !q.Enqueue(id, r) {
			return fmt.Errorf("queue full after %d replayed readings", n)
		}
		n++
		return nil
	})
	if n > 0 {
		obs.LogInfo("wal_replayed", ports.F("readings", n), ports.F("from", uint64(from)))
	}
	return n, err
}

func waitForWALCapacity(ctx context.Context, wal ports.WAL, pol ports.Policy, obs ports.Observability) bool {
	if pol.MaxWALSizeBytes <= 0 {
		return true
	}
	sleep := idleSleep(pol)

	for {
		stats := wal.Stats()
		if stats.SizeBytes < pol.MaxWALSizeBytes {
			return true
		}

		switch pol.OnWALFull {
		case "block":
			if !sleepCtx(ctx, sleep) {
				return false
			}
		case "drop":
			obs.LogError("wal_full_drop", fmt.Errorf("size=%d limit=%d", stats.SizeBytes, pol.MaxWALSizeBytes))
			return false
		default:
			obs.LogError("wal_policy_invalid", fmt.Errorf("policy=%s", pol.OnWALFull))
			return false
		}
	}
}

func enqueueWithPolicy(ctx context.Context, q ports.ReadingQueue, id ports.WALEntryID, r *domain.Reading, pol ports.Policy, obs ports.Observability) bool {
	sleep := idleSleep(pol)

	for {
		if ok := q.Enqueue(id, r); ok {
			return true
		}

		switch pol.OnQueueFull {
		case "block":
			if !sleepCtx(ctx, sleep) {
				return false
			}
		case "drop", "reject":
			obs.LogError("queue_full_drop", fmt.Errorf("queue length exceeded capacity %d", pol.MaxQueueLen))
			return false
		default:
			obs.LogError("queue_policy_invalid", fmt.Errorf("policy=%s", pol.OnQueueFull))
			return false
		}
	}
}

func idleSleep(pol ports.Policy) time.Duration {
	if pol.IdleSleep <= 0 {
		return 5 * time.Millisecond
	}
	return pol.IdleSleep
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
