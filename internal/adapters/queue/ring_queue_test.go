package queue

import (
	"testing"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

func TestRingQueueEnqueueDequeueOrder(t *testing.T) {
	q := NewRingQueue(4)

	r1 := &domain.Reading{SensorID: "s1"}
	r2 := &domain.Reading{SensorID: "s2"}

	if !q.Enqueue(1, r1) || !q.Enqueue(2, r2) {
		t.Fatalf("expected successful enqueue")
	}

	batch := q.DequeueBatch(1)
	if len(batch) != 1 || batch[0].ID != 1 || batch[0].Reading.SensorID != "s1" {
		t.Fatalf("unexpected first batch: %+v", batch)
	}

	remaining := q.DequeueBatch(10)
	if len(remaining) != 1 || remaining[0].ID != 2 {
		t.Fatalf("unexpected second batch: %+v", remaining)
	}

	if q.Len() != 0 {
		t.Fatalf("queue should be empty, got %d", q.Len())
	}
	if q.DequeueBatch(5) != nil {
		t.Fatalf("expected nil batch from empty queue")
	}
}

func TestRingQueueCapacity(t *testing.T) {
	q := NewRingQueue(2)

	reading := &domain.Reading{SensorID: "cap"}

	if !q.Enqueue(1, reading) || !q.Enqueue(2, reading) {
		t.Fatalf("expected enqueue within capacity")
	}
	if q.Enqueue(3, reading) {
		t.Fatalf("enqueue should fail when capacity exceeded")
	}

	q.DequeueBatch(1)
	if !q.Enqueue(4, reading) {
		t.Fatalf("expected enqueue to succeed after dequeue")
	}
}

func TestRingQueueWrapsAround(t *testing.T) {
	q := NewRingQueue(3)
	next := 1
	for round := 0; round < 4; round++ {
		for q.Len() < q.Cap() {
			q.Enqueue(ports.WALEntryID(next), &domain.Reading{Seq: uint64(next)})
			next++
		}
		batch := q.DequeueBatch(2)
		for i := 1; i < len(batch); i++ {
			if batch[i].ID != batch[i-1].ID+1 {
				t.Fatalf("round %d: out of order batch %+v", round, batch)
			}
		}
	}
	rest := q.DequeueBatch(0)
	if len(rest) != 1 || rest[0].Reading.Seq != uint64(rest[0].ID) {
		t.Fatalf("unexpected tail %+v", rest)
	}
}
