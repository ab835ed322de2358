package board

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// ErrQueueFull indicates the publisher buffer rejected the event according to policy.
var ErrQueueFull = errors.New("board: publisher queue full")

// ErrPublisherClosed is returned by Publish after Stop.
var ErrPublisherClosed = errors.New("board: publisher closed")

// EventPublisherConfig configures the buffer between external producers and
// the store.
type EventPublisherConfig struct {
	Buffer int
	// OnFull is "block" (wait for room or ctx) or "drop" (return ErrQueueFull).
	OnFull string
}

// applyDefaults fills in sane thresholds so callers only override what they need.
func (c *EventPublisherConfig) applyDefaults() {
	if c.Buffer == 0 {
		c.Buffer = 1024
	}
	if c.OnFull == "" {
		c.OnFull = "block"
	}
}

func (c *EventPublisherConfig) validate() error {
	if c.Buffer < 0 {
		return fmt.Errorf("buffer must be >= 0")
	}
	switch c.OnFull {
	case "block", "drop":
		return nil
	default:
		return fmt.Errorf("on_full %q must be block or drop", c.OnFull)
	}
}

// EventPublisher lets code outside the board (simulators, bridges, tests)
// push sensor updates. It is a Collector: pass it to WithCollector and its
// events are merged exactly like live frames.
type EventPublisher struct {
	cfg EventPublisherConfig
	in  chan *domain.SensorUpdateEvent

	mu       sync.Mutex
	started  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

var _ ports.Collector = (*EventPublisher)(nil)

func NewEventPublisher(cfg *EventPublisherConfig) (*EventPublisher, error) {
	var c EventPublisherConfig
	if cfg != nil {
		c = *cfg
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &EventPublisher{
		cfg:    c,
		in:     make(chan *domain.SensorUpdateEvent, c.Buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Publish queues one update. Events published before Start are held until
// the board starts.
func (p *EventPublisher) Publish(ctx context.Context, ev SensorUpdateEvent) error {
	if ev.NodeID == "" || ev.SensorID == "" {
		return fmt.Errorf("publish: node and sensor ids are required")
	}
	select {
	case <-p.stopCh:
		return ErrPublisherClosed
	default:
	}

	e := ev
	if p.cfg.OnFull == "drop" {
		select {
		case p.in <- &e:
			return nil
		case <-p.stopCh:
			return ErrPublisherClosed
		default:
			return ErrQueueFull
		}
	}

	select {
	case p.in <- &e:
		return nil
	case <-p.stopCh:
		return ErrPublisherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *EventPublisher) Start(out chan<- *domain.SensorUpdateEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("event publisher already started")
	}
	select {
	case <-p.stopCh:
		return ErrPublisherClosed
	default:
	}
	p.started = true
	go p.forward(out)
	return nil
}

// Stop ends forwarding; events still buffered are discarded.
func (p *EventPublisher) Stop() error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.doneCh
	}
	return nil
}

func (p *EventPublisher) forward(out chan<- *domain.SensorUpdateEvent) {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-p.in:
			select {
			case out <- ev:
			case <-p.stopCh:
				return
			}
		}
	}
}
