package ports

import "github.com/wFercho/iot-mining-board/internal/domain"

// Collector pushes sensor updates from a source other than the live
// channel (PLCs, simulators) into the board.
type Collector interface {
	Start(out chan<- *domain.SensorUpdateEvent) error
	Stop() error
}
