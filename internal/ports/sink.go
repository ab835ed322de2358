package ports

import "github.com/wFercho/iot-mining-board/internal/domain"

type Sink interface {
	WriteBatch(readings []*domain.Reading) error
	Name() string
}
