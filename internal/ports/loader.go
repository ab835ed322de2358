package ports

import (
	"context"

	"github.com/wFercho/iot-mining-board/internal/domain"
)

// SnapshotLoader fetches the full node graph of a mine. Failures are
// *domain.NetworkError or *domain.DecodeError.
type SnapshotLoader interface {
	Load(ctx context.Context, mineID string) (*domain.MineGraph, error)
}
