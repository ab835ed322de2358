package httpapi

import (
	"net/http"

	"github.com/wFercho/iot-mining-board/internal/app/store"
	"github.com/wFercho/iot-mining-board/internal/domain"
)

// GraphResponse is the store view plus its error as text. It is also the
// frame pushed to websocket clients.
type GraphResponse struct {
	store.GraphView
	Error string `json:"error,omitempty"`
}

func (g *GraphResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newGraphResponse(v store.GraphView) *GraphResponse {
	resp := &GraphResponse{GraphView: v}
	if err := v.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

type StatusResponse struct {
	MineID  string                  `json:"mineId"`
	Epoch   store.Epoch             `json:"epoch"`
	Version uint64                  `json:"version"`
	Status  domain.ConnectionStatus `json:"status"`
	Loading bool                    `json:"loading"`
	Nodes   int                     `json:"nodes"`
	Error   string                  `json:"error,omitempty"`
}

func (s *StatusResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

func newStatusResponse(v store.GraphView) *StatusResponse {
	resp := &StatusResponse{
		MineID:  v.MineID,
		Epoch:   v.Epoch,
		Version: v.Version,
		Status:  v.Status,
		Loading: v.Loading,
	}
	if v.Graph != nil {
		resp.Nodes = len(v.Graph.Nodes)
	}
	if err := v.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

type EdgeView struct {
	domain.Edge
}

func (e *EdgeView) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}
