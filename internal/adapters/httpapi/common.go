package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/wFercho/iot-mining-board/internal/app/session"
	"github.com/wFercho/iot-mining-board/internal/domain"
)

type HttpErrResponse struct {
	Err            error  `json:"-"`
	HTTPStatusCode int    `json:"-"`
	ErrorText      string `json:"error"`
	Detail         string `json:"detail,omitempty"`
}

func (e *HttpErrResponse) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.HTTPStatusCode)
	return nil
}

func httpErr(status int, text string, err error) render.Renderer {
	resp := &HttpErrResponse{Err: err, HTTPStatusCode: status, ErrorText: text}
	if err != nil {
		resp.Detail = err.Error()
	}
	return resp
}

func httpErrInvalidRequest(err error) render.Renderer {
	return httpErr(http.StatusBadRequest, "Invalid Request", err)
}

func httpErrConflict(err error) render.Renderer {
	return httpErr(http.StatusConflict, "Conflict", err)
}

func httpErrUpstream(err error) render.Renderer {
	return httpErr(http.StatusBadGateway, "Backend Unavailable", err)
}

func httpErrUnavailable(err error) render.Renderer {
	return httpErr(http.StatusServiceUnavailable, "Service Unavailable", err)
}

func httpErrTimeout(err error) render.Renderer {
	return httpErr(http.StatusGatewayTimeout, "Request Timeout", err)
}

func httpErrUnexpected(err error) render.Renderer {
	return httpErr(http.StatusInternalServerError, "Internal Server Error", err)
}

// errRenderer maps session and domain errors onto HTTP responses.
func errRenderer(err error) render.Renderer {
	var netErr *domain.NetworkError
	var decErr *domain.DecodeError
	switch {
	case errors.Is(err, session.ErrEmptyMine):
		return httpErrInvalidRequest(err)
	case errors.Is(err, session.ErrNoMine), errors.Is(err, domain.ErrStaleEpoch):
		return httpErrConflict(err)
	case errors.Is(err, session.ErrClosed):
		return httpErrUnavailable(err)
	case errors.As(err, &netErr), errors.As(err, &decErr):
		return httpErrUpstream(err)
	case errors.Is(err, context.DeadlineExceeded):
		return httpErrTimeout(err)
	default:
		return httpErrUnexpected(err)
	}
}
