package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wFercho/iot-mining-board/internal/app/store"
	"github.com/wFercho/iot-mining-board/internal/domain"
	"github.com/wFercho/iot-mining-board/internal/ports"
)

// Controller is the write side the API drives. *session.Session satisfies
// it.
type Controller interface {
	Select(ctx context.Context, mineID string) error
	Refresh(ctx context.Context) error
	Reconnect() error
}

type Option func(*Server)

// WithBasicAuth guards /api and /ws. An empty user table disables it.
func WithBasicAuth(realm string, users map[string]string) Option {
	return func(s *Server) {
		if len(users) > 0 {
			s.realm = realm
			s.users = users
		}
	}
}

// WithMetricsHandler replaces the default promhttp handler on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.metrics = h
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(s *Server) {
		if obs != nil {
			s.obs = obs
		}
	}
}

// WithRequestTimeout bounds every /api request.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithAllowedOrigins lists the Origin values accepted on /ws. "*" accepts
// any origin; with no list only same-origin browsers may connect.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// Server exposes the board state over REST and pushes every change to
// websocket clients.
type Server struct {
	store    *store.Store
	ctl      Controller
	obs      ports.Observability
	metrics  http.Handler
	realm    string
	users    map[string]string
	timeout  time.Duration
	origins  []string
	upgrader websocket.Upgrader
	hub      *hub
	router   chi.Router
}

func New(st *store.Store, ctl Controller, opts ...Option) (*Server, error) {
	if st == nil {
		return nil, errors.New("httpapi: store is required")
	}
	if ctl == nil {
		return nil, errors.New("httpapi: controller is required")
	}
	s := &Server{
		store:   st,
		ctl:     ctl,
		obs:     nopObs{},
		metrics: promhttp.Handler(),
		timeout: 60 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}
	s.hub = newHub(s.obs)
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Clients returns the number of connected push clients.
func (s *Server) Clients() int { return s.hub.count() }

// Run serves on addr until ctx ends, then shuts down and closes every push
// client.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.obs.LogInfo("http_listening", ports.F("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.hub.closeAll()
		return err
	case <-ctx.Done():
	}

	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects every push client.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.PlainText(w, r, "ok")
	})
	r.Handle("/metrics", s.metrics)

	r.Group(func(r chi.Router) {
		if s.users != nil {
			r.Use(middleware.BasicAuth(s.realm, s.users))
		}

		r.Route("/api", func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Use(middleware.Timeout(s.timeout))
			r.Mount("/", s.apiRouter())
		})

		r.Get("/ws", s.handlePush)
	})
	return r
}

func (s *Server) apiRouter() chi.Router {
	r := chi.NewRouter()
	r.Get("/graph", s.apiGraph)
	r.Get("/status", s.apiStatus)
	r.Get("/edges", s.apiEdges)
	r.Put("/mine/{mineId}", s.apiSelectMine)
	r.Post("/refresh", s.apiRefresh)
	r.Post("/reconnect", s.apiReconnect)
	return r
}

func (s *Server) apiGraph(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, newGraphResponse(s.store.Graph()))
}

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, newStatusResponse(s.store.Graph()))
}

func (s *Server) apiEdges(w http.ResponseWriter, r *http.Request) {
	view := s.store.Graph()
	outs := []render.Renderer{}
	for _, e := range domain.Edges(view.Graph) {
		outs = append(outs, &EdgeView{Edge: e})
	}
	render.RenderList(w, r, outs)
}

func (s *Server) apiSelectMine(w http.ResponseWriter, r *http.Request) {
	mineID := chi.URLParam(r, "mineId")
	if err := s.ctl.Select(r.Context(), mineID); err != nil {
		render.Render(w, r, errRenderer(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.Render(w, r, newStatusResponse(s.store.Graph()))
}

func (s *Server) apiRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Refresh(r.Context()); err != nil {
		s.obs.LogError("refresh_failed", err)
		render.Render(w, r, errRenderer(err))
		return
	}
	render.Render(w, r, newGraphResponse(s.store.Graph()))
}

func (s *Server) apiReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.Reconnect(); err != nil {
		render.Render(w, r, errRenderer(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.Render(w, r, newStatusResponse(s.store.Graph()))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.obs.LogError("ws_upgrade_failed", err)
		return
	}
	defer ws.Close()

	c := newPushClient(ws)
	s.hub.add(c)
	defer s.hub.remove(c.id)
	s.obs.LogInfo("ws_client_connected", ports.F("client_id", c.id))

	unsubscribe := s.store.Subscribe(c.offer)
	defer unsubscribe()
	c.offer(s.store.Graph())

	go c.readPump()
	if err := c.writePump(); err != nil {
		s.obs.LogInfo("ws_client_gone", ports.F("client_id", c.id), ports.F("error", err.Error()))
		return
	}
	s.obs.LogInfo("ws_client_closed", ports.F("client_id", c.id))
}

// checkOrigin accepts non-browser clients (no Origin header), configured
// origins and same-host pages.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)                     {}
func (nopObs) LogError(string, error, ...ports.Field)             {}
func (nopObs) LogCritical(string, error, ...ports.Field)          {}
func (nopObs) IncCounter(string, float64)                         {}
func (nopObs) ObserveLatency(string, float64)                     {}
func (nopObs) SetGauge(string, float64)                           {}
func (nopObs) RecordDLQ(ports.WALEntryID, *domain.Reading, error) {}
