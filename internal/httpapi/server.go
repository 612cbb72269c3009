package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"channelcast/internal/channelhub"
	"channelcast/internal/observer"
)

// NodeInfo describes the gossip node the hub relays through, if any.
type NodeInfo interface {
	PeerID() string
	ListenAddrs() []string
	Peers() []string
}

type Config struct {
	Hub      *channelhub.Hub
	Logger   zerolog.Logger
	Gatherer prometheus.Gatherer
	Node     NodeInfo
}

type Server struct {
	hub      *channelhub.Hub
	log      zerolog.Logger
	gatherer prometheus.Gatherer
	node     NodeInfo
}

func NewServer(cfg Config) *Server {
	return &Server{
		hub:      cfg.Hub,
		log:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		gatherer: cfg.Gatherer,
		node:     cfg.Node,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/node", s.handleNode)
		r.Get("/channels", s.handleListChannels)
		r.Post("/channels", s.handleCreateChannel)
		r.Route("/channels/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetChannel)
			r.Post("/followers", s.handleFollow)
			r.Delete("/followers/{username}", s.handleUnfollow)
			r.Post("/messages", s.handleSend)
			r.Get("/stream", s.handleStream)
		})
	})
	return r
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"origin": s.hub.Origin(), "relay": s.node != nil}
	if s.node != nil {
		resp["peer_id"] = s.node.PeerID()
		resp["listen_addrs"] = s.node.ListenAddrs()
		resp["peers"] = s.node.Peers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.hub.Channels()})
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ch, err := s.hub.CreateChannel(req.Name)
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"channel": ch.Name()})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	followers, err := s.hub.Followers(name)
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": name, "followers": followers})
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if _, err := s.hub.Channel(name); err != nil {
		s.writeHubError(w, err)
		return
	}
	user, err := s.hub.EnsureUser(req.Username)
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	if err := s.hub.Follow(name, user.Name()); err != nil {
		s.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": name, "username": user.Name()})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	username := chi.URLParam(r, "username")
	removed, err := s.hub.Unfollow(name, username)
	if err != nil {
		s.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.hub.Send(name, req.Message); err != nil {
		s.writeHubError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ch, err := s.hub.Channel(chi.URLParam(r, "name"))
	if err != nil {
		s.writeHubError(w, err)
		return
	}

	sub := newStreamSubscriber(s.log)
	if err := ch.Register(sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer ch.Unregister(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-sub.out:
			if _, err := w.Write([]byte("event: message\ndata: " + string(msg) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeHubError(w http.ResponseWriter, err error) {
	var nerr *observer.NotifyError
	var merr *multierror.Error
	switch {
	case errors.Is(err, channelhub.ErrChannelNotFound), errors.Is(err, channelhub.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, channelhub.ErrChannelExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, channelhub.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &nerr), errors.As(err, &merr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
