package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/balena-io-experimental/audio/internal/auth"
	"github.com/balena-io-experimental/audio/internal/logging"
	"github.com/balena-io-experimental/audio/internal/protocol"
	"github.com/balena-io-experimental/audio/internal/protocol/schema"
	"github.com/balena-io-experimental/audio/internal/sinks"
)

type sinkView struct {
	Position              int    `json:"position"`
	Index                 uint32 `json:"index"`
	Description           string `json:"description"`
	Volume                int    `json:"volume"`
	Channels              int    `json:"channels"`
	Mute                  bool   `json:"mute"`
	State                 string `json:"state"`
	ActivePortName        string `json:"active_port_name,omitempty"`
	ActivePortDescription string `json:"active_port_description,omitempty"`
}

func viewOf(p sinks.Projection) sinkView {
	return sinkView{
		Position:              p.Position,
		Index:                 p.Index,
		Description:           p.Description,
		Volume:                p.Volume,
		Channels:              p.Channels,
		Mute:                  p.Mute,
		State:                 p.State.String(),
		ActivePortName:        p.ActivePortName,
		ActivePortDescription: p.ActivePortDescription,
	}
}

type volumeRequest struct {
	Percent *int `json:"percent"`
	Delta   *int `json:"delta"`
}

type muteRequest struct {
	Mute   *bool `json:"mute"`
	Toggle bool  `json:"toggle"`
}

func (s *Server) registerRoutes() {
	s.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": "audioctl",
		})
	})

	s.router.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Ready == nil {
			writeJSON(w, http.StatusOK, map[string]any{"ready": true})
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.ReadyTimeout)
		defer cancel()
		if err := s.opts.Ready.WaitReady(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/sinks", func(r chi.Router) {
		r.Get("/", s.listSinks)
		r.Get("/active", s.activeSink)
		r.Get("/{position}", s.getSink)
		r.Group(func(r chi.Router) {
			r.Use(auth.Require(s.opts.Auth))
			r.Put("/{position}/volume", s.setVolume)
			r.Put("/{position}/mute", s.setMute)
		})
	})
}

func (s *Server) listSinks(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Sinks.Sinks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]sinkView, 0, len(list))
	for _, p := range list {
		out = append(out, viewOf(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sinks": out})
}

func (s *Server) activeSink(w http.ResponseWriter, r *http.Request) {
	pos, err := s.opts.Sinks.ActiveOrDefault(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeSink(w, r, pos)
}

func (s *Server) getSink(w http.ResponseWriter, r *http.Request) {
	pos, ok := position(w, r)
	if !ok {
		return
	}
	s.writeSink(w, r, pos)
}

func (s *Server) writeSink(w http.ResponseWriter, r *http.Request, pos int) {
	p, err := s.opts.Sinks.Sink(r.Context(), pos)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(p))
}

func (s *Server) setVolume(w http.ResponseWriter, r *http.Request) {
	pos, ok := position(w, r)
	if !ok {
		return
	}
	var req volumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	var err error
	switch {
	case req.Percent != nil:
		err = s.opts.Sinks.SetVolume(r.Context(), pos, *req.Percent)
	case req.Delta != nil:
		err = s.opts.Sinks.UpdateVolume(r.Context(), pos, *req.Delta)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "percent or delta required"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func (s *Server) setMute(w http.ResponseWriter, r *http.Request) {
	pos, ok := position(w, r)
	if !ok {
		return
	}
	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body: " + err.Error()})
		return
	}
	var err error
	switch {
	case req.Toggle:
		err = s.opts.Sinks.ToggleMute(r.Context(), pos)
	case req.Mute != nil:
		err = s.opts.Sinks.SetMute(r.Context(), pos, *req.Mute)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "mute or toggle required"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok"})
}

func position(w http.ResponseWriter, r *http.Request) (int, bool) {
	pos, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil || pos < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "position must be a non-negative integer"})
		return 0, false
	}
	return pos, true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var serverErr schema.ServerError
	switch {
	case errors.Is(err, sinks.ErrUnknownSink), errors.Is(err, schema.ErrNoSuchEntity):
		status = http.StatusNotFound
	case errors.As(err, &serverErr), errors.Is(err, protocol.ErrUsage):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrConnectionClosed), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debugf("server.writeJSON encode failed err=%v", err)
	}
}
