// Package httpapi serves the status and control API of a running contest.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/freeeve/enginearena/internal/manager"
	"github.com/freeeve/enginearena/internal/provider"
)

// Pool is the part of the manager pool the API controls.
type Pool interface {
	Status() manager.PoolStatus
	Concurrency() int
	SetConcurrency(count int, nice, start bool)
	PauseAll()
	ResumeAll()
}

// Handler serves the API.
type Handler struct {
	pool    Pool
	contest provider.Summarizer
	log     zerolog.Logger
}

// NewRouter creates the API router. contest is optional; without it
// /v1/contest answers 404.
func NewRouter(log zerolog.Logger, pool Pool, contest provider.Summarizer) http.Handler {
	h := &Handler{
		pool:    pool,
		contest: contest,
		log:     log.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(func(next http.Handler) http.Handler { return AccessLog(h.log, next) })
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/readyz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/pool", h.poolStatus)
		r.Get("/pool/concurrency", h.concurrency)
		r.Post("/pool/concurrency", h.setConcurrency)
		r.Post("/pool/pause", h.pause)
		r.Post("/pool/resume", h.resume)
		r.Get("/contest", h.contestSummary)
	})
	r.Mount("/debug", middleware.Profiler())
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) poolStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, h.pool.Status())
}

type concurrencyResponse struct {
	Concurrency int `json:"concurrency"`
	Running     int `json:"running"`
}

func (h *Handler) concurrency(w http.ResponseWriter, r *http.Request) {
	st := h.pool.Status()
	writeJSON(w, r, concurrencyResponse{Concurrency: st.Target, Running: st.Running})
}

type concurrencyRequest struct {
	Count *int  `json:"count"`
	Nice  *bool `json:"nice"`
}

// setConcurrency reads the count from ?count=N or a JSON body. Lowering is
// nice unless nice=false is given.
func (h *Handler) setConcurrency(w http.ResponseWriter, r *http.Request) {
	var req concurrencyRequest
	q := r.URL.Query()
	if c := q.Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid count param")
			return
		}
		req.Count = &n
		if v := q.Get("nice"); v != "" {
			nice, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "invalid nice param")
				return
			}
			req.Nice = &nice
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Count == nil {
		writeError(w, r, http.StatusBadRequest, "count required")
		return
	}
	if *req.Count < 0 {
		writeError(w, r, http.StatusBadRequest, "count must not be negative")
		return
	}
	nice := true
	if req.Nice != nil {
		nice = *req.Nice
	}

	h.pool.SetConcurrency(*req.Count, nice, true)
	h.log.Info().Int("concurrency", *req.Count).Bool("nice", nice).Msg("concurrency updated via API")

	st := h.pool.Status()
	writeJSON(w, r, concurrencyResponse{Concurrency: st.Target, Running: st.Running})
}

func (h *Handler) pause(w http.ResponseWriter, r *http.Request) {
	h.pool.PauseAll()
	h.log.Info().Msg("pool paused via API")
	writeJSON(w, r, map[string]any{"paused": true})
}

func (h *Handler) resume(w http.ResponseWriter, r *http.Request) {
	h.pool.ResumeAll()
	h.log.Info().Msg("pool resumed via API")
	writeJSON(w, r, map[string]any{"paused": false})
}

func (h *Handler) contestSummary(w http.ResponseWriter, r *http.Request) {
	if h.contest == nil {
		writeError(w, r, http.StatusNotFound, "no contest registered")
		return
	}
	writeJSON(w, r, h.contest.Summary())
}
