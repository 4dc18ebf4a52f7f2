// Package api is the HTTP surface: a chi router that exposes the
// leasing engine's push/poll/ack/introspection operations over a small JSON
// wire protocol, plus liveness and Prometheus exposition endpoints.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relqueue/relqueue/internal/metrics"
	"github.com/relqueue/relqueue/internal/queue"
)

type Server struct {
	engine  *queue.Engine
	addr    string
	timeout time.Duration
}

func NewServer(addr string, e *queue.Engine) *http.Server {
	srv := &Server{
		engine:  e,
		addr:    addr,
		timeout: 10 * time.Second,
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(srv.timeout))
	r.Use(metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", srv.handleQueuesDetail)
		r.Get("/queues/verbose", srv.handleQueuesDetailVerbose)
		r.Post("/admin/unacks/process", srv.handleProcessAllUnacks)

		r.Route("/queues/{queue}", func(r chi.Router) {
			r.Post("/messages", srv.handlePush)
			r.Post("/messages/batch", srv.handlePushBatch)
			r.Post("/messages/{id}/if-absent", srv.handlePushIfNotExists)
			r.Post("/poll", srv.handlePoll)
			r.Post("/messages/{id}/ack", srv.handleAck)
			r.Get("/messages/{id}", srv.handleExists)
			r.Delete("/messages/{id}", srv.handleRemove)
			r.Delete("/messages", srv.handleFlush)
			r.Post("/messages/{id}/offset", srv.handleSetOffsetTime)
			r.Post("/messages/{id}/unack-timeout", srv.handleSetUnackTimeout)
			r.Get("/size", srv.handleGetSize)
			r.Post("/unacks/process", srv.handleProcessUnacks)
		})
	})

	return &http.Server{
		Addr:         srv.addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// metricsMiddleware records every request against HTTPRequestsTotal, labelled
// by the matched chi route pattern (not the raw path, which would blow up the
// cardinality with one label per message ID) and status-code class.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, statusClass(ww.Status())).Inc()
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// ---------- request/response bodies ----------

type pushRequest struct {
	MessageID     string `json:"message_id"`
	Priority      int    `json:"priority,omitempty"`
	OffsetSeconds int64  `json:"offset_seconds,omitempty"`
}

type pushBatchRequest struct {
	Messages []struct {
		MessageID string `json:"message_id"`
		Payload   string `json:"payload"`
		Priority  int    `json:"priority,omitempty"`
	} `json:"messages"`
}

type pollRequest struct {
	Count     int   `json:"count"`
	TimeoutMs int64 `json:"timeout_ms"`
}

type unackTimeoutRequest struct {
	UnackMillis int64 `json:"unack_millis"`
}

type offsetRequest struct {
	OffsetSeconds int64 `json:"offset_seconds"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type pushResponse struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"message_id"`
}

type pushBatchResponse struct {
	OK         bool     `json:"ok"`
	MessageIDs []string `json:"message_ids"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

// ---------- handlers ----------

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.MessageID == "" {
		// A caller that doesn't care about a specific message ID gets one
		// generated server-side rather than being forced to invent its own.
		req.MessageID = uuid.NewString()
	}
	if err := s.engine.Push(r.Context(), qname, req.MessageID, req.Priority, req.OffsetSeconds); err != nil {
		writeEngineError(w, "push", err)
		return
	}
	writeJSON(w, http.StatusCreated, &pushResponse{OK: true, MessageID: req.MessageID})
}

func (s *Server) handlePushBatch(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req pushBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if len(req.Messages) == 0 {
		httpError(w, http.StatusBadRequest, "messages must be non-empty")
		return
	}
	messages := make([]queue.PushMessage, 0, len(req.Messages))
	ids := make([]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		id := m.MessageID
		if id == "" {
			id = uuid.NewString()
		}
		ids = append(ids, id)
		messages = append(messages, queue.PushMessage{
			MessageID: id,
			Payload:   m.Payload,
			Priority:  m.Priority,
		})
	}
	if err := s.engine.PushBatch(r.Context(), qname, messages); err != nil {
		writeEngineError(w, "push_batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, &pushBatchResponse{OK: true, MessageIDs: ids})
}

func (s *Server) handlePushIfNotExists(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	pushed, err := s.engine.PushIfNotExists(r.Context(), qname, id, req.Priority, req.OffsetSeconds)
	if err != nil {
		writeEngineError(w, "push_if_not_exists", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: pushed})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	var req pollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	messages, err := s.engine.PollMessages(r.Context(), qname, req.Count, req.TimeoutMs)
	if err != nil {
		writeEngineError(w, "poll", err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")
	ok, err := s.engine.Ack(r.Context(), qname, id)
	if err != nil {
		writeEngineError(w, "ack", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: ok})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")
	ok, err := s.engine.Exists(r.Context(), qname, id)
	if err != nil {
		writeEngineError(w, "exists", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: ok})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")
	if err := s.engine.Remove(r.Context(), qname, id); err != nil {
		writeEngineError(w, "remove", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: true})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	if err := s.engine.Flush(r.Context(), qname); err != nil {
		writeEngineError(w, "flush", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: true})
}

func (s *Server) handleSetOffsetTime(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")
	var req offsetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	ok, err := s.engine.SetOffsetTime(r.Context(), qname, id, req.OffsetSeconds)
	if err != nil {
		writeEngineError(w, "set_offset_time", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: ok})
}

func (s *Server) handleSetUnackTimeout(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	id := chi.URLParam(r, "id")
	var req unackTimeoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}
	ok, err := s.engine.SetUnackTimeout(r.Context(), qname, id, req.UnackMillis)
	if err != nil {
		writeEngineError(w, "set_unack_timeout", err)
		return
	}
	writeJSON(w, http.StatusOK, &okResponse{OK: ok})
}

func (s *Server) handleGetSize(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	size, err := s.engine.GetSize(r.Context(), qname)
	if err != nil {
		writeEngineError(w, "get_size", err)
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: size})
}

func (s *Server) handleQueuesDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.QueuesDetail(r.Context())
	if err != nil {
		writeEngineError(w, "queues_detail", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleQueuesDetailVerbose(w http.ResponseWriter, r *http.Request) {
	detail, err := s.engine.QueuesDetailVerbose(r.Context())
	if err != nil {
		writeEngineError(w, "queues_detail_verbose", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleProcessAllUnacks(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.ProcessAllUnacks(r.Context())
	if err != nil {
		writeEngineError(w, "process_all_unacks", err)
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: count})
}

func (s *Server) handleProcessUnacks(w http.ResponseWriter, r *http.Request) {
	qname := chi.URLParam(r, "queue")
	count, err := s.engine.ProcessUnacks(r.Context(), qname)
	if err != nil {
		writeEngineError(w, "process_unacks", err)
		return
	}
	writeJSON(w, http.StatusOK, &countResponse{Count: count})
}

// ---------- helpers ----------

// writeEngineError answers a BackendError and everything else the engine
// surfaces with 500; handlers reject malformed requests as 400 earlier, so
// by the time the engine is called the request itself is no longer suspect.
func writeEngineError(w http.ResponseWriter, op string, err error) {
	var backendErr *queue.BackendError
	if errors.As(err, &backendErr) {
		httpError(w, http.StatusInternalServerError, "%s failed: %v", op, backendErr)
		return
	}
	httpError(w, http.StatusInternalServerError, "%s failed: %v", op, err)
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
