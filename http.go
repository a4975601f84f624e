package queue

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/DoNewsCode/core-drain/cache"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/monitor"
	"github.com/DoNewsCode/core-drain/ratelimit"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

const metricsCacheKey = "monitor:metrics"

type httpOption struct {
	limiter  *ratelimit.Limiter
	cache    *cache.Cache
	cacheTTL time.Duration
}

// HTTPOption tunes RegisterRoutes.
type HTTPOption func(*httpOption)

// WithRateLimiter limits job submission through l.
func WithRateLimiter(l *ratelimit.Limiter) HTTPOption {
	return func(o *httpOption) { o.limiter = l }
}

// WithMetricsCache serves the metrics snapshot from c for ttl.
func WithMetricsCache(c *cache.Cache, ttl time.Duration) HTTPOption {
	return func(o *httpOption) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

type httpHandler struct {
	httpOption
	factory QueueFactory
	secret  string
}

// RegisterRoutes mounts the trigger, submission and monitoring routes.
// Dead-letter and monitoring routes are served by the "default" queue.
//
//	POST /queue/{name}/drain          {"maxJobs": 10}
//	POST /queue/{name}/jobs           {"payload": {...}, "delayMs": 0, "id": ""}
//	GET  /jobs/{id}
//	POST /dlq/drain
//	GET  /monitor/metrics
//	GET  /monitor/alerts?limit=20
//	POST /monitor/alerts/{id}/ack
//	GET  /health
//
// Every POST route requires "Authorization: Bearer <secret>".
func RegisterRoutes(router *mux.Router, factory QueueFactory, secret string, opts ...HTTPOption) {
	h := &httpHandler{factory: factory, secret: secret}
	for _, f := range opts {
		f(&h.httpOption)
	}

	var submit http.Handler = h.auth(h.enqueue)
	if h.limiter != nil {
		submit = h.limiter.Middleware(nil)(submit)
	}
	router.Handle("/queue/{name}/drain", h.auth(h.drain)).Methods(http.MethodPost)
	router.Handle("/queue/{name}/jobs", submit).Methods(http.MethodPost)
	router.HandleFunc("/jobs/{id}", h.status).Methods(http.MethodGet)
	router.Handle("/dlq/drain", h.auth(h.drainRetries)).Methods(http.MethodPost)
	router.HandleFunc("/monitor/metrics", h.metrics).Methods(http.MethodGet)
	router.HandleFunc("/monitor/alerts", h.alerts).Methods(http.MethodGet)
	router.Handle("/monitor/alerts/{id}/ack", h.auth(h.ack)).Methods(http.MethodPost)
	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

func (h *httpHandler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if h.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next(w, r)
	})
}

func (h *httpHandler) queue(w http.ResponseWriter, name string) (*Queue, bool) {
	q, err := h.factory.Make(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return q, true
}

func (h *httpHandler) drain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxJobs int `json:"maxJobs"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, ok := h.queue(w, mux.Vars(r)["name"])
	if !ok {
		return
	}
	result, err := q.Drain(r.Context(), req.MaxJobs, nil)
	if errors.Is(err, ErrNoHandler) {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *httpHandler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload json.RawMessage `json:"payload"`
		DelayMs int64           `json:"delayMs"`
		ID      string          `json:"id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("payload is required"))
		return
	}
	q, ok := h.queue(w, mux.Vars(r)["name"])
	if !ok {
		return
	}
	opts := []EnqueueOption{Defer(time.Duration(req.DelayMs) * time.Millisecond)}
	if req.ID != "" {
		opts = append(opts, UniqueId(req.ID))
	}
	id, err := q.Enqueue(r.Context(), req.Payload, opts...)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *httpHandler) status(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, "default")
	if !ok {
		return
	}
	status, err := q.GetStatus(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, job.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *httpHandler) drainRetries(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, "default")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.DeadLetters().DrainRetries(r.Context()))
}

func (h *httpHandler) metrics(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		var cached monitor.Metrics
		if err := h.cache.GetValue(r.Context(), metricsCacheKey, &cached); err == nil {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}
	q, ok := h.queue(w, "default")
	if !ok {
		return
	}
	m, err := q.Monitor().GetMetrics(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), metricsCacheKey, m, cache.TTL(h.cacheTTL), cache.WithTags("monitor"), cache.WithPriority(cache.Low))
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *httpHandler) alerts(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	q, ok := h.queue(w, "default")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.Monitor().GetAlerts(r.Context(), limit))
}

func (h *httpHandler) ack(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, "default")
	if !ok {
		return
	}
	err := q.Monitor().AcknowledgeAlert(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, monitor.ErrAlertNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, "default")
	if !ok {
		return
	}
	health := q.Monitor().HealthCheck(r.Context())
	code := http.StatusOK
	if health.Status == monitor.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return errors.Wrap(err, "malformed request body")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
