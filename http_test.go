package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DoNewsCode/core-drain/cache"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/DoNewsCode/core-drain/ratelimit"
	"github.com/DoNewsCode/core/di"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "s3cret"

type server struct {
	fixture
	factory QueueFactory
	router  *mux.Router
}

func setUpServer(opts ...HTTPOption) server {
	f := setUp()
	factory := di.NewFactory(func(name string) (di.Pair, error) {
		if name != "default" && name != "emails" {
			return di.Pair{}, errors.Errorf("queue %s not found", name)
		}
		return di.Pair{Conn: NewQueue(name, f.store, UseClock(f.clock), UseKeyspace(f.keys))}, nil
	})
	router := mux.NewRouter()
	qf := QueueFactory{Factory: factory}
	RegisterRoutes(router, qf, testSecret, opts...)
	return server{fixture: f, factory: qf, router: router}
}

func (s server) do(method, target, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_auth(t *testing.T) {
	s := setUpServer()
	cases := []struct {
		name   string
		method string
		target string
	}{
		{"drain", http.MethodPost, "/queue/emails/drain"},
		{"submit", http.MethodPost, "/queue/emails/jobs"},
		{"retries", http.MethodPost, "/dlq/drain"},
		{"ack", http.MethodPost, "/monitor/alerts/foo/ack"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := s.do(c.method, c.target, "{}", false)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			req := httptest.NewRequest(c.method, c.target, strings.NewReader("{}"))
			req.Header.Set("Authorization", "Bearer wrong")
			rec = httptest.NewRecorder()
			s.router.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestRoutes_emptySecret(t *testing.T) {
	f := setUp()
	factory := di.NewFactory(func(name string) (di.Pair, error) {
		return di.Pair{Conn: NewQueue(name, f.store)}, nil
	})
	router := mux.NewRouter()
	RegisterRoutes(router, QueueFactory{Factory: factory}, "")

	req := httptest.NewRequest(http.MethodPost, "/dlq/drain", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRoutes_submitAndDrain(t *testing.T) {
	s := setUpServer()

	rec := s.do(http.MethodPost, "/queue/emails/jobs", `{"payload":{"to":"a@b.c"}}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	id := submitted["id"]
	assert.NotEmpty(t, id)

	rec = s.do(http.MethodGet, "/jobs/"+id, "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var status job.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, job.StatePending, status.State)

	rec = s.do(http.MethodPost, "/queue/emails/drain", `{"maxJobs":5}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	q, err := s.factory.Make("emails")
	require.NoError(t, err)
	q.Subscribe(Listen(func(ctx context.Context, j *job.Job) error { return nil }))

	rec = s.do(http.MethodPost, "/queue/emails/drain", `{"maxJobs":5}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var result DrainResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Processed)

	rec = s.do(http.MethodGet, "/jobs/"+id, "", false)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, job.StateCompleted, status.State)
}

func TestRoutes_errors(t *testing.T) {
	s := setUpServer()
	cases := []struct {
		name   string
		method string
		target string
		body   string
		code   int
	}{
		{"unknown queue drain", http.MethodPost, "/queue/sms/drain", "", http.StatusNotFound},
		{"unknown queue submit", http.MethodPost, "/queue/sms/jobs", `{"payload":1}`, http.StatusNotFound},
		{"missing payload", http.MethodPost, "/queue/emails/jobs", `{}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/queue/emails/jobs", `{`, http.StatusBadRequest},
		{"unknown job", http.MethodGet, "/jobs/nope", "", http.StatusNotFound},
		{"unknown alert", http.MethodPost, "/monitor/alerts/nope/ack", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/dlq/drain", "", http.StatusMethodNotAllowed},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := s.do(c.method, c.target, c.body, true)
			assert.Equal(t, c.code, rec.Code)
		})
	}
}

func TestRoutes_delayedSubmit(t *testing.T) {
	s := setUpServer()
	rec := s.do(http.MethodPost, "/queue/emails/jobs", `{"payload":1,"delayMs":60000,"id":"fixed"}`, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"id":"fixed"}`, rec.Body.String())

	q, err := s.factory.Make("emails")
	require.NoError(t, err)
	info, err := q.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Delayed)
}

func TestRoutes_monitoring(t *testing.T) {
	s := setUpServer()
	q, err := s.factory.Make("emails")
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), 1)
	require.NoError(t, err)
	_, err = q.Drain(context.Background(), 1, Listen(func(ctx context.Context, j *job.Job) error {
		return errors.New("boom")
	}))
	require.NoError(t, err)

	rec := s.do(http.MethodGet, "/monitor/metrics", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var metrics map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.NotEmpty(t, metrics)

	// A single failure out of one job trips the error rate alert.
	rec = s.do(http.MethodGet, "/monitor/alerts?limit=10", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var alerts []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alerts))
	require.NotEmpty(t, alerts)

	rec = s.do(http.MethodPost, "/monitor/alerts/"+alerts[0].ID+"/ack", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	s.clock.Advance(time.Minute)
	rec = s.do(http.MethodPost, "/dlq/drain", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"processed":1`)
}

func TestRoutes_metricsCache(t *testing.T) {
	f := setUp()
	c := cache.New(f.store, f.keys, cache.WithClock(f.clock))
	factory := di.NewFactory(func(name string) (di.Pair, error) {
		return di.Pair{Conn: NewQueue(name, f.store, UseClock(f.clock), UseKeyspace(f.keys))}, nil
	})
	router := mux.NewRouter()
	RegisterRoutes(router, QueueFactory{Factory: factory}, testSecret, WithMetricsCache(c, 10*time.Second))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/monitor/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	stats, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestRoutes_rateLimit(t *testing.T) {
	f := setUp()
	limiter := ratelimit.New(f.store, f.keys, ratelimit.WithClock(f.clock), ratelimit.WithConfig(ratelimit.Config{
		BaseLimit:     1,
		Window:        time.Minute,
		BlockDuration: time.Minute,
	}))
	s := setUpServer(WithRateLimiter(limiter))

	rec := s.do(http.MethodPost, "/queue/emails/jobs", `{"payload":1}`, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = s.do(http.MethodPost, "/queue/emails/jobs", `{"payload":2}`, true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
