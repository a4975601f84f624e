package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarder(t *testing.T) {
	cases := []struct {
		name         string
		code         int
		body         string
		result       interface{}
		wantErr      bool
		nonRetryable bool
	}{
		{"ok with result", http.StatusOK, `{"sent":true}`, json.RawMessage(`{"sent":true}`), false, false},
		{"no content", http.StatusNoContent, "", nil, false, false},
		{"rejected", http.StatusUnprocessableEntity, "", nil, true, true},
		{"throttled", http.StatusTooManyRequests, "", nil, true, false},
		{"server error", http.StatusBadGateway, "", nil, true, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "42", r.Header.Get("X-Job-Id"))
				assert.Equal(t, "emails", r.Header.Get("X-Queue"))
				var j job.Job
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&j))
				assert.JSONEq(t, `{"to":"a@b.c"}`, string(j.Payload))
				w.WriteHeader(c.code)
				_, _ = w.Write([]byte(c.body))
			}))
			defer srv.Close()

			f := forwarder{url: srv.URL, client: &http.Client{Timeout: time.Second}}
			result, err := f.Process(context.Background(), &job.Job{
				ID:      "42",
				Queue:   "emails",
				Payload: json.RawMessage(`{"to":"a@b.c"}`),
			})
			if !c.wantErr {
				require.NoError(t, err)
				assert.Equal(t, c.result, result)
				return
			}
			require.Error(t, err)
			assert.Equal(t, c.nonRetryable, queue.IsNonRetryable(err))
		})
	}
}

func TestForwarder_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := forwarder{url: url, client: &http.Client{Timeout: time.Second}}
	_, err := f.Process(context.Background(), &job.Job{ID: "1", Payload: json.RawMessage(`1`)})
	require.Error(t, err)
	assert.False(t, queue.IsNonRetryable(err))
}
