package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/job"
	"github.com/pkg/errors"
)

// forwarder posts each job to a worker endpoint. A 2xx answer completes the
// job and its body becomes the job result; a 4xx answer fails it for good;
// anything else is retried.
type forwarder struct {
	url    string
	client *http.Client
}

func (f forwarder) Process(ctx context.Context, j *job.Job) (interface{}, error) {
	body, err := json.Marshal(j)
	if err != nil {
		return nil, queue.NonRetryable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return nil, queue.NonRetryable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Id", j.ID)
	req.Header.Set("X-Queue", j.Queue)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "forward %s", j.ID)
	}
	defer resp.Body.Close()
	out, err := ioutil.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrapf(err, "read response of %s", j.ID)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
		return nil, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, queue.NonRetryable(errors.Errorf("worker rejected %s: %s", j.ID, resp.Status))
	default:
		return nil, errors.Errorf("worker failed %s: %s", j.ID, resp.Status)
	}
}
