package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	queue "github.com/DoNewsCode/core-drain"
	"github.com/DoNewsCode/core-drain/store"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withStore(t *testing.T) *store.InProcessStore {
	s := store.NewInProcessStore(nil)
	previous := openStore
	openStore = func(appConfig) store.Store { return s }
	t.Cleanup(func() { openStore = previous })
	return s
}

func execute(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDrainCommand(t *testing.T) {
	s := withStore(t)
	var calls int32
	worker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer worker.Close()

	path := writeConfig(t, fmt.Sprintf(`
name: app
env: testing
queues:
  emails: {}
  sms: {}
handlers:
  emails: %s
  sms: %s
`, worker.URL, worker.URL))

	keys := store.NewKeyspace("app", "testing")
	for _, name := range []string{"emails", "sms", "emails"} {
		_, err := queue.NewQueue(name, s, queue.UseKeyspace(keys)).Enqueue(context.Background(), name)
		require.NoError(t, err)
	}

	out, err := execute(t, "--config", path, "drain", "--all")
	require.NoError(t, err)
	var reports []drainReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, "emails", reports[0].Queue)
	assert.Equal(t, 2, reports[0].Processed)
	assert.Equal(t, "sms", reports[1].Queue)
	assert.Equal(t, 1, reports[1].Processed)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDrainCommand_noHandler(t *testing.T) {
	withStore(t)
	path := writeConfig(t, "queues:\n  emails: {}\n")
	_, err := execute(t, "--config", path, "drain", "emails")
	assert.True(t, errors.Is(err, queue.ErrNoHandler))
}

func TestMaintenanceCommands(t *testing.T) {
	withStore(t)
	path := writeConfig(t, "name: app\nenv: testing\n")

	cases := []struct {
		args []string
		want string
	}{
		{[]string{"health"}, `"status": "healthy"`},
		{[]string{"retry"}, `"processed": 0`},
		{[]string{"purge", "--days", "1"}, `"purged": 0`},
		{[]string{"reconcile"}, `"removed": 0`},
		{[]string{"evict", "--priority", "low"}, `"evicted": 0`},
		{[]string{"metrics"}, `"timestamp"`},
	}
	for _, c := range cases {
		t.Run(c.args[0], func(t *testing.T) {
			out, err := execute(t, append([]string{"--config", path}, c.args...)...)
			require.NoError(t, err)
			assert.Contains(t, out, c.want)
		})
	}
}

func TestRequeueCommand_unknown(t *testing.T) {
	withStore(t)
	path := writeConfig(t, "name: app\n")
	_, err := execute(t, "--config", path, "requeue", "missing")
	assert.Error(t, err)
}
