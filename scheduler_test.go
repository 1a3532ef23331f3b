package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrexodia/procrun/config"
	"github.com/mrexodia/procrun/supervisor"
	"github.com/mrexodia/procrun/webhook"
)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	runIDs []string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, req supervisor.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.Task.Name)
	f.runIDs = append(f.runIDs, req.RunID)
	return f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_AddInvalidSchedule(t *testing.T) {
	s := newScheduler(&fakeRunner{}, webhook.NewNotifier(""), 3, discardLogger())

	err := s.add(context.Background(), &config.Task{Name: "bad", Schedule: "not a schedule"}, config.Defaults())
	assert.ErrorContains(t, err, "failed to parse cron schedule")
}

func TestScheduler_NextRunTime(t *testing.T) {
	s := newScheduler(&fakeRunner{}, webhook.NewNotifier(""), 3, discardLogger())

	require.NoError(t, s.add(context.Background(), &config.Task{Name: "nightly", Schedule: "0 3 * * *"}, config.Defaults()))
	s.start()
	defer s.stop()

	next, ok := s.next("nightly")
	require.True(t, ok)
	assert.Equal(t, 3, next.Hour())

	_, ok = s.next("other")
	assert.False(t, ok)
}

func TestScheduler_RunTask(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(runner, webhook.NewNotifier(""), 3, discardLogger())

	s.runTask(context.Background(), &config.Task{Name: "nightly"}, config.Defaults())
	s.runTask(context.Background(), &config.Task{Name: "nightly"}, config.Defaults())
	assert.Equal(t, []string{"nightly", "nightly"}, runner.calls)
	require.Len(t, runner.runIDs, 2)
	assert.NotEmpty(t, runner.runIDs[0])
	assert.NotEqual(t, runner.runIDs[0], runner.runIDs[1], "every run gets its own id")
}

func TestScheduler_FailureWebhook(t *testing.T) {
	var mu sync.Mutex
	var payloads []webhook.FailurePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.FailurePayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
	}))
	defer srv.Close()

	s := newScheduler(&fakeRunner{}, webhook.NewNotifier(srv.URL), 2, discardLogger())
	ctx := context.Background()
	task := &config.Task{Name: "nightly", Exec: "./nightly.sh", Schedule: "0 3 * * *"}
	require.NoError(t, s.add(ctx, task, config.Defaults()))
	failure := &supervisor.ExitError{Name: "nightly", Code: 7}

	s.recordResult(ctx, "nightly", "run-1", failure)
	s.recordResult(ctx, "nightly", "run-2", failure)
	s.recordResult(ctx, "nightly", "run-3", failure) // already reported
	s.webhookWg.Wait()

	mu.Lock()
	require.Len(t, payloads, 1)
	assert.Equal(t, webhook.EventTaskFailed, payloads[0].Event)
	assert.Equal(t, "nightly", payloads[0].Task)
	assert.Equal(t, "run-2", payloads[0].RunID)
	assert.Contains(t, payloads[0].Command, "./nightly.sh")
	assert.Equal(t, "0 3 * * *", payloads[0].Schedule)
	assert.Equal(t, 7, payloads[0].ExitCode)
	assert.Equal(t, 2, payloads[0].ConsecutiveFailures)
	mu.Unlock()

	// Success resets the counter, so two more failures report again
	s.recordResult(ctx, "nightly", "run-4", nil)
	s.recordResult(ctx, "nightly", "run-5", failure)
	s.recordResult(ctx, "nightly", "run-6", failure)
	s.webhookWg.Wait()

	mu.Lock()
	assert.Len(t, payloads, 2)
	mu.Unlock()
}

func TestScheduler_StopWaitsForWebhooks(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s := newScheduler(&fakeRunner{}, webhook.NewNotifier(srv.URL), 1, discardLogger())
	s.recordResult(context.Background(), "nightly", "run-1", supervisor.ErrErrorOutput)

	go func() {
		time.Sleep(100 * time.Millisecond)
		release <- struct{}{}
	}()

	start := time.Now()
	s.stop()
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}
