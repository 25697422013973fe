package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/gantry/internal/events"
	"github.com/mattjoyce/gantry/internal/log"
	"github.com/mattjoyce/gantry/internal/pipeline"
	"github.com/mattjoyce/gantry/internal/runner"
	"github.com/mattjoyce/gantry/internal/webhook"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func TestDecide(t *testing.T) {
	const (
		ok   = runner.StatusSuccess
		fail = runner.StatusFailure
		none = runner.Status("")
	)
	policy := func(onSuccess, onFailure pipeline.NotifyWhen) pipeline.NotificationPolicy {
		return pipeline.NotificationPolicy{OnSuccess: onSuccess, OnFailure: onFailure}
	}

	tests := []struct {
		name           string
		policy         pipeline.NotificationPolicy
		status         runner.Status
		previous       runner.Status
		wantEvent      runner.Status
		wantSuppressed bool
	}{
		{name: "success never", policy: policy(pipeline.NotifyNever, pipeline.NotifyAlways), status: ok, previous: fail, wantEvent: ok, wantSuppressed: true},
		{name: "success always", policy: policy(pipeline.NotifyAlways, pipeline.NotifyAlways), status: ok, previous: ok, wantEvent: ok},
		{name: "failure always", policy: policy(pipeline.NotifyNever, pipeline.NotifyAlways), status: fail, previous: fail, wantEvent: fail},
		{name: "failure never", policy: policy(pipeline.NotifyAlways, pipeline.NotifyNever), status: fail, wantEvent: fail, wantSuppressed: true},
		{name: "change fixed", policy: policy(pipeline.NotifyChange, pipeline.NotifyChange), status: ok, previous: fail, wantEvent: ok},
		{name: "change still passing", policy: policy(pipeline.NotifyChange, pipeline.NotifyChange), status: ok, previous: ok, wantEvent: ok, wantSuppressed: true},
		{name: "change still failing", policy: policy(pipeline.NotifyChange, pipeline.NotifyChange), status: fail, previous: fail, wantEvent: fail, wantSuppressed: true},
		{name: "change after cancelled", policy: policy(pipeline.NotifyChange, pipeline.NotifyChange), status: fail, previous: runner.StatusCancelled, wantEvent: fail, wantSuppressed: true},
		{name: "change first run", policy: policy(pipeline.NotifyChange, pipeline.NotifyChange), status: ok, previous: none, wantEvent: ok},
		{name: "defaults success unchanged", policy: pipeline.NotificationPolicy{}, status: ok, previous: ok, wantEvent: ok, wantSuppressed: true},
		{name: "defaults failure", policy: pipeline.NotificationPolicy{}, status: fail, previous: fail, wantEvent: fail},
		{name: "cancelled reports failure", policy: policy(pipeline.NotifyAlways, pipeline.NotifyAlways), status: runner.StatusCancelled, wantEvent: fail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, suppressed := Decide(tt.policy, tt.status, tt.previous)
			assert.Equal(t, tt.wantEvent, event)
			assert.Equal(t, tt.wantSuppressed, suppressed)
		})
	}
}

func sampleNotification() Notification {
	return Notification{
		Event:  runner.StatusFailure,
		RunID:  "run-1",
		Branch: "master",
		Jobs: Summarize([]runner.JobResult{
			{Job: "A", Status: runner.StatusSuccess, Deploy: runner.DeployNotTriggered},
			{Job: "C", Status: runner.StatusSuccess, Deploy: runner.DeployFailure},
		}),
	}
}

func TestWebhookTransportSignsBody(t *testing.T) {
	var (
		body      []byte
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewWebhookTransport(srv.URL, "hook-secret", srv.Client())
	require.NoError(t, tr.Send(context.Background(), sampleNotification()))

	assert.JSONEq(t, `{
		"event": "failure",
		"run_id": "run-1",
		"branch": "master",
		"jobs": [
			{"name": "A", "status": "success", "deploy": "not_triggered"},
			{"name": "C", "status": "success", "deploy": "failure"}
		]
	}`, string(body))
	assert.NoError(t, webhook.Verify(body, signature, "hook-secret"))
	assert.Error(t, webhook.Verify(body, signature, "other-secret"))
}

func TestWebhookTransportSuppressedSendsNothing(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := sampleNotification()
	n.Suppressed = true
	require.NoError(t, NewWebhookTransport(srv.URL, "", srv.Client()).Send(context.Background(), n))
	assert.Zero(t, calls.Load())
}

func TestWebhookTransportServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookTransport(srv.URL, "", srv.Client()).Send(context.Background(), sampleNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHubTransport(t *testing.T) {
	hub := events.NewHub(8)
	tr := NewHubTransport(hub)

	suppressed := sampleNotification()
	suppressed.Suppressed = true
	require.NoError(t, tr.Send(context.Background(), suppressed))
	assert.Empty(t, hub.SnapshotSince(0))

	require.NoError(t, tr.Send(context.Background(), sampleNotification()))
	evs := hub.SnapshotSince(0)
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeNotification, evs[0].Type)

	var payload events.Notification
	require.NoError(t, evs[0].Decode(&payload))
	assert.Equal(t, "failure", payload.Event)
	assert.Equal(t, "run-1", payload.RunID)
}

type failingTransport struct{ err error }

func (f failingTransport) Send(context.Context, Notification) error { return f.err }

type countingTransport struct{ n *int }

func (c countingTransport) Send(_ context.Context, n Notification) error {
	if !n.Suppressed {
		*c.n++
	}
	return nil
}

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	sent := 0
	m := Multi{failingTransport{err: boom}, nil, countingTransport{n: &sent}, NewLogTransport()}

	err := m.Send(context.Background(), sampleNotification())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sent)

	suppressed := sampleNotification()
	suppressed.Suppressed = true
	assert.NoError(t, m.Send(context.Background(), suppressed))
	assert.Equal(t, 1, sent)
}
