package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "appbase/internal/errors"
)

func TestEventFromError(t *testing.T) {
	err := xerrors.Wrap(xerrors.CodeStartFailed, errors.New("port in use"), "start plugin http", xerrors.WithPlugin("http"))
	ev := EventFromError(err, "node-1")

	assert.Equal(t, xerrors.CodeStartFailed, ev.Code)
	assert.Equal(t, xerrors.SeverityCritical, ev.Severity)
	assert.Equal(t, "http", ev.Plugin)
	assert.Equal(t, "node-1", ev.Instance)
	assert.Contains(t, ev.Message, "port in use")
	assert.False(t, ev.OccurredAt.IsZero())

	plain := EventFromError(errors.New("oops"), "")
	assert.Equal(t, xerrors.CodeUnknown, plain.Code)
}

func TestWebhookNotifierPostsJSON(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	err := n.Notify(context.Background(), Event{Code: xerrors.CodeTaskFailed, Severity: xerrors.SeverityCritical, Message: "loop died", Plugin: "p2p"})
	require.NoError(t, err)

	assert.Contains(t, got.Text, "TASK_FAILED")
	assert.Contains(t, got.Text, "p2p")
	assert.Equal(t, "loop died", got.Event.Message)
}

func TestWebhookNotifierReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL}
	assert.Error(t, n.Notify(context.Background(), Event{Code: xerrors.CodeStopFailed}))
	assert.NoError(t, (&WebhookNotifier{}).Notify(context.Background(), Event{}))
}

type failingNotifier struct{}

func (failingNotifier) Channel() Channel { return ChannelWebhook }
func (failingNotifier) Notify(context.Context, Event) error {
	return errors.New("unreachable")
}

func TestFanoutDispatchesToEveryChannel(t *testing.T) {
	var buf bytes.Buffer
	logN := &LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	d := NewFanout(logN, failingNotifier{}, nil)

	err := d.Notify(context.Background(), Event{Code: xerrors.CodeStopFailed, Message: "db stuck", Metadata: map[string]string{"plugin": "db"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel webhook")
	assert.Contains(t, buf.String(), "db stuck")
	assert.Contains(t, buf.String(), "meta.plugin=db")

	var nilFanout *FanoutDispatcher
	assert.NoError(t, nilFanout.Notify(context.Background(), Event{}))
}
