package autosave

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/wsrelay/internal/actor"
	"github.com/codefionn/wsrelay/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientRejectsBadURLs(t *testing.T) {
	for _, raw := range []string{"", "ftp://host/api", "http://", "::not a url"} {
		_, err := NewClient(ClientConfig{BaseURL: raw})
		assert.Error(t, err, raw)
	}
}

func TestRequestURLEncodesSegments(t *testing.T) {
	c, err := NewClient(ClientConfig{BaseURL: "http://localhost:3002/api/autosave/"})
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:3002/api/autosave/sam/autosave%20requested",
		c.RequestURL("sam", "autosave requested"))
	assert.Equal(t, "http://localhost:3002/api/autosave/a%2Fb/%E8%87%AA%E5%8B%95",
		c.RequestURL("a/b", "自動"))
}

func TestEscapeSegmentMatchesEncodeURIComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a+b", "a%2Bb"},
		{"x&y=z", "x%26y%3Dz"},
		{"user@host:80", "user%40host%3A80"},
		{"$1,2;3", "%241%2C2%3B3"},
		{"a b", "a%20b"},
		{"it's (ok)!*~", "it's%20(ok)!*~"},
		{"100%", "100%25"},
		{"-_.", "-_."},
		{"?#/", "%3F%23%2F"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeSegment(tt.in))
		})
	}

	c, err := NewClient(ClientConfig{BaseURL: "http://localhost:3002/api/autosave"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3002/api/autosave/a%2Bb/x%26y", c.RequestURL("a+b", "x&y"))
}

func TestNotifySuccess(t *testing.T) {
	var gotPath, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAgent = r.UserAgent()
		_, _ = w.Write([]byte(`{"saved":true}`))
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL + "/api/autosave", Timeout: time.Second})
	require.NoError(t, err)

	body, err := c.Notify(context.Background(), "sam", "last one out")
	require.NoError(t, err)
	assert.Equal(t, `{"saved":true}`, body)
	assert.Equal(t, "/api/autosave/sam/last%20one%20out", gotPath)
	assert.Equal(t, defaultUserAgent, gotAgent)
}

func TestNotifyStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = c.Notify(context.Background(), "sam", "r")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Equal(t, "storage offline", statusErr.Body)
}

type failingHTTPClient struct{}

func (failingHTTPClient) Do(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestNotifyTransportError(t *testing.T) {
	c, err := NewClient(ClientConfig{BaseURL: "http://localhost:1", HTTPClient: failingHTTPClient{}})
	require.NoError(t, err)

	_, err = c.Notify(context.Background(), "sam", "r")
	assert.ErrorContains(t, err, "connection refused")
}

type stubNotifier struct {
	mu    sync.Mutex
	calls []Request
	err   error
}

func (n *stubNotifier) Notify(_ context.Context, username, reason string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, Request{Username: username, Reason: reason})
	if n.err != nil {
		return "", n.err
	}
	return "ok", nil
}

func TestNotifierActorReportsOutcome(t *testing.T) {
	results := make(chan Result, 2)
	n := &stubNotifier{}
	a := NewNotifierActor(n, logger.Global(), results)

	ref := actor.NewActorRef(a.ID(), a, 4)
	require.NoError(t, ref.Start(context.Background()))
	defer ref.Stop(context.Background())

	require.NoError(t, ref.Send(Request{Username: "sam", Reason: "bye"}))

	select {
	case res := <-results:
		assert.NoError(t, res.Err)
		assert.Equal(t, "ok", res.Body)
		assert.Equal(t, "sam", res.Request.Username)
	case <-time.After(time.Second):
		t.Fatal("no result")
	}
}

func TestNotifierActorSwallowsFailure(t *testing.T) {
	n := &stubNotifier{err: errors.New("down")}
	a := NewNotifierActor(n, logger.Global(), nil)

	err := a.Receive(context.Background(), Request{Username: "sam", Reason: "bye"})
	assert.NoError(t, err)
	assert.Len(t, n.calls, 1)
}

type recordingMailbox struct {
	sent []actor.Message
	err  error
}

func (m *recordingMailbox) Send(msg actor.Message) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type recordingFinalizer struct {
	docs []string
	err  error
}

func (f *recordingFinalizer) Finalize(_ context.Context, docID string) error {
	f.docs = append(f.docs, docID)
	return f.err
}

func TestServiceTrigger(t *testing.T) {
	f := &recordingFinalizer{}
	mb := &recordingMailbox{}
	svc := NewService("docId1234", "autosave requested", f, mb, logger.Global())

	svc.Trigger("sam")

	assert.Equal(t, []string{"docId1234"}, f.docs)
	require.Len(t, mb.sent, 1)
	assert.Equal(t, Request{Username: "sam", Reason: "autosave requested"}, mb.sent[0])
}

func TestServiceTriggerToleratesFailures(t *testing.T) {
	f := &recordingFinalizer{err: errors.New("locked")}
	mb := &recordingMailbox{err: actor.ErrMailboxFull}
	svc := NewService("doc", "r", f, mb, logger.Global())

	assert.NotPanics(t, func() { svc.Trigger("sam") })
	assert.Len(t, f.docs, 1)
}

func TestLogFinalizer(t *testing.T) {
	f := LogFinalizer{Log: logger.Global()}
	assert.NoError(t, f.Finalize(context.Background(), "doc"))
	assert.Error(t, f.Finalize(context.Background(), ""))
}
