package transport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
	"github.com/MegaGrindStone/browser-mcp/pkg/transport"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

const waitTimeout = 5 * time.Second

// toolHandler answers "tools/call" after reporting two steps of progress for the request's
// token.
func toolHandler(n *progress.Notifier) mcp.Handler {
	return mcp.HandlerFunc(func(_ context.Context, req mcp.Request) (any, error) {
		if req.Method != "tools/call" {
			return nil, mcp.ErrMethodNotFound
		}
		tr := n.CreateTracker(progress.Token(req.ProgressToken))
		tr.Start(2, "working")
		tr.Step("half way")
		tr.Complete("done")
		return map[string]any{"ok": true}, nil
	})
}

func testConfig(typ transport.Type) transport.Config {
	cfg := transport.DefaultConfig()
	cfg.Type = typ
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.SessionTimeout = time.Minute
	return cfg
}

// newFactory creates a factory that is cleaned up with the test.
func newFactory(t *testing.T, cfg transport.Config, options ...transport.Option) *transport.Factory {
	t.Helper()

	f, err := transport.New(cfg, options...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := f.Cleanup(ctx); err != nil {
			t.Logf("cleanup: %v", err)
		}
	})
	return f
}

// startFactory starts a factory of the given type serving toolHandler and returns it with
// the base URL of its routes.
func startFactory(t *testing.T, cfg transport.Config, cb transport.Callbacks) (*transport.Factory, string) {
	t.Helper()

	f := newFactory(t, cfg)

	srv := mcp.NewServer(mcp.Info{Name: "test", Version: "1.0"}, toolHandler(f.Progress()))
	require.NoError(t, f.Start(srv, cb))

	return f, "http://" + f.Addr() + cfg.Path
}

type eventStream struct {
	resp   *http.Response
	events chan sse.Event
	cancel context.CancelFunc
}

// openStream issues a GET and parses the response as an event stream.
func openStream(t *testing.T, url string, headers map[string]string) *eventStream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	s := &eventStream{resp: resp, events: make(chan sse.Event, 32), cancel: cancel}
	go func() {
		defer close(s.events)
		defer resp.Body.Close()
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			s.events <- ev
		}
	}()
	t.Cleanup(cancel)

	return s
}

// next returns the next event of the given type, skipping others.
func (s *eventStream) next(t *testing.T, eventType string) sse.Event {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				t.Fatalf("stream closed while waiting for %q event", eventType)
			}
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for %q event", eventType)
		}
	}
}

// waitClosed waits for the server to end the stream.
func (s *eventStream) waitClosed(t *testing.T) {
	t.Helper()

	timeout := time.After(waitTimeout)
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for stream to close")
		}
	}
}

// readEvents reads a finite event stream until the server ends it.
func readEvents(t *testing.T, resp *http.Response) []sse.Event {
	t.Helper()

	var events []sse.Event
	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func doRequest(t *testing.T, method, url string, headers map[string]string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		bs, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(bs)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func errorBody(t *testing.T, body []byte) string {
	t.Helper()

	var out struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &out), string(body))
	require.NotEmpty(t, out.Error)
	return out.Error
}

func toolCall(id int, token string) map[string]any {
	params := map[string]any{"name": "navigate"}
	if token != "" {
		params["_meta"] = map[string]any{"progressToken": token}
	}
	return map[string]any{
		"jsonrpc": mcp.JSONRPCVersion,
		"id":      id,
		"method":  "tools/call",
		"params":  params,
	}
}

func decodeProgress(t *testing.T, data string) mcp.ProgressParams {
	t.Helper()

	var msg mcp.JSONRPCMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	require.Equal(t, mcp.MethodNotificationsProgress, msg.Method)

	var params mcp.ProgressParams
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	return params
}
