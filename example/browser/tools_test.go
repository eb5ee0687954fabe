package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
	"github.com/MegaGrindStone/browser-mcp/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTools(t *testing.T) (*browserTools, *session.Manager, *progress.Notifier) {
	t.Helper()

	sessions := session.NewManager()
	t.Cleanup(sessions.Close)
	notifier := progress.NewNotifier()
	t.Cleanup(notifier.Cleanup)

	b := newBrowserTools(sessions, notifier, slog.Default())
	b.stepDelay = 0
	return b, sessions, notifier
}

func callTool(name string, args any) mcp.Request {
	params, _ := json.Marshal(map[string]any{"name": name, "arguments": args})
	return mcp.Request{ID: "1", Method: "tools/call", Params: params}
}

func TestNavigateRecordsStateAndProgress(t *testing.T) {
	b, sessions, notifier := newTestTools(t)
	sess := sessions.CreateSession("agent", nil)

	var mu sync.Mutex
	var updates []progress.Update
	notifier.Subscribe("nav", func(u progress.Update) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, u)
	})

	req := callTool("navigate", map[string]string{"url": "https://example.com/docs"})
	req.SessionID = sess.ID
	req.ProgressToken = "nav"

	res, err := b.Handle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Navigated to https://example.com/docs", res.(callToolResult).Content[0].Text)

	got, ok := sessions.GetSession(sess.ID)
	require.True(t, ok)
	assert.JSONEq(t, `"https://example.com/docs"`, string(got.BrowserState["currentUrl"]))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.True(t, last.Final)
	assert.False(t, last.Failed())
	assert.Equal(t, float64(len(navigationSteps)), last.Progress)

	snap, err := b.Handle(context.Background(), mcp.Request{SessionID: sess.ID, Method: "tools/call",
		Params: json.RawMessage(`{"name":"snapshot"}`)})
	require.NoError(t, err)
	assert.Contains(t, snap.(callToolResult).Content[0].Text, "https://example.com/docs")
}

func TestNavigateInvalidURLFailsOperation(t *testing.T) {
	b, sessions, notifier := newTestTools(t)
	sess := sessions.CreateSession("agent", nil)

	var last progress.Update
	notifier.Subscribe("bad", func(u progress.Update) { last = u })

	req := callTool("navigate", map[string]string{"url": "not a url"})
	req.SessionID = sess.ID
	req.ProgressToken = "bad"

	_, err := b.Handle(context.Background(), req)
	require.Error(t, err)
	assert.True(t, last.Failed())
}

func TestHandleErrors(t *testing.T) {
	b, _, _ := newTestTools(t)

	_, err := b.Handle(context.Background(), mcp.Request{Method: "resources/list"})
	require.ErrorIs(t, err, mcp.ErrMethodNotFound)

	_, err = b.Handle(context.Background(), callTool("click", nil))
	var rpcErr *mcp.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, mcp.JSONRPCInvalidParamsCode, rpcErr.Code)

	res, err := b.Handle(context.Background(), mcp.Request{Method: "tools/list"})
	require.NoError(t, err)
	assert.Len(t, res.(map[string]any)["tools"], len(tools))
}
