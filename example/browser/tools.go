package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
	"github.com/MegaGrindStone/browser-mcp/pkg/session"
)

// browserTools is a stand-in for a real browser driver. It records what a page load would
// leave behind in the session's browser state and reports the load as progress.
type browserTools struct {
	sessions  *session.Manager
	notifier  *progress.Notifier
	logger    *slog.Logger
	stepDelay time.Duration
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type navigateArgs struct {
	URL string `json:"url"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

var tools = []tool{
	{
		Name:        "navigate",
		Description: "Navigates the browser to a URL",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
	},
	{
		Name:        "snapshot",
		Description: "Describes the current page of the session",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	},
}

var navigationSteps = []string{"resolving host", "loading document", "rendering page"}

func newBrowserTools(sessions *session.Manager, notifier *progress.Notifier, logger *slog.Logger) *browserTools {
	return &browserTools{
		sessions:  sessions,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "browser-tools")),
		stepDelay: 200 * time.Millisecond,
	}
}

func (b *browserTools) Handle(ctx context.Context, req mcp.Request) (any, error) {
	switch req.Method {
	case "tools/list":
		return map[string]any{"tools": tools}, nil
	case "tools/call":
	default:
		return nil, mcp.ErrMethodNotFound
	}

	var params callToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err),
		}
	}

	token := progress.Token(req.ProgressToken)

	switch params.Name {
	case "navigate":
		var args navigateArgs
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return nil, &mcp.JSONRPCError{
				Code:    mcp.JSONRPCInvalidParamsCode,
				Message: fmt.Sprintf("failed to unmarshal arguments: %s", err),
			}
		}
		return progress.RunValue(ctx, b.notifier, token, "navigating", func(ctx context.Context, t *progress.Tracker) (callToolResult, error) {
			return b.navigate(ctx, t, req.SessionID, args.URL)
		})
	case "snapshot":
		return b.snapshot(req.SessionID)
	default:
		return nil, &mcp.JSONRPCError{
			Code:    mcp.JSONRPCInvalidParamsCode,
			Message: fmt.Sprintf("unknown tool: %s", params.Name),
		}
	}
}

func (b *browserTools) navigate(ctx context.Context, t *progress.Tracker, sessionID, rawURL string) (callToolResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return callToolResult{}, fmt.Errorf("invalid url %q", rawURL)
	}

	t.Start(len(navigationSteps), "navigating to "+u.String())
	for _, step := range navigationSteps {
		select {
		case <-ctx.Done():
			return callToolResult{}, ctx.Err()
		case <-time.After(b.stepDelay):
		}
		t.Step(step)
	}

	current, err := json.Marshal(u.String())
	if err != nil {
		return callToolResult{}, fmt.Errorf("failed to marshal url: %w", err)
	}
	visitedAt, err := json.Marshal(time.Now().UTC())
	if err != nil {
		return callToolResult{}, fmt.Errorf("failed to marshal time: %w", err)
	}

	if !b.sessions.UpdateBrowserState(sessionID, map[string]json.RawMessage{
		"currentUrl": current,
		"visitedAt":  visitedAt,
	}) {
		b.logger.Warn("navigation finished for unknown session", slog.String("sessionID", sessionID))
	}

	return callToolResult{Content: []content{{Type: "text", Text: "Navigated to " + u.String()}}}, nil
}

func (b *browserTools) snapshot(sessionID string) (callToolResult, error) {
	sess, ok := b.sessions.GetSession(sessionID)
	if !ok {
		return callToolResult{}, errors.New("session not found")
	}

	raw, ok := sess.BrowserState["currentUrl"]
	if !ok {
		return callToolResult{
			Content: []content{{Type: "text", Text: "No page loaded yet, call navigate first"}},
			IsError: true,
		}, nil
	}

	var current string
	if err := json.Unmarshal(raw, &current); err != nil {
		return callToolResult{}, fmt.Errorf("failed to read current url: %w", err)
	}
	text := fmt.Sprintf("Session %s (client %s) is on %s", sess.ID, sess.ClientID, current)
	return callToolResult{Content: []content{{Type: "text", Text: text}}}, nil
}
