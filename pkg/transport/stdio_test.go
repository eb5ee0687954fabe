package transport_test

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdioTransport(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer outR.Close()

	f := newFactory(t, testConfig(transport.TypeStdio), transport.WithStdio(inR, outW))

	var mu sync.Mutex
	var events []string
	record := func(kind string) func(string) {
		return func(id string) {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, kind+":"+id)
		}
	}
	srv := mcp.NewServer(mcp.Info{Name: "test", Version: "1.0"}, toolHandler(f.Progress()))
	require.NoError(t, f.Start(srv, transport.Callbacks{
		OnConnect:    record("connect"),
		OnDisconnect: record("disconnect"),
	}))

	assert.Empty(t, f.Addr())
	assert.Nil(t, f.Handler())

	sessions := f.Sessions().List(transport.StdioClientID)
	require.Len(t, sessions, 1)
	id := sessions[0].ID
	assert.Equal(t, "stdio", sessions[0].Metadata["transport"])

	before := sessions[0].LastActivityAt

	_, err := io.WriteString(inW, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	require.NoError(t, err)

	lines := bufio.NewReader(outR)
	line, err := lines.ReadString('\n')
	require.NoError(t, err)

	var msg mcp.JSONRPCMessage
	require.NoError(t, json.Unmarshal([]byte(line), &msg))
	assert.Equal(t, mcp.MustString("1"), msg.ID)
	assert.Nil(t, msg.Error)

	sess, ok := f.Sessions().GetSession(id)
	require.True(t, ok)
	assert.False(t, sess.LastActivityAt.Before(before))

	require.NoError(t, inW.Close())

	select {
	case <-f.Done():
	case <-time.After(waitTimeout):
		t.Fatal("server did not stop after input closed")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, waitTimeout, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"connect:" + id, "disconnect:" + id}, events)
}

func TestStdioStartTwice(t *testing.T) {
	inR, inW := io.Pipe()
	defer inW.Close()

	f := newFactory(t, testConfig(transport.TypeStdio), transport.WithStdio(inR, io.Discard))

	srv := mcp.NewServer(mcp.Info{Name: "test", Version: "1.0"}, nil)
	_, err := f.CreateTransport(srv)
	require.NoError(t, err)

	_, err = f.CreateTransport(mcp.NewServer(mcp.Info{Name: "test", Version: "1.0"}, nil))
	require.ErrorIs(t, err, transport.ErrServerRunning)

	// The session created by the rejected call is discarded.
	assert.Len(t, f.Sessions().List(transport.StdioClientID), 1)
}
