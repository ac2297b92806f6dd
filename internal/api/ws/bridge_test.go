package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortabs/arbor/internal/host"
)

// fakeExtension dials the bridge and answers commands via respond.
type fakeExtension struct {
	conn *websocket.Conn
	cmds chan command
}

func dialBridge(t *testing.T, b *Bridge) *fakeExtension {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(b.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	ext := &fakeExtension{conn: conn, cmds: make(chan command, 16)}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(ext.cmds)
				return
			}
			var cmd command
			if sonic.Unmarshal(data, &cmd) == nil {
				ext.cmds <- cmd
			}
		}
	}()

	require.Eventually(t, b.Connected, time.Second, 5*time.Millisecond)
	return ext
}

func (f *fakeExtension) send(t *testing.T, msg inbound) {
	t.Helper()
	data, err := sonic.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, f.conn.WriteMessage(websocket.TextMessage, data))
}

func okPtr() *bool { v := true; return &v }

func TestEventReachesChannel(t *testing.T) {
	b := NewBridge(nil, nil, time.Second)
	defer b.Close()
	ext := dialBridge(t, b)

	ext.send(t, inbound{
		Type:     "event",
		Event:    "created",
		TabID:    42,
		WindowID: 1,
		Tab:      &host.TabRecord{ID: 42, URL: "https://a.example"},
	})

	select {
	case ev := <-b.Events():
		assert.Equal(t, host.EventCreated, ev.Type)
		assert.Equal(t, 42, ev.TabID)
		require.NotNil(t, ev.Tab)
		assert.Equal(t, "https://a.example", ev.Tab.URL)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	b := NewBridge(nil, nil, time.Second)
	defer b.Close()
	ext := dialBridge(t, b)

	type result struct {
		tabID int
		err   error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		id, err := b.Duplicate(context.Background(), 100)
		first <- result{id, err}
	}()
	go func() {
		id, err := b.Duplicate(context.Background(), 200)
		second <- result{id, err}
	}()

	cmdA := <-ext.cmds
	cmdB := <-ext.cmds
	if cmdA.TabID != 100 {
		cmdA, cmdB = cmdB, cmdA
	}

	// Answer in reverse order; correlation ids must still route correctly.
	ext.send(t, inbound{Type: "response", ID: cmdB.ID, OK: okPtr(), NewTabID: 201})
	ext.send(t, inbound{Type: "response", ID: cmdA.ID, OK: okPtr(), NewTabID: 101})

	r1 := <-first
	r2 := <-second
	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, 101, r1.tabID)
	assert.Equal(t, 201, r2.tabID)
}

func TestCallErrorResponse(t *testing.T) {
	b := NewBridge(nil, nil, time.Second)
	defer b.Close()
	ext := dialBridge(t, b)

	errs := make(chan error, 1)
	go func() {
		errs <- b.Move(context.Background(), 7, 0)
	}()

	cmd := <-ext.cmds
	assert.Equal(t, "move", cmd.Action)
	f := false
	ext.send(t, inbound{Type: "response", ID: cmd.ID, OK: &f, Error: "no such tab"})

	err := <-errs
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such tab")
}

func TestCallWithoutConnection(t *testing.T) {
	b := NewBridge(nil, nil, time.Second)
	defer b.Close()

	_, err := b.QueryAll(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestCallTimesOut(t *testing.T) {
	b := NewBridge(nil, nil, 50*time.Millisecond)
	defer b.Close()
	ext := dialBridge(t, b)

	err := b.Remove(context.Background(), 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	<-ext.cmds // the command did go out
}

func TestQueryAllDecodesInventory(t *testing.T) {
	b := NewBridge(nil, nil, time.Second)
	defer b.Close()
	ext := dialBridge(t, b)

	type result struct {
		tabs []host.TabRecord
		err  error
	}
	got := make(chan result, 1)
	go func() {
		tabs, err := b.QueryAll(context.Background())
		got <- result{tabs, err}
	}()

	cmd := <-ext.cmds
	assert.Equal(t, "query_all", cmd.Action)
	ext.send(t, inbound{Type: "response", ID: cmd.ID, OK: okPtr(), Tabs: []host.TabRecord{
		{ID: 1, URL: "https://a.example", WindowID: 1, Pinned: true},
		{ID: 2, URL: "https://b.example", WindowID: 1, OpenerID: 1},
	}})

	r := <-got
	require.NoError(t, r.err)
	require.Len(t, r.tabs, 2)
	assert.True(t, r.tabs[0].Pinned)
	assert.Equal(t, 1, r.tabs[1].OpenerID)
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	b := NewBridge(nil, nil, 5*time.Second)
	defer b.Close()
	ext := dialBridge(t, b)

	errs := make(chan error, 1)
	go func() {
		_, err := b.Group(context.Background(), []int{1, 2})
		errs <- err
	}()
	<-ext.cmds

	ext.conn.Close()

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending call not failed on disconnect")
	}
}
