// Package ws bridges the engine to the browser extension over a WebSocket:
// inbound tab lifecycle events, outbound correlated commands.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/infrastructure/monitoring"
)

// ErrNotConnected is returned for outbound calls while no extension is
// attached.
var ErrNotConnected = errors.New("extension not connected")

const (
	// Snapshot-sized inventories can be large.
	maxMessageSize = 16 << 20
	writeWait      = 10 * time.Second
)

// command is one outbound request to the extension. ID correlates the
// response.
type command struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	TabID    int    `json:"tabId,omitempty"`
	TabIDs   []int  `json:"tabIds,omitempty"`
	Index    int    `json:"index"`
	OpenerID int    `json:"openerTabId,omitempty"`
}

// inbound is any message from the extension: a lifecycle event or a command
// response.
type inbound struct {
	Type string `json:"type"` // "event" or "response"

	// Event fields.
	Event    string          `json:"event,omitempty"`
	TabID    int             `json:"tabId,omitempty"`
	WindowID int             `json:"windowId,omitempty"`
	Index    int             `json:"index,omitempty"`
	Tab      *host.TabRecord `json:"tab,omitempty"`

	// Response fields.
	ID       string             `json:"id,omitempty"`
	OK       *bool              `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
	NewTabID int                `json:"newTabId,omitempty"`
	GroupID  int                `json:"groupId,omitempty"`
	Tabs     []host.TabRecord   `json:"tabs,omitempty"`
	Groups   []host.GroupRecord `json:"groups,omitempty"`
}

// Bridge implements host.Registry and host.EventSource over one extension
// connection. A new connection replaces the previous one; pending calls on
// the replaced connection fail.
type Bridge struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	timeout time.Duration

	upgrader websocket.Upgrader

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan inbound

	events chan host.Event
	closed bool
}

// NewBridge creates a bridge. timeout bounds every outbound call.
func NewBridge(log *logging.Logger, metrics *monitoring.Metrics, timeout time.Duration) *Bridge {
	if log == nil {
		log = logging.NewNop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Bridge{
		log:     log,
		metrics: metrics,
		timeout: timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The extension connects from its own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(map[string]chan inbound),
		events:  make(chan host.Event, 256),
	}
}

// Events implements host.EventSource.
func (b *Bridge) Events() <-chan host.Event { return b.events }

// Connected reports whether an extension is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conn != nil
}

// Handle upgrades one HTTP request and serves it until the peer disconnects.
func (b *Bridge) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	if b.conn != nil {
		b.log.Info("extension connection replaced")
		b.conn.Close()
		b.failPendingLocked(ErrNotConnected)
	}
	b.conn = conn
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.WSConnections.Inc()
	}
	b.log.Info("extension connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		b.mu.Lock()
		if b.conn == conn {
			b.conn = nil
			b.failPendingLocked(ErrNotConnected)
		}
		b.mu.Unlock()
		conn.Close()
		if b.metrics != nil {
			b.metrics.WSConnections.Dec()
		}
		b.log.Info("extension disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := sonic.Unmarshal(data, &msg); err != nil {
			b.log.Warn("unparseable extension message", zap.Error(err))
			continue
		}
		b.dispatch(msg)
	}
}

// Close shuts the bridge down; the event channel closes.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.failPendingLocked(ErrNotConnected)
	close(b.events)
}

func (b *Bridge) dispatch(msg inbound) {
	switch msg.Type {
	case "event":
		ev := host.Event{
			Type:     host.EventType(msg.Event),
			TabID:    msg.TabID,
			WindowID: msg.WindowID,
			Index:    msg.Index,
			Tab:      msg.Tab,
		}
		select {
		case b.events <- ev:
		default:
			b.log.Warn("event queue full, dropping", zap.String("event", msg.Event))
		}
	case "response":
		b.mu.Lock()
		ch, ok := b.pending[msg.ID]
		if ok {
			delete(b.pending, msg.ID)
		}
		b.mu.Unlock()
		if ok {
			ch <- msg
		}
	default:
		b.log.Debug("unknown message type", zap.String("type", msg.Type))
	}
}

// call sends a command and waits for its correlated response.
func (b *Bridge) call(ctx context.Context, cmd command) (inbound, error) {
	cmd.ID = uuid.NewString()

	data, err := sonic.Marshal(cmd)
	if err != nil {
		return inbound{}, fmt.Errorf("encode %s: %w", cmd.Action, err)
	}

	ch := make(chan inbound, 1)
	b.mu.Lock()
	conn := b.conn
	if conn == nil {
		b.mu.Unlock()
		return inbound{}, ErrNotConnected
	}
	b.pending[cmd.ID] = ch
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	b.mu.Unlock()
	if err != nil {
		b.forget(cmd.ID)
		return inbound{}, fmt.Errorf("send %s: %w", cmd.Action, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.OK != nil && !*resp.OK {
			return inbound{}, fmt.Errorf("%s: %s", cmd.Action, resp.Error)
		}
		if resp.Error != "" {
			return inbound{}, fmt.Errorf("%s: %s", cmd.Action, resp.Error)
		}
		return resp, nil
	case <-timer.C:
		b.forget(cmd.ID)
		return inbound{}, fmt.Errorf("%s: %w", cmd.Action, context.DeadlineExceeded)
	case <-ctx.Done():
		b.forget(cmd.ID)
		return inbound{}, ctx.Err()
	}
}

func (b *Bridge) forget(callID string) {
	b.mu.Lock()
	delete(b.pending, callID)
	b.mu.Unlock()
}

func (b *Bridge) failPendingLocked(err error) {
	for callID, ch := range b.pending {
		delete(b.pending, callID)
		f := false
		ch <- inbound{OK: &f, Error: err.Error()}
	}
}

func (b *Bridge) record(action string, err error) {
	if b.metrics != nil {
		b.metrics.RecordHostCall(action, err)
	}
}

// Create implements host.Registry.
func (b *Bridge) Create(ctx context.Context, url string, parentHint int) (int, error) {
	resp, err := b.call(ctx, command{Action: "create", URL: url, OpenerID: parentHint})
	b.record("create", err)
	if err != nil {
		return 0, err
	}
	return resp.NewTabID, nil
}

// Move implements host.Registry.
func (b *Bridge) Move(ctx context.Context, tabID, index int) error {
	_, err := b.call(ctx, command{Action: "move", TabID: tabID, Index: index})
	b.record("move", err)
	return err
}

// Remove implements host.Registry.
func (b *Bridge) Remove(ctx context.Context, tabID int) error {
	_, err := b.call(ctx, command{Action: "remove", TabID: tabID})
	b.record("remove", err)
	return err
}

// Duplicate implements host.Registry.
func (b *Bridge) Duplicate(ctx context.Context, tabID int) (int, error) {
	resp, err := b.call(ctx, command{Action: "duplicate", TabID: tabID})
	b.record("duplicate", err)
	if err != nil {
		return 0, err
	}
	return resp.NewTabID, nil
}

// Group implements host.Registry.
func (b *Bridge) Group(ctx context.Context, tabIDs []int) (int, error) {
	resp, err := b.call(ctx, command{Action: "group", TabIDs: tabIDs})
	b.record("group", err)
	if err != nil {
		return 0, err
	}
	return resp.GroupID, nil
}

// QueryAll implements host.Registry.
func (b *Bridge) QueryAll(ctx context.Context) ([]host.TabRecord, error) {
	resp, err := b.call(ctx, command{Action: "query_all"})
	b.record("query_all", err)
	if err != nil {
		return nil, err
	}
	return resp.Tabs, nil
}

// QueryGroups implements host.Registry.
func (b *Bridge) QueryGroups(ctx context.Context) ([]host.GroupRecord, error) {
	resp, err := b.call(ctx, command{Action: "query_groups"})
	b.record("query_groups", err)
	if err != nil {
		return nil, err
	}
	return resp.Groups, nil
}
