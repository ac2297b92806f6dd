// Package host defines the contract with the external tab subsystem.
//
// The host owns which tabs exist; the engine only mirrors it. Host identifiers
// (tab, window, tab group) are integers assigned by the host and are NOT
// stable across host restarts.
package host

import "context"

// TabRecord is one live tab as reported by the host.
type TabRecord struct {
	ID         int    `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title"`
	FavIconURL string `json:"favIconUrl"`
	Pinned     bool   `json:"pinned"`
	GroupID    int    `json:"groupId"` // host tab-group id, 0 if ungrouped
	WindowID   int    `json:"windowId"`
	Index      int    `json:"index"`
	OpenerID   int    `json:"openerTabId"` // 0 when the tab was not opened from another
}

// GroupRecord is one live host-level tab group.
type GroupRecord struct {
	ID       int    `json:"id"`
	Title    string `json:"title"`
	Color    string `json:"color"`
	WindowID int    `json:"windowId"`
}

// Registry is the outbound surface of the host tab subsystem.
//
// All calls are advisory from the tree's point of view: the in-memory tree is
// updated before the call is issued, and a failed call never rolls the tree
// back.
type Registry interface {
	// Create opens a new tab. parentHint, when non-zero, names the opener tab.
	Create(ctx context.Context, url string, parentHint int) (int, error)
	// Move repositions a tab within its window.
	Move(ctx context.Context, tabID, index int) error
	// Remove closes a tab.
	Remove(ctx context.Context, tabID int) error
	// Duplicate clones a tab and returns the new tab's id.
	Duplicate(ctx context.Context, tabID int) (int, error)
	// Group places tabs into a host-level tab group and returns its id.
	Group(ctx context.Context, tabIDs []int) (int, error)
	// QueryAll enumerates the live tab inventory.
	QueryAll(ctx context.Context) ([]TabRecord, error)
	// QueryGroups enumerates live host-level tab groups.
	QueryGroups(ctx context.Context) ([]GroupRecord, error)
}

// EventType enumerates host tab lifecycle events.
type EventType string

const (
	EventCreated   EventType = "created"
	EventRemoved   EventType = "removed"
	EventMoved     EventType = "moved"
	EventUpdated   EventType = "updated"
	EventAttached  EventType = "attached"
	EventDetached  EventType = "detached"
	EventActivated EventType = "activated"
)

// Event is one host tab lifecycle notification.
type Event struct {
	Type     EventType
	TabID    int
	WindowID int
	Index    int
	Tab      *TabRecord // set for created and updated
}

// EventSource delivers host events. The channel is closed when the source
// shuts down.
type EventSource interface {
	Events() <-chan Event
}
