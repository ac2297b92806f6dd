package tree

import "github.com/arbortabs/arbor/internal/shared/id"

// NodeKind distinguishes real tabs from synthetic group placeholders.
type NodeKind string

const (
	// KindTab marks a node bound to a real host tab.
	KindTab NodeKind = "tab"
	// KindGroup marks a synthetic placeholder node bound to a group.
	KindGroup NodeKind = "group"
)

// Node is one hierarchy entry.
//
// TabID is the host binding for KindTab nodes; it is rebindable because host
// ids do not survive restarts. GroupID is the binding for KindGroup nodes and,
// for KindTab nodes, an optional membership marker.
type Node struct {
	ID       id.NodeID   `json:"id"`
	Kind     NodeKind    `json:"kind"`
	TabID    int         `json:"tabId,omitempty"`
	GroupID  id.GroupID  `json:"groupId,omitempty"`
	ParentID id.NodeID   `json:"parentId,omitempty"`
	Children []id.NodeID `json:"children,omitempty"`
	Depth    int         `json:"depth"`
	ViewID   id.ViewID   `json:"viewId"`
	Expanded bool        `json:"expanded"`

	// Durable render cache; avoids flicker while the host reloads tabs
	// after a restart.
	URL        string `json:"url,omitempty"`
	Title      string `json:"title,omitempty"`
	FavIconURL string `json:"favIconUrl,omitempty"`
}

// NewTabNode creates a detached node bound to a host tab.
func NewTabNode(tabID int, viewID id.ViewID) *Node {
	return &Node{
		ID:       id.NewNodeID(),
		Kind:     KindTab,
		TabID:    tabID,
		ViewID:   viewID,
		Expanded: true,
	}
}

// NewGroupNode creates a detached placeholder node bound to a group.
func NewGroupNode(groupID id.GroupID, viewID id.ViewID) *Node {
	return &Node{
		ID:       id.NewNodeID(),
		Kind:     KindGroup,
		GroupID:  groupID,
		ViewID:   viewID,
		Expanded: true,
	}
}

// IsRoot reports whether the node sits at the top level of its view.
func (n *Node) IsRoot() bool {
	return n.ParentID == ""
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	c.Children = append([]id.NodeID(nil), n.Children...)
	return &c
}
