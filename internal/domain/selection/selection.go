// Package selection implements the multi-select cursor over tree nodes.
package selection

import (
	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/shared/id"
)

// Modifiers carries the keyboard state of a select gesture.
type Modifiers struct {
	Ctrl  bool `json:"ctrl"`
	Shift bool `json:"shift"`
}

// Manager tracks the selected node set and the range anchor for one window.
//
// Owned by the engine loop; not safe for concurrent use.
type Manager struct {
	selected map[id.NodeID]bool
	// anchor is the last-selected node; shift ranges extend from it.
	anchor id.NodeID
}

// NewManager creates an empty selection.
func NewManager() *Manager {
	return &Manager{selected: make(map[id.NodeID]bool)}
}

// Select applies one select gesture against the current visible order of the
// node's view.
//
// Plain click replaces the selection. Ctrl toggles membership and moves the
// anchor. Shift replaces the selection with the contiguous range between the
// anchor and the node over the flattened, view-filtered, currently-visible
// order, leaving the anchor in place; without an anchor it degrades to a
// plain click.
func (m *Manager) Select(t *tree.Tree, nodeID id.NodeID, mods Modifiers) {
	n, ok := t.Node(nodeID)
	if !ok {
		return
	}

	switch {
	case mods.Ctrl:
		if m.selected[nodeID] {
			delete(m.selected, nodeID)
		} else {
			m.selected[nodeID] = true
		}
		m.anchor = nodeID

	case mods.Shift && m.anchor != "":
		order := t.VisibleOrder(n.ViewID)
		from, to := indexOf(order, m.anchor), indexOf(order, nodeID)
		if from < 0 || to < 0 {
			m.replaceWith(nodeID)
			return
		}
		if from > to {
			from, to = to, from
		}
		m.selected = make(map[id.NodeID]bool, to-from+1)
		for _, sel := range order[from : to+1] {
			m.selected[sel] = true
		}
		// Anchor intentionally unchanged so a further shift-click
		// re-ranges from the same origin.

	default:
		m.replaceWith(nodeID)
	}
}

// Clear empties the selection and the anchor.
func (m *Manager) Clear() {
	m.selected = make(map[id.NodeID]bool)
	m.anchor = ""
}

// IsSelected reports whether a node is selected.
func (m *Manager) IsSelected(nodeID id.NodeID) bool {
	return m.selected[nodeID]
}

// Anchor returns the last-selected node, or empty.
func (m *Manager) Anchor() id.NodeID {
	return m.anchor
}

// Len reports the selection size.
func (m *Manager) Len() int {
	return len(m.selected)
}

// Ordered returns the selected nodes in the visible order of the given view.
// Selected nodes of other views are excluded.
func (m *Manager) Ordered(t *tree.Tree, viewID id.ViewID) []id.NodeID {
	var out []id.NodeID
	for _, nodeID := range t.VisibleOrder(viewID) {
		if m.selected[nodeID] {
			out = append(out, nodeID)
		}
	}
	return out
}

// TabIDs maps the selection to host tab identifiers for bulk operations.
// Group placeholders contribute nothing.
func (m *Manager) TabIDs(t *tree.Tree) []int {
	var out []int
	for _, v := range t.Views() {
		for _, nodeID := range t.VisibleOrder(v.ID) {
			if !m.selected[nodeID] {
				continue
			}
			if n, ok := t.Node(nodeID); ok && n.Kind == tree.KindTab && n.TabID != 0 {
				out = append(out, n.TabID)
			}
		}
	}
	return out
}

// Prune drops selected nodes that no longer exist, clearing the anchor if it
// vanished.
func (m *Manager) Prune(t *tree.Tree) {
	for nodeID := range m.selected {
		if _, ok := t.Node(nodeID); !ok {
			delete(m.selected, nodeID)
		}
	}
	if m.anchor != "" {
		if _, ok := t.Node(m.anchor); !ok {
			m.anchor = ""
		}
	}
}

func (m *Manager) replaceWith(nodeID id.NodeID) {
	m.selected = map[id.NodeID]bool{nodeID: true}
	m.anchor = nodeID
}

func indexOf(order []id.NodeID, nodeID id.NodeID) int {
	for i, n := range order {
		if n == nodeID {
			return i
		}
	}
	return -1
}
