package tree

import (
	"errors"
	"fmt"
	"sort"

	"github.com/arbortabs/arbor/internal/shared/id"
)

// Mutation errors. Every mutator returns one of these wrapped with context;
// the tree is untouched whenever an error is returned.
var (
	ErrNodeNotFound       = errors.New("node not found")
	ErrViewNotFound       = errors.New("view not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrCycle              = errors.New("operation would create a cycle")
	ErrBadIndex           = errors.New("index out of range")
	ErrCrossView          = errors.New("parent belongs to a different view")
	ErrHasChildren        = errors.New("node still has children")
	ErrTabTracked         = errors.New("tab already tracked")
	ErrGroupExists        = errors.New("group already registered")
	ErrPlaceholderExists  = errors.New("group already has a placeholder")
	ErrDefaultViewDelete  = errors.New("default view cannot be deleted")
	ErrNodeAlreadyAdopted = errors.New("node id already present")
)

// DefaultViewName is the name of the view every window starts with and the
// destination for nodes of deleted views.
const DefaultViewName = "Default"

// Tree is the window-scoped tab hierarchy.
type Tree struct {
	windowID    int
	nodes       map[id.NodeID]*Node
	byTab       map[int]id.NodeID
	views       map[id.ViewID]*View
	viewOrder   []id.ViewID
	groups      map[id.GroupID]*Group
	defaultView id.ViewID
	activeView  id.ViewID
}

// New creates a tree for one window with its default view.
func New(windowID int) *Tree {
	t := &Tree{
		windowID: windowID,
		nodes:    make(map[id.NodeID]*Node),
		byTab:    make(map[int]id.NodeID),
		views:    make(map[id.ViewID]*View),
		groups:   make(map[id.GroupID]*Group),
	}
	v := NewView(DefaultViewName, "gray")
	t.views[v.ID] = v
	t.viewOrder = []id.ViewID{v.ID}
	t.defaultView = v.ID
	t.activeView = v.ID
	return t
}

// WindowID returns the host window this tree mirrors.
func (t *Tree) WindowID() int { return t.windowID }

// SetWindowID rebinds the tree to a host window. Used by recovery, since
// window ids do not survive restarts.
func (t *Tree) SetWindowID(windowID int) { t.windowID = windowID }

// Len reports the number of tracked nodes.
func (t *Tree) Len() int { return len(t.nodes) }

// Node returns a node by id.
func (t *Tree) Node(nodeID id.NodeID) (*Node, bool) {
	n, ok := t.nodes[nodeID]
	return n, ok
}

// NodeByTab returns the node bound to a host tab.
func (t *Tree) NodeByTab(tabID int) (*Node, bool) {
	nodeID, ok := t.byTab[tabID]
	if !ok {
		return nil, false
	}
	return t.nodes[nodeID], true
}

// View returns a view by id.
func (t *Tree) View(viewID id.ViewID) (*View, bool) {
	v, ok := t.views[viewID]
	return v, ok
}

// Views returns all views in display order.
func (t *Tree) Views() []*View {
	out := make([]*View, 0, len(t.viewOrder))
	for _, vid := range t.viewOrder {
		out = append(out, t.views[vid])
	}
	return out
}

// DefaultViewID returns the id of the default view.
func (t *Tree) DefaultViewID() id.ViewID { return t.defaultView }

// ActiveViewID returns the id of the active view.
func (t *Tree) ActiveViewID() id.ViewID { return t.activeView }

// SetActiveView switches the active view.
func (t *Tree) SetActiveView(viewID id.ViewID) error {
	if _, ok := t.views[viewID]; !ok {
		return fmt.Errorf("switch view %s: %w", viewID, ErrViewNotFound)
	}
	t.activeView = viewID
	return nil
}

// Group returns a group by id.
func (t *Tree) Group(groupID id.GroupID) (*Group, bool) {
	g, ok := t.groups[groupID]
	return g, ok
}

// Groups returns all groups.
func (t *Tree) Groups() []*Group {
	out := make([]*Group, 0, len(t.groups))
	for _, g := range t.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddGroup registers a group record.
func (t *Tree) AddGroup(g *Group) error {
	if _, ok := t.groups[g.ID]; ok {
		return fmt.Errorf("add group %s: %w", g.ID, ErrGroupExists)
	}
	t.groups[g.ID] = g
	return nil
}

// RemoveGroup deletes a group record, clearing members' group reference.
// Member nodes themselves are untouched; dissolving the placeholder is the
// virtualizer's job and must happen first.
func (t *Tree) RemoveGroup(groupID id.GroupID) error {
	g, ok := t.groups[groupID]
	if !ok {
		return fmt.Errorf("remove group %s: %w", groupID, ErrGroupNotFound)
	}
	for _, m := range g.MemberNodeIDs {
		if n, ok := t.nodes[m]; ok && n.Kind == KindTab {
			n.GroupID = ""
		}
	}
	delete(t.groups, groupID)
	return nil
}

// CreateTabNode tracks a new host tab as a root of the given view (the
// active view when viewID is empty). The node is appended at the end of the
// view's roots; callers reparent afterwards.
func (t *Tree) CreateTabNode(tabID int, viewID id.ViewID) (*Node, error) {
	if _, ok := t.byTab[tabID]; ok {
		return nil, fmt.Errorf("create node for tab %d: %w", tabID, ErrTabTracked)
	}
	if viewID == "" {
		viewID = t.activeView
	}
	v, ok := t.views[viewID]
	if !ok {
		return nil, fmt.Errorf("create node: view %s: %w", viewID, ErrViewNotFound)
	}

	n := NewTabNode(tabID, viewID)
	t.nodes[n.ID] = n
	t.byTab[tabID] = n.ID
	v.insertRoot(n.ID, -1)
	return n, nil
}

// CreateGroupNode creates the placeholder node for a group as a root of the
// given view. A group may only ever have one placeholder.
func (t *Tree) CreateGroupNode(g *Group, viewID id.ViewID) (*Node, error) {
	if _, ok := t.groups[g.ID]; !ok {
		return nil, fmt.Errorf("create placeholder: group %s: %w", g.ID, ErrGroupNotFound)
	}
	if g.PlaceholderID != "" {
		if _, live := t.nodes[g.PlaceholderID]; live {
			return nil, fmt.Errorf("create placeholder for %s: %w", g.ID, ErrPlaceholderExists)
		}
	}
	if viewID == "" {
		viewID = t.activeView
	}
	v, ok := t.views[viewID]
	if !ok {
		return nil, fmt.Errorf("create placeholder: view %s: %w", viewID, ErrViewNotFound)
	}

	n := NewGroupNode(g.ID, viewID)
	t.nodes[n.ID] = n
	v.insertRoot(n.ID, -1)
	g.PlaceholderID = n.ID
	return n, nil
}

// RemoveNode deletes a childless node from the tree. Callers decide what
// happens to children (promote or cascade) before calling.
func (t *Tree) RemoveNode(nodeID id.NodeID) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("remove node %s: %w", nodeID, ErrNodeNotFound)
	}
	if len(n.Children) > 0 {
		return fmt.Errorf("remove node %s: %w", nodeID, ErrHasChildren)
	}

	t.unlink(n)
	if n.Kind == KindTab && n.TabID != 0 {
		delete(t.byTab, n.TabID)
	}
	if n.GroupID != "" {
		if g, ok := t.groups[n.GroupID]; ok {
			if n.Kind == KindGroup && g.PlaceholderID == n.ID {
				g.PlaceholderID = ""
			}
			g.removeMember(n.ID)
		}
	}
	delete(t.nodes, nodeID)
	return nil
}

// RebindTab changes the host tab bound to a node. Recovery uses this to claim
// fresh host ids for persisted nodes.
func (t *Tree) RebindTab(nodeID id.NodeID, tabID int) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("rebind node %s: %w", nodeID, ErrNodeNotFound)
	}
	if existing, ok := t.byTab[tabID]; ok && existing != nodeID {
		return fmt.Errorf("rebind node %s to tab %d: %w", nodeID, tabID, ErrTabTracked)
	}
	if n.TabID != 0 {
		delete(t.byTab, n.TabID)
	}
	n.TabID = tabID
	if tabID != 0 {
		t.byTab[tabID] = nodeID
	}
	return nil
}

// Attach places a node under a parent at the given child index, or at the
// given root index of its view when parentID is empty. index -1 appends. The
// node's subtree moves with it and all moved depths are recomputed.
func (t *Tree) Attach(nodeID, parentID id.NodeID, index int) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("attach %s: %w", nodeID, ErrNodeNotFound)
	}

	var parent *Node
	var siblings []id.NodeID
	if parentID != "" {
		parent, ok = t.nodes[parentID]
		if !ok {
			return fmt.Errorf("attach %s: parent %s: %w", nodeID, parentID, ErrNodeNotFound)
		}
		if parentID == nodeID {
			return fmt.Errorf("attach %s to itself: %w", nodeID, ErrCycle)
		}
		if parent.ViewID != n.ViewID {
			return fmt.Errorf("attach %s under %s: %w", nodeID, parentID, ErrCrossView)
		}
		// Walk ancestors from the target upward; children arrays are
		// derived state and not consulted here.
		if t.IsAncestor(nodeID, parentID) {
			return fmt.Errorf("attach %s under its descendant %s: %w", nodeID, parentID, ErrCycle)
		}
		siblings = parent.Children
	} else {
		v, ok := t.views[n.ViewID]
		if !ok {
			return fmt.Errorf("attach %s: view %s: %w", nodeID, n.ViewID, ErrViewNotFound)
		}
		siblings = v.RootNodeIDs
	}

	if index < -1 || index > len(siblings) {
		return fmt.Errorf("attach %s at %d of %d: %w", nodeID, index, len(siblings), ErrBadIndex)
	}

	// Validation is complete; commit.
	t.unlink(n)

	if parent != nil {
		n.ParentID = parentID
		insertChild(parent, n.ID, index)
		t.setSubtreeDepths(n, parent.Depth+1)
	} else {
		n.ParentID = ""
		t.views[n.ViewID].insertRoot(n.ID, index)
		t.setSubtreeDepths(n, 0)
	}
	return nil
}

// Detach unlinks a node from its parent or view roots. The node keeps its
// subtree and floats at depth 0 until reattached.
func (t *Tree) Detach(nodeID id.NodeID) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("detach %s: %w", nodeID, ErrNodeNotFound)
	}
	t.unlink(n)
	n.ParentID = ""
	t.setSubtreeDepths(n, 0)
	return nil
}

// MoveToView moves a node and its whole subtree into another view as a root
// at the given index. The remove and insert commit together or not at all.
func (t *Tree) MoveToView(nodeID id.NodeID, viewID id.ViewID, index int) error {
	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("move %s to view: %w", nodeID, ErrNodeNotFound)
	}
	v, ok := t.views[viewID]
	if !ok {
		return fmt.Errorf("move %s to view %s: %w", nodeID, viewID, ErrViewNotFound)
	}
	if index < -1 || index > len(v.RootNodeIDs) {
		return fmt.Errorf("move %s to view %s at %d: %w", nodeID, viewID, index, ErrBadIndex)
	}

	t.unlink(n)
	n.ParentID = ""
	for _, sid := range t.SubtreeIDs(nodeID) {
		t.nodes[sid].ViewID = viewID
	}
	v.insertRoot(n.ID, index)
	t.setSubtreeDepths(n, 0)
	return nil
}

// CreateView adds a new empty view.
func (t *Tree) CreateView(name, color string) *View {
	v := NewView(name, color)
	t.views[v.ID] = v
	t.viewOrder = append(t.viewOrder, v.ID)
	return v
}

// DeleteView removes a view, migrating its roots (and their subtrees) to the
// end of the default view and its pinned tabs to the default pinned list.
func (t *Tree) DeleteView(viewID id.ViewID) error {
	if viewID == t.defaultView {
		return fmt.Errorf("delete view %s: %w", viewID, ErrDefaultViewDelete)
	}
	v, ok := t.views[viewID]
	if !ok {
		return fmt.Errorf("delete view %s: %w", viewID, ErrViewNotFound)
	}

	def := t.views[t.defaultView]
	for _, rootID := range append([]id.NodeID(nil), v.RootNodeIDs...) {
		for _, sid := range t.SubtreeIDs(rootID) {
			t.nodes[sid].ViewID = t.defaultView
		}
		def.insertRoot(rootID, -1)
	}
	def.PinnedTabIDs = append(def.PinnedTabIDs, v.PinnedTabIDs...)

	delete(t.views, viewID)
	for i, vid := range t.viewOrder {
		if vid == viewID {
			t.viewOrder = append(t.viewOrder[:i], t.viewOrder[i+1:]...)
			break
		}
	}
	if t.activeView == viewID {
		t.activeView = t.defaultView
	}
	return nil
}

// Pin records a host tab as pinned in a view. Pinned tabs are
// hierarchy-excluded: the tab must not be tracked as a node.
func (t *Tree) Pin(tabID int, viewID id.ViewID) error {
	if _, ok := t.byTab[tabID]; ok {
		return fmt.Errorf("pin tab %d: %w", tabID, ErrTabTracked)
	}
	if viewID == "" {
		viewID = t.defaultView
	}
	v, ok := t.views[viewID]
	if !ok {
		return fmt.Errorf("pin tab %d: view %s: %w", tabID, viewID, ErrViewNotFound)
	}
	if v.PinnedIndex(tabID) >= 0 {
		return nil
	}
	v.PinnedTabIDs = append(v.PinnedTabIDs, tabID)
	return nil
}

// Unpin removes a host tab from whichever pinned list holds it.
func (t *Tree) Unpin(tabID int) {
	for _, v := range t.views {
		if i := v.PinnedIndex(tabID); i >= 0 {
			v.PinnedTabIDs = append(v.PinnedTabIDs[:i], v.PinnedTabIDs[i+1:]...)
			return
		}
	}
}

// IsAncestor reports whether ancestor sits on the parent chain of nodeID.
// It walks parent pointers only, with a step bound against corrupt chains.
func (t *Tree) IsAncestor(ancestor, nodeID id.NodeID) bool {
	cur, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	for steps := 0; steps <= len(t.nodes); steps++ {
		if cur.ParentID == "" {
			return false
		}
		if cur.ParentID == ancestor {
			return true
		}
		cur, ok = t.nodes[cur.ParentID]
		if !ok {
			return false
		}
	}
	return false
}

// SubtreeIDs returns the node and its descendants in depth-first order.
func (t *Tree) SubtreeIDs(nodeID id.NodeID) []id.NodeID {
	n, ok := t.nodes[nodeID]
	if !ok {
		return nil
	}
	out := []id.NodeID{n.ID}
	for _, c := range n.Children {
		out = append(out, t.SubtreeIDs(c)...)
	}
	return out
}

// Flatten returns every node of a view in depth-first order, ignoring
// collapse state.
func (t *Tree) Flatten(viewID id.ViewID) []id.NodeID {
	v, ok := t.views[viewID]
	if !ok {
		return nil
	}
	var out []id.NodeID
	for _, r := range v.RootNodeIDs {
		out = append(out, t.SubtreeIDs(r)...)
	}
	return out
}

// VisibleOrder returns the nodes of a view as currently rendered: depth-first,
// skipping children of collapsed nodes. For group placeholders the group's
// collapse flag governs visibility.
func (t *Tree) VisibleOrder(viewID id.ViewID) []id.NodeID {
	v, ok := t.views[viewID]
	if !ok {
		return nil
	}
	var out []id.NodeID
	var walk func(nodeID id.NodeID)
	walk = func(nodeID id.NodeID) {
		n, ok := t.nodes[nodeID]
		if !ok {
			return
		}
		out = append(out, nodeID)
		if !t.expanded(n) {
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	for _, r := range v.RootNodeIDs {
		walk(r)
	}
	return out
}

func (t *Tree) expanded(n *Node) bool {
	if n.Kind == KindGroup {
		if g, ok := t.groups[n.GroupID]; ok {
			return !g.Collapsed
		}
	}
	return n.Expanded
}

// ReindexDepths recomputes every cached depth from the roots down.
func (t *Tree) ReindexDepths() {
	for _, v := range t.views {
		for _, r := range v.RootNodeIDs {
			if n, ok := t.nodes[r]; ok {
				t.setSubtreeDepths(n, 0)
			}
		}
	}
}

// unlink removes the node from its parent's children or its view's roots.
// The node's own ParentID is left for the caller to rewrite.
func (t *Tree) unlink(n *Node) {
	if n.ParentID != "" {
		if p, ok := t.nodes[n.ParentID]; ok {
			removeChild(p, n.ID)
		}
		return
	}
	if v, ok := t.views[n.ViewID]; ok {
		v.removeRoot(n.ID)
	}
}

func (t *Tree) setSubtreeDepths(n *Node, depth int) {
	n.Depth = depth
	for _, c := range n.Children {
		if child, ok := t.nodes[c]; ok {
			t.setSubtreeDepths(child, depth+1)
		}
	}
}

func insertChild(parent *Node, nodeID id.NodeID, index int) {
	if index < 0 || index > len(parent.Children) {
		index = len(parent.Children)
	}
	parent.Children = append(parent.Children, "")
	copy(parent.Children[index+1:], parent.Children[index:])
	parent.Children[index] = nodeID
}

func removeChild(parent *Node, nodeID id.NodeID) {
	for i, c := range parent.Children {
		if c == nodeID {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}
