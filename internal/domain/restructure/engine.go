// Package restructure converts user drag, drop, and duplicate gestures into
// validated tree transitions.
package restructure

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/infrastructure/logging"
	"github.com/arbortabs/arbor/internal/shared/id"
)

// DropMode distinguishes the two drop targets a rendered tree offers.
type DropMode string

const (
	// ModeOnto drops onto a row: the moved nodes become its last children.
	ModeOnto DropMode = "onto"
	// ModeGap drops between two rendered rows: the moved nodes become
	// siblings at that gap.
	ModeGap DropMode = "gap"
)

// DuplicatePosition controls where a duplicated tab lands.
type DuplicatePosition string

const (
	// DupSibling inserts the duplicate as the original's immediate next sibling.
	DupSibling DuplicatePosition = "sibling"
	// DupEnd appends the duplicate last among the parent's children.
	DupEnd DuplicatePosition = "end"
)

// DropIntent is one user drop gesture. NodeIDs is the full ordered selection
// being dragged. For ModeGap, AboveID and BelowID name the rendered rows
// around the gap; either may be empty at a list boundary. ViewID names the
// drop view for a gap with no neighbors at all (empty view).
type DropIntent struct {
	NodeIDs  []id.NodeID `json:"nodeIds"`
	Mode     DropMode    `json:"mode"`
	TargetID id.NodeID   `json:"targetId,omitempty"`
	AboveID  id.NodeID   `json:"aboveId,omitempty"`
	BelowID  id.NodeID   `json:"belowId,omitempty"`
	ViewID   id.ViewID   `json:"viewId,omitempty"`
}

// ErrEmptyDrop is returned when the intent names no nodes.
var ErrEmptyDrop = errors.New("drop intent has no nodes")

// Engine validates and commits restructure gestures.
//
// Tree mutations are optimistic and synchronous; the host-level tab move that
// keeps visual order aligned is advisory and runs afterwards. Only
// validation-time rejection prevents a mutation, and a rejection touches
// neither the tree nor the host.
type Engine struct {
	registry host.Registry
	log      *logging.Logger
	dupPos   DuplicatePosition
	apply    func(func())
	// expectDuplicate lets the synchronizer claim the host's created event
	// for a duplicate instead of minting a second node.
	expectDuplicate func(origTabID int, nodeID id.NodeID)
}

// NewEngine creates a restructure engine. apply posts host call results back
// onto the engine loop; nil runs them inline.
func NewEngine(registry host.Registry, log *logging.Logger, dupPos DuplicatePosition, apply func(func())) *Engine {
	if apply == nil {
		apply = func(fn func()) { fn() }
	}
	if log == nil {
		log = logging.NewNop()
	}
	if dupPos == "" {
		dupPos = DupSibling
	}
	return &Engine{registry: registry, log: log, dupPos: dupPos, apply: apply}
}

// SetDuplicateClaim registers the synchronizer hook that pairs a duplicate
// node with the host's eventual created event.
func (e *Engine) SetDuplicateClaim(fn func(origTabID int, nodeID id.NodeID)) {
	e.expectDuplicate = fn
}

// HandleDrop validates and commits one drop gesture. Dropping a node onto
// itself is a no-op. Any operation that would make the drop target a
// descendant of a moved node is rejected with tree.ErrCycle and zero change.
func (e *Engine) HandleDrop(ctx context.Context, t *tree.Tree, intent DropIntent) error {
	moved, err := e.movedRoots(t, intent.NodeIDs)
	if err != nil {
		return err
	}

	movedSet := make(map[id.NodeID]bool, len(moved))
	for _, n := range moved {
		movedSet[n.ID] = true
	}

	var parentID id.NodeID
	var anchor *dropAnchor
	destView := intent.ViewID

	switch intent.Mode {
	case ModeOnto:
		if movedSet[intent.TargetID] {
			return nil // dropping onto self: no-op by contract
		}
		target, ok := t.Node(intent.TargetID)
		if !ok {
			return fmt.Errorf("drop target %s: %w", intent.TargetID, tree.ErrNodeNotFound)
		}
		parentID = target.ID
		destView = target.ViewID
		anchor = &dropAnchor{appendToParent: true}

	case ModeGap:
		parentID, anchor, destView = e.resolveGap(t, intent, movedSet)
		if anchor == nil {
			return fmt.Errorf("drop gap: %w", tree.ErrNodeNotFound)
		}

	default:
		return fmt.Errorf("drop mode %q: %w", intent.Mode, ErrEmptyDrop)
	}

	if destView == "" {
		destView = t.ActiveViewID()
	}
	if _, ok := t.View(destView); !ok {
		return fmt.Errorf("drop view %s: %w", destView, tree.ErrViewNotFound)
	}

	// Reject before touching anything. The ancestor walk runs from the
	// destination upward over parent pointers; children arrays may be
	// stale mid-gesture and are never consulted.
	for _, n := range moved {
		if n.ID == parentID {
			return fmt.Errorf("drop %s onto itself: %w", n.ID, tree.ErrCycle)
		}
		if parentID != "" && t.IsAncestor(n.ID, parentID) {
			return fmt.Errorf("drop %s onto its descendant: %w", n.ID, tree.ErrCycle)
		}
		if n.ViewID != destView {
			return fmt.Errorf("drop %s into view %s: %w", n.ID, destView, tree.ErrCrossView)
		}
	}

	// Commit. Each node lands immediately after its predecessor in drop
	// order; indices are recomputed against the live list so earlier moves
	// in the same sibling list cannot skew later ones.
	var prev *tree.Node
	for _, n := range moved {
		index := anchor.indexFor(t, parentID, destView, n, prev)
		if err := t.Attach(n.ID, parentID, index); err != nil {
			return fmt.Errorf("commit drop of %s: %w", n.ID, err)
		}
		prev = n
	}

	if intent.Mode == ModeOnto {
		e.autoExpand(t, parentID)
	}

	e.syncHostOrder(ctx, t, moved)
	return nil
}

// Duplicate clones a tab node per the configured position policy. The
// duplicate is always a sibling of the original, never its child, and starts
// childless regardless of the original's subtree. The node is created
// immediately with an unbound tab id; the host duplicate call runs afterwards
// and binds it on success.
func (e *Engine) Duplicate(ctx context.Context, t *tree.Tree, nodeID id.NodeID) (*tree.Node, error) {
	orig, ok := t.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("duplicate %s: %w", nodeID, tree.ErrNodeNotFound)
	}
	if orig.Kind != tree.KindTab {
		return nil, fmt.Errorf("duplicate %s: placeholders cannot be duplicated", nodeID)
	}

	dup := tree.NewTabNode(0, orig.ViewID)
	dup.URL = orig.URL
	dup.Title = orig.Title
	dup.FavIconURL = orig.FavIconURL
	dup.GroupID = orig.GroupID
	if err := t.AdoptNode(dup); err != nil {
		return nil, err
	}

	index := -1
	if e.dupPos == DupSibling {
		index = siblingIndexOf(t, orig) + 1
	}
	if err := t.Attach(dup.ID, orig.ParentID, index); err != nil {
		// Attach into the original's sibling list cannot normally fail;
		// degrade to root placement rather than leaving a floating node.
		e.log.Warn("duplicate degraded to root placement", zap.Error(err))
		if err := t.Attach(dup.ID, "", -1); err != nil {
			return nil, err
		}
	}
	if dup.GroupID != "" {
		if g, ok := t.Group(dup.GroupID); ok {
			g.MemberNodeIDs = append(g.MemberNodeIDs, dup.ID)
		}
	}

	if e.expectDuplicate != nil && orig.TabID != 0 {
		e.expectDuplicate(orig.TabID, dup.ID)
	}

	if e.registry != nil && orig.TabID != 0 {
		origTabID := orig.TabID
		go func() {
			newTabID, err := e.registry.Duplicate(ctx, origTabID)
			e.apply(func() {
				if err != nil {
					e.log.Warn("host duplicate failed",
						zap.Int("tab_id", origTabID),
						zap.Error(err),
					)
					return
				}
				if err := t.RebindTab(dup.ID, newTabID); err != nil {
					e.log.Warn("duplicate rebind failed", zap.Error(err))
				}
			})
		}()
	}

	return dup, nil
}

// dropAnchor resolves the live insertion index at commit time.
type dropAnchor struct {
	appendToParent bool
	belowID        id.NodeID
	aboveID        id.NodeID
}

func (a *dropAnchor) indexFor(t *tree.Tree, parentID id.NodeID, viewID id.ViewID, n, prev *tree.Node) int {
	raw := a.rawIndex(t, prev)
	if raw < 0 {
		return raw
	}
	// Attach resolves the index against the sibling list as it stands
	// before the node unlinks. A node moving to a later slot of its own
	// list would overshoot by one once its old slot closes.
	if n != nil && n.ParentID == parentID && (parentID != "" || n.ViewID == viewID) {
		if cur := siblingIndexOf(t, n); cur >= 0 && cur < raw {
			raw--
		}
	}
	return raw
}

func (a *dropAnchor) rawIndex(t *tree.Tree, prev *tree.Node) int {
	if prev != nil {
		return siblingIndexOf(t, prev) + 1
	}
	if a.appendToParent {
		return -1
	}
	if a.belowID != "" {
		if below, ok := t.Node(a.belowID); ok {
			return siblingIndexOf(t, below)
		}
	}
	if a.aboveID != "" {
		if above, ok := t.Node(a.aboveID); ok {
			return siblingIndexOf(t, above) + 1
		}
	}
	return -1
}

// resolveGap adopts the parent of whichever gap neighbor is present,
// preferring the below row when both exist: the row below the gap
// unambiguously identifies the destination level even across depth
// boundaries. Neighbors that are themselves being moved cannot anchor.
func (e *Engine) resolveGap(t *tree.Tree, intent DropIntent, movedSet map[id.NodeID]bool) (id.NodeID, *dropAnchor, id.ViewID) {
	if intent.BelowID != "" && !movedSet[intent.BelowID] {
		if below, ok := t.Node(intent.BelowID); ok {
			return below.ParentID, &dropAnchor{belowID: below.ID}, below.ViewID
		}
	}
	if intent.AboveID != "" && !movedSet[intent.AboveID] {
		if above, ok := t.Node(intent.AboveID); ok {
			return above.ParentID, &dropAnchor{aboveID: above.ID}, above.ViewID
		}
	}
	if intent.ViewID != "" {
		if _, ok := t.View(intent.ViewID); ok {
			// Empty list: append to the view's roots.
			return "", &dropAnchor{}, intent.ViewID
		}
	}
	return "", nil, ""
}

// movedRoots resolves the dragged selection, dropping nodes whose ancestor is
// also selected: they travel inside that ancestor's subtree.
func (e *Engine) movedRoots(t *tree.Tree, nodeIDs []id.NodeID) ([]*tree.Node, error) {
	if len(nodeIDs) == 0 {
		return nil, ErrEmptyDrop
	}
	set := make(map[id.NodeID]bool, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		set[nodeID] = true
	}

	var out []*tree.Node
	for _, nodeID := range nodeIDs {
		n, ok := t.Node(nodeID)
		if !ok {
			return nil, fmt.Errorf("dragged node %s: %w", nodeID, tree.ErrNodeNotFound)
		}
		carried := false
		for cur := n; cur.ParentID != ""; {
			parent, ok := t.Node(cur.ParentID)
			if !ok {
				break
			}
			if set[parent.ID] {
				carried = true
				break
			}
			cur = parent
		}
		if !carried {
			out = append(out, n)
		}
	}
	return out, nil
}

func (e *Engine) autoExpand(t *tree.Tree, nodeID id.NodeID) {
	n, ok := t.Node(nodeID)
	if !ok {
		return
	}
	n.Expanded = true
	if n.Kind == tree.KindGroup {
		if g, ok := t.Group(n.GroupID); ok {
			g.Collapsed = false
		}
	}
}

// syncHostOrder issues advisory host moves so the window's visual tab order
// matches tree order. Failures are logged and never roll back the mutation.
func (e *Engine) syncHostOrder(ctx context.Context, t *tree.Tree, moved []*tree.Node) {
	if e.registry == nil {
		return
	}
	type hostMove struct {
		tabID, index int
	}
	var moves []hostMove
	for _, n := range moved {
		for _, sid := range t.SubtreeIDs(n.ID) {
			sub, ok := t.Node(sid)
			if !ok || sub.Kind != tree.KindTab || sub.TabID == 0 {
				continue
			}
			if idx := hostIndexOf(t, sub); idx >= 0 {
				moves = append(moves, hostMove{tabID: sub.TabID, index: idx})
			}
		}
	}
	if len(moves) == 0 {
		return
	}
	go func() {
		for _, mv := range moves {
			if err := e.registry.Move(ctx, mv.tabID, mv.index); err != nil {
				e.log.Warn("advisory host move failed",
					zap.Int("tab_id", mv.tabID),
					zap.Error(err),
				)
			}
		}
	}()
}

// hostIndexOf computes the window position of a tab: pinned tabs first, then
// the view's hierarchy in depth-first order, real tabs only.
func hostIndexOf(t *tree.Tree, n *tree.Node) int {
	v, ok := t.View(n.ViewID)
	if !ok {
		return -1
	}
	idx := len(v.PinnedTabIDs)
	for _, nodeID := range t.Flatten(n.ViewID) {
		if nodeID == n.ID {
			return idx
		}
		if other, ok := t.Node(nodeID); ok && other.Kind == tree.KindTab && other.TabID != 0 {
			idx++
		}
	}
	return -1
}

func siblingIndexOf(t *tree.Tree, n *tree.Node) int {
	if n.ParentID != "" {
		if p, ok := t.Node(n.ParentID); ok {
			for i, c := range p.Children {
				if c == n.ID {
					return i
				}
			}
		}
		return -1
	}
	if v, ok := t.View(n.ViewID); ok {
		for i, r := range v.RootNodeIDs {
			if r == n.ID {
				return i
			}
		}
	}
	return -1
}
