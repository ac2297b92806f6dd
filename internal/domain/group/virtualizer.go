// Package group maintains the 1:1 binding between group aggregates and their
// synthetic placeholder nodes.
package group

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

var (
	// ErrNoMembers is returned when a group is created from an empty selection.
	ErrNoMembers = errors.New("group needs at least one member")
	// ErrMixedViews is returned when selected members span multiple views.
	ErrMixedViews = errors.New("group members must share one view")
	// ErrNotATab is returned when a selected member is itself a placeholder.
	ErrNotATab = errors.New("group members must be tabs")
)

// Virtualizer creates and dissolves group placeholders.
//
// Tree mutations commit synchronously and optimistically; the host-level tab
// group call runs afterwards and its failure never rolls the tree back.
type Virtualizer struct {
	registry host.Registry
	log      *logging.Logger
	// apply posts a closure back onto the engine loop. Host call results
	// re-enter the single-threaded world through it.
	apply func(func())
}

// NewVirtualizer creates a virtualizer. When apply is nil, host call results
// are applied inline.
func NewVirtualizer(registry host.Registry, log *logging.Logger, apply func(func())) *Virtualizer {
	if apply == nil {
		apply = func(fn func()) { fn() }
	}
	if log == nil {
		log = logging.NewNop()
	}
	return &Virtualizer{registry: registry, log: log, apply: apply}
}

// Create builds a group around the selected nodes: allocates the aggregate,
// creates its placeholder node at the first member's former position, and
// reparents the members under it preserving their relative order. Members
// whose ancestor is also selected ride along inside that ancestor's subtree.
func (v *Virtualizer) Create(ctx context.Context, t *tree.Tree, memberIDs []id.NodeID, name, color string) (*tree.Group, error) {
	members, err := v.validateMembers(t, memberIDs)
	if err != nil {
		return nil, err
	}
	first := members[0]

	// Placeholder takes the first member's slot.
	anchorParent := first.ParentID
	anchorIndex := siblingIndex(t, first)

	g := tree.NewGroup(name, color)
	g.Collapsed = false
	if err := t.AddGroup(g); err != nil {
		return nil, err
	}

	placeholder, err := t.CreateGroupNode(g, first.ViewID)
	if err != nil {
		_ = t.RemoveGroup(g.ID)
		return nil, err
	}
	if err := t.Attach(placeholder.ID, anchorParent, anchorIndex); err != nil {
		// The placeholder was created as a root; a failed re-anchor leaves
		// it there rather than half-linked.
		v.log.Warn("group placeholder kept at root", zap.Error(err))
	}

	var tabIDs []int
	for _, m := range members {
		if t.IsAncestor(placeholder.ID, m.ID) {
			continue // already rode along under an earlier member
		}
		if err := t.Attach(m.ID, placeholder.ID, -1); err != nil {
			return nil, fmt.Errorf("reparent member %s: %w", m.ID, err)
		}
		m.GroupID = g.ID
		g.MemberNodeIDs = append(g.MemberNodeIDs, m.ID)
		if m.TabID != 0 {
			tabIDs = append(tabIDs, m.TabID)
		}
	}

	// Advisory: bind a host-level tab group. Failure is logged, never
	// rolled back.
	v.requestHostGroup(ctx, t, g.ID, tabIDs)

	return g, nil
}

// Dissolve detaches the placeholder and promotes the former members to its
// former parent and position, preserving order. Member nodes survive; only
// the aggregate and the placeholder go away.
func (v *Virtualizer) Dissolve(t *tree.Tree, groupID id.GroupID) error {
	g, ok := t.Group(groupID)
	if !ok {
		return fmt.Errorf("dissolve %s: %w", groupID, tree.ErrGroupNotFound)
	}

	if g.PlaceholderID != "" {
		if placeholder, ok := t.Node(g.PlaceholderID); ok {
			parentID := placeholder.ParentID
			index := siblingIndex(t, placeholder)
			children := append([]id.NodeID(nil), placeholder.Children...)

			for i, childID := range children {
				if err := t.Attach(childID, parentID, index+i); err != nil {
					return fmt.Errorf("promote member %s: %w", childID, err)
				}
			}
			if err := t.RemoveNode(placeholder.ID); err != nil {
				return fmt.Errorf("remove placeholder: %w", err)
			}
		}
	}

	return t.RemoveGroup(groupID)
}

// ToggleExpand flips the group's collapse flag. Pure record change, no
// topology involved.
func (v *Virtualizer) ToggleExpand(t *tree.Tree, groupID id.GroupID) error {
	g, ok := t.Group(groupID)
	if !ok {
		return fmt.Errorf("toggle %s: %w", groupID, tree.ErrGroupNotFound)
	}
	g.Collapsed = !g.Collapsed
	return nil
}

// EnsurePlaceholder returns the live placeholder for a group, creating one
// only when none exists. Recovery calls this after rebinding so a restart
// never mints a second placeholder for the same group.
func (v *Virtualizer) EnsurePlaceholder(t *tree.Tree, g *tree.Group, viewID id.ViewID) (*tree.Node, error) {
	if g.PlaceholderID != "" {
		if n, ok := t.Node(g.PlaceholderID); ok {
			return n, nil
		}
		g.PlaceholderID = ""
	}
	return t.CreateGroupNode(g, viewID)
}

func (v *Virtualizer) requestHostGroup(ctx context.Context, t *tree.Tree, groupID id.GroupID, tabIDs []int) {
	if v.registry == nil || len(tabIDs) == 0 {
		return
	}
	go func() {
		hostGroupID, err := v.registry.Group(ctx, tabIDs)
		v.apply(func() {
			if err != nil {
				v.log.Warn("host tab group request failed",
					zap.String("group_id", groupID.String()),
					zap.Error(err),
				)
				return
			}
			if g, ok := t.Group(groupID); ok {
				g.HostGroupID = hostGroupID
			}
		})
	}()
}

func (v *Virtualizer) validateMembers(t *tree.Tree, memberIDs []id.NodeID) ([]*tree.Node, error) {
	if len(memberIDs) == 0 {
		return nil, ErrNoMembers
	}
	members := make([]*tree.Node, 0, len(memberIDs))
	var viewID id.ViewID
	for _, nodeID := range memberIDs {
		n, ok := t.Node(nodeID)
		if !ok {
			return nil, fmt.Errorf("member %s: %w", nodeID, tree.ErrNodeNotFound)
		}
		if n.Kind != tree.KindTab {
			return nil, fmt.Errorf("member %s: %w", nodeID, ErrNotATab)
		}
		if viewID == "" {
			viewID = n.ViewID
		} else if n.ViewID != viewID {
			return nil, ErrMixedViews
		}
		members = append(members, n)
	}
	return members, nil
}

func siblingIndex(t *tree.Tree, n *tree.Node) int {
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
	v, ok := t.View(n.ViewID)
	if !ok {
		return -1
	}
	for i, r := range v.RootNodeIDs {
		if r == n.ID {
			return i
		}
	}
	return -1
}
