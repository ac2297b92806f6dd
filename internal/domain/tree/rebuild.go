package tree

import (
	"fmt"
	"sort"

	"github.com/arbortabs/arbor/internal/shared/id"
)

// AdoptView registers a deserialized view without touching node links.
// The first adopted view becomes the default and active view.
func (t *Tree) AdoptView(v *View) error {
	if _, ok := t.views[v.ID]; ok {
		return fmt.Errorf("adopt view %s: already present", v.ID)
	}
	// A fresh tree carries an empty implicit default view; the first adopted
	// view replaces it so snapshots restore exactly what they stored.
	if len(t.nodes) == 0 && len(t.viewOrder) == 1 {
		if def := t.views[t.defaultView]; len(def.RootNodeIDs) == 0 && len(def.PinnedTabIDs) == 0 {
			delete(t.views, t.defaultView)
			t.viewOrder = t.viewOrder[:0]
			t.defaultView = ""
		}
	}
	t.views[v.ID] = v
	t.viewOrder = append(t.viewOrder, v.ID)
	if t.defaultView == "" {
		t.defaultView = v.ID
		t.activeView = v.ID
	}
	return nil
}

// AdoptGroup registers a deserialized group record.
func (t *Tree) AdoptGroup(g *Group) error {
	return t.AddGroup(g)
}

// AdoptNode places a deserialized node into the arena. Links, depths, and
// root membership are not validated here; callers must run RebuildChildren
// before trusting the tree.
func (t *Tree) AdoptNode(n *Node) error {
	if _, ok := t.nodes[n.ID]; ok {
		return fmt.Errorf("adopt node %s: %w", n.ID, ErrNodeAlreadyAdopted)
	}
	t.nodes[n.ID] = n
	return nil
}

// RebuildChildren derives every children list from parent backlinks, repairs
// dangling or cyclic parent pointers by demoting the affected node to a view
// root, recomputes all depths top-down, and rebuilds the tab index.
//
// Deserialized children lists are never trusted for membership; they only
// contribute sibling order where they agree with the backlinks, so the result
// is deterministic and the operation is idempotent.
func (t *Tree) RebuildChildren() {
	ids := make([]id.NodeID, 0, len(t.nodes))
	for nid := range t.nodes {
		ids = append(ids, nid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	// Sever pointers to missing parents and re-home nodes of missing views.
	for _, nid := range ids {
		n := t.nodes[nid]
		if _, ok := t.views[n.ViewID]; !ok {
			n.ViewID = t.defaultView
		}
		if n.ParentID != "" {
			if _, ok := t.nodes[n.ParentID]; !ok {
				n.ParentID = ""
			}
		}
	}

	// Break parent-pointer cycles deterministically: the lowest node id on
	// the cycle becomes a root.
	for _, nid := range ids {
		seen := map[id.NodeID]bool{nid: true}
		cur := t.nodes[nid]
		for cur.ParentID != "" {
			next := t.nodes[cur.ParentID]
			if seen[next.ID] {
				lowest := next
				walker := next
				for {
					walker = t.nodes[walker.ParentID]
					if walker.ID < lowest.ID {
						lowest = walker
					}
					if walker == next {
						break
					}
				}
				lowest.ParentID = ""
				break
			}
			seen[next.ID] = true
			cur = next
		}
	}

	// Membership from backlinks, in deterministic order.
	members := make(map[id.NodeID][]id.NodeID)
	for _, nid := range ids {
		n := t.nodes[nid]
		if n.ParentID != "" {
			members[n.ParentID] = append(members[n.ParentID], nid)
		}
	}

	// Children: old order where it agrees with the backlinks, then the rest.
	for _, nid := range ids {
		n := t.nodes[nid]
		want := make(map[id.NodeID]bool, len(members[nid]))
		for _, c := range members[nid] {
			want[c] = true
		}
		rebuilt := make([]id.NodeID, 0, len(members[nid]))
		for _, c := range n.Children {
			if want[c] {
				rebuilt = append(rebuilt, c)
				want[c] = false
			}
		}
		for _, c := range members[nid] {
			if want[c] {
				rebuilt = append(rebuilt, c)
			}
		}
		n.Children = rebuilt
	}

	// Roots per view: old order filtered, then stray roots by id.
	placed := make(map[id.NodeID]bool)
	for _, vid := range t.viewOrder {
		v := t.views[vid]
		rebuilt := make([]id.NodeID, 0, len(v.RootNodeIDs))
		for _, r := range v.RootNodeIDs {
			n, ok := t.nodes[r]
			if ok && n.ParentID == "" && n.ViewID == vid && !placed[r] {
				rebuilt = append(rebuilt, r)
				placed[r] = true
			}
		}
		v.RootNodeIDs = rebuilt
	}
	for _, nid := range ids {
		n := t.nodes[nid]
		if n.ParentID == "" && !placed[nid] {
			t.views[n.ViewID].insertRoot(nid, -1)
			placed[nid] = true
		}
	}

	// Depths and view ownership flow down from the roots.
	for _, vid := range t.viewOrder {
		v := t.views[vid]
		for _, r := range v.RootNodeIDs {
			t.reindexFrom(t.nodes[r], 0, vid)
		}
	}

	// Tab index: lowest node id wins a contested tab binding.
	t.byTab = make(map[int]id.NodeID)
	for _, nid := range ids {
		n := t.nodes[nid]
		if n.Kind != KindTab || n.TabID == 0 {
			continue
		}
		if _, taken := t.byTab[n.TabID]; taken {
			n.TabID = 0
			continue
		}
		t.byTab[n.TabID] = nid
	}
}

func (t *Tree) reindexFrom(n *Node, depth int, viewID id.ViewID) {
	n.Depth = depth
	n.ViewID = viewID
	for _, c := range n.Children {
		if child, ok := t.nodes[c]; ok {
			t.reindexFrom(child, depth+1, viewID)
		}
	}
}
