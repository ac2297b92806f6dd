// Package recovery persists tree state and rebuilds it after a restart,
// rebinding persisted nodes to the fresh host identifiers of the new session.
package recovery

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/shared/id"
)

// Snapshot is the durable form of one window's tree.
//
// Host identifiers inside it (tab ids, host group ids) are hints from the
// previous session, never trusted on load. Node ids, view ids, and group ids
// are ours and stable across restarts.
type Snapshot struct {
	Generation   uint64                       `json:"generation"`
	WindowID     int                          `json:"windowId"`
	ActiveViewID id.ViewID                    `json:"activeViewId"`
	Views        []ViewSnapshot               `json:"views"`
	PinnedTabIDs []int                        `json:"pinnedTabIds"`
	Groups       map[id.GroupID]GroupSnapshot `json:"groups"`
	SavedAt      time.Time                    `json:"savedAt"`
}

// ViewSnapshot is one view with its nodes. Nodes are keyed by id; children
// arrays inside them are order hints only, membership is re-derived from
// parent backlinks on load.
type ViewSnapshot struct {
	ID          id.ViewID               `json:"id"`
	Name        string                  `json:"name"`
	Color       string                  `json:"color"`
	RootNodeIDs []id.NodeID             `json:"rootNodeIds"`
	Nodes       map[id.NodeID]tree.Node `json:"nodes"`
}

// GroupSnapshot is one group record. HostGroupID is a dead hint after a
// restart and is rebound during reconcile.
type GroupSnapshot struct {
	Name          string      `json:"name"`
	Color         string      `json:"color"`
	Collapsed     bool        `json:"collapsed"`
	MemberNodeIDs []id.NodeID `json:"memberNodeIds"`
	HostGroupID   int         `json:"hostGroupId"`
	PlaceholderID id.NodeID   `json:"placeholderId"`
}

// Capture serializes the tree into a snapshot stamped with the given save
// generation.
func Capture(t *tree.Tree, generation uint64) *Snapshot {
	snap := &Snapshot{
		Generation:   generation,
		WindowID:     t.WindowID(),
		ActiveViewID: t.ActiveViewID(),
		Groups:       make(map[id.GroupID]GroupSnapshot, len(t.Groups())),
		SavedAt:      time.Now().UTC(),
	}

	for _, v := range t.Views() {
		vs := ViewSnapshot{
			ID:          v.ID,
			Name:        v.Name,
			Color:       v.Color,
			RootNodeIDs: append([]id.NodeID(nil), v.RootNodeIDs...),
			Nodes:       make(map[id.NodeID]tree.Node),
		}
		for _, rootID := range v.RootNodeIDs {
			for _, nid := range t.SubtreeIDs(rootID) {
				if n, ok := t.Node(nid); ok {
					vs.Nodes[nid] = *n.Clone()
				}
			}
		}
		snap.Views = append(snap.Views, vs)
		snap.PinnedTabIDs = append(snap.PinnedTabIDs, v.PinnedTabIDs...)
	}

	for _, g := range t.Groups() {
		snap.Groups[g.ID] = GroupSnapshot{
			Name:          g.Name,
			Color:         g.Color,
			Collapsed:     g.Collapsed,
			MemberNodeIDs: append([]id.NodeID(nil), g.MemberNodeIDs...),
			HostGroupID:   g.HostGroupID,
			PlaceholderID: g.PlaceholderID,
		}
	}
	return snap
}

// Encode marshals the snapshot.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := sonic.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot window %d: %w", s.WindowID, err)
	}
	return data, nil
}

// Decode unmarshals a snapshot.
func Decode(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := sonic.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

// Restore builds a tree from the snapshot: adopt everything, then derive all
// structure from parent backlinks. Tab ids inside the restored nodes still
// point at the previous session and must be rebound before the tree goes
// live.
func (s *Snapshot) Restore() (*tree.Tree, error) {
	t := tree.New(s.WindowID)

	for _, vs := range s.Views {
		v := &tree.View{
			ID:          vs.ID,
			Name:        vs.Name,
			Color:       vs.Color,
			RootNodeIDs: append([]id.NodeID(nil), vs.RootNodeIDs...),
		}
		if err := t.AdoptView(v); err != nil {
			return nil, err
		}
		for nid := range vs.Nodes {
			n := vs.Nodes[nid]
			n.ViewID = vs.ID
			if err := t.AdoptNode(&n); err != nil {
				return nil, err
			}
		}
	}

	for gid, gs := range s.Groups {
		g := &tree.Group{
			ID:            gid,
			Name:          gs.Name,
			Color:         gs.Color,
			Collapsed:     gs.Collapsed,
			MemberNodeIDs: append([]id.NodeID(nil), gs.MemberNodeIDs...),
			HostGroupID:   gs.HostGroupID,
			PlaceholderID: gs.PlaceholderID,
		}
		if err := t.AdoptGroup(g); err != nil {
			return nil, err
		}
	}

	t.RebuildChildren()
	if _, ok := t.View(s.ActiveViewID); ok {
		if err := t.SetActiveView(s.ActiveViewID); err != nil {
			return nil, err
		}
	}
	return t, nil
}
