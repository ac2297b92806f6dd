package tree

import "github.com/arbortabs/arbor/internal/shared/id"

// Group is a named aggregate of nodes with exactly one placeholder node.
//
// HostGroupID is the host-level tab group binding; like tab ids it is not
// stable across restarts, which is why recovery rebinds placeholders by the
// group's own ID instead.
type Group struct {
	ID            id.GroupID  `json:"id"`
	Name          string      `json:"name"`
	Color         string      `json:"color"`
	Collapsed     bool        `json:"collapsed"`
	MemberNodeIDs []id.NodeID `json:"memberNodeIds"`
	HostGroupID   int         `json:"hostGroupId,omitempty"`
	PlaceholderID id.NodeID   `json:"placeholderId,omitempty"`
}

// NewGroup creates a group with no members and no placeholder yet.
func NewGroup(name, color string) *Group {
	return &Group{
		ID:    id.NewGroupID(),
		Name:  name,
		Color: color,
	}
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	c.MemberNodeIDs = append([]id.NodeID(nil), g.MemberNodeIDs...)
	return &c
}

func (g *Group) removeMember(nodeID id.NodeID) {
	for i, m := range g.MemberNodeIDs {
		if m == nodeID {
			g.MemberNodeIDs = append(g.MemberNodeIDs[:i], g.MemberNodeIDs[i+1:]...)
			return
		}
	}
}
