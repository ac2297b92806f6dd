package tree

import "github.com/arbortabs/arbor/internal/shared/id"

// View is a named, colored partition of the hierarchy within one window.
//
// RootNodeIDs is the ordered top level of the view. PinnedTabIDs holds host
// tab ids: pinned tabs are excluded from the hierarchy entirely and never
// have a node.
type View struct {
	ID           id.ViewID   `json:"id"`
	Name         string      `json:"name"`
	Color        string      `json:"color"`
	RootNodeIDs  []id.NodeID `json:"rootNodeIds"`
	PinnedTabIDs []int       `json:"pinnedTabIds"`
}

// NewView creates an empty view.
func NewView(name, color string) *View {
	return &View{
		ID:    id.NewViewID(),
		Name:  name,
		Color: color,
	}
}

// Clone returns a deep copy of the view.
func (v *View) Clone() *View {
	c := *v
	c.RootNodeIDs = append([]id.NodeID(nil), v.RootNodeIDs...)
	c.PinnedTabIDs = append([]int(nil), v.PinnedTabIDs...)
	return &c
}

func (v *View) rootIndex(nodeID id.NodeID) int {
	for i, r := range v.RootNodeIDs {
		if r == nodeID {
			return i
		}
	}
	return -1
}

func (v *View) removeRoot(nodeID id.NodeID) bool {
	i := v.rootIndex(nodeID)
	if i < 0 {
		return false
	}
	v.RootNodeIDs = append(v.RootNodeIDs[:i], v.RootNodeIDs[i+1:]...)
	return true
}

func (v *View) insertRoot(nodeID id.NodeID, index int) {
	if index < 0 || index > len(v.RootNodeIDs) {
		index = len(v.RootNodeIDs)
	}
	v.RootNodeIDs = append(v.RootNodeIDs, "")
	copy(v.RootNodeIDs[index+1:], v.RootNodeIDs[index:])
	v.RootNodeIDs[index] = nodeID
}

// PinnedIndex returns the position of a tab in the pinned list, or -1.
func (v *View) PinnedIndex(tabID int) int {
	for i, t := range v.PinnedTabIDs {
		if t == tabID {
			return i
		}
	}
	return -1
}
