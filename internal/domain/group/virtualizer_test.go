package group

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/shared/id"
)

type fakeRegistry struct {
	host.Registry
	groupCalls  [][]int
	nextGroupID int
	groupErr    error
}

func (f *fakeRegistry) Group(ctx context.Context, tabIDs []int) (int, error) {
	f.groupCalls = append(f.groupCalls, tabIDs)
	if f.groupErr != nil {
		return 0, f.groupErr
	}
	f.nextGroupID++
	return f.nextGroupID, nil
}

// syncVirtualizer runs host calls inline so tests stay deterministic.
func syncVirtualizer(reg host.Registry) *Virtualizer {
	v := NewVirtualizer(reg, nil, func(fn func()) { fn() })
	return v
}

func seed(t *testing.T) (*tree.Tree, [3]id.NodeID) {
	t.Helper()
	tr := tree.New(1)
	a, _ := tr.CreateTabNode(1, "")
	b, _ := tr.CreateTabNode(2, "")
	c, _ := tr.CreateTabNode(3, "")
	return tr, [3]id.NodeID{a.ID, b.ID, c.ID}
}

func TestCreateReparentsMembersInOrder(t *testing.T) {
	tr, ids := seed(t)
	reg := &fakeRegistry{}
	v := syncVirtualizer(reg)

	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0], ids[2]}, "research", "blue")
	require.NoError(t, err)

	placeholder, ok := tr.Node(g.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, tree.KindGroup, placeholder.Kind)
	assert.Equal(t, []id.NodeID{ids[0], ids[2]}, placeholder.Children)
	assert.Equal(t, []id.NodeID{ids[0], ids[2]}, g.MemberNodeIDs)

	// Placeholder took the first member's root slot.
	def, _ := tr.View(tr.DefaultViewID())
	assert.Equal(t, []id.NodeID{placeholder.ID, ids[1]}, def.RootNodeIDs)

	a, _ := tr.Node(ids[0])
	assert.Equal(t, g.ID, a.GroupID)
	assert.Equal(t, 1, a.Depth)
}

func TestCreateBindsHostGroup(t *testing.T) {
	tr, ids := seed(t)
	reg := &fakeRegistry{}
	v := syncVirtualizer(reg)

	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0], ids[1]}, "g", "red")
	require.NoError(t, err)

	require.Len(t, reg.groupCalls, 1)
	assert.Equal(t, []int{1, 2}, reg.groupCalls[0])
	assert.Equal(t, 1, g.HostGroupID)
}

func TestCreateHostFailureKeepsTree(t *testing.T) {
	tr, ids := seed(t)
	reg := &fakeRegistry{groupErr: assert.AnError}
	v := syncVirtualizer(reg)

	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0]}, "g", "red")
	require.NoError(t, err, "host failure is advisory")

	_, ok := tr.Node(g.PlaceholderID)
	assert.True(t, ok)
	assert.Zero(t, g.HostGroupID)
}

func TestCreateRejectsMixedViews(t *testing.T) {
	tr, ids := seed(t)
	work := tr.CreateView("work", "blue")
	d, _ := tr.CreateTabNode(4, work.ID)
	v := syncVirtualizer(&fakeRegistry{})

	_, err := v.Create(context.Background(), tr, []id.NodeID{ids[0], d.ID}, "g", "red")
	assert.ErrorIs(t, err, ErrMixedViews)
	assert.Empty(t, tr.Groups())
}

func TestCreateSelectedAncestorCarriesDescendant(t *testing.T) {
	tr, ids := seed(t)
	require.NoError(t, tr.Attach(ids[1], ids[0], -1)) // b under a
	v := syncVirtualizer(&fakeRegistry{})

	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0], ids[1]}, "g", "red")
	require.NoError(t, err)

	placeholder, _ := tr.Node(g.PlaceholderID)
	assert.Equal(t, []id.NodeID{ids[0]}, placeholder.Children, "descendant rides along, not flattened")
	b, _ := tr.Node(ids[1])
	assert.Equal(t, ids[0], b.ParentID)
}

func TestDissolvePromotesMembersInPlace(t *testing.T) {
	tr, ids := seed(t)
	v := syncVirtualizer(&fakeRegistry{})
	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0], ids[1]}, "g", "red")
	require.NoError(t, err)

	require.NoError(t, v.Dissolve(tr, g.ID))

	def, _ := tr.View(tr.DefaultViewID())
	assert.Equal(t, []id.NodeID{ids[0], ids[1], ids[2]}, def.RootNodeIDs,
		"members take the placeholder's former position, order preserved")

	_, ok := tr.Group(g.ID)
	assert.False(t, ok)
	a, _ := tr.Node(ids[0])
	assert.Empty(t, a.GroupID)
	assert.Equal(t, 0, a.Depth)
}

func TestToggleExpandIsPureFlag(t *testing.T) {
	tr, ids := seed(t)
	v := syncVirtualizer(&fakeRegistry{})
	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0]}, "g", "red")
	require.NoError(t, err)

	before := tr.Flatten(tr.DefaultViewID())
	require.NoError(t, v.ToggleExpand(tr, g.ID))

	assert.True(t, g.Collapsed)
	assert.Equal(t, before, tr.Flatten(tr.DefaultViewID()), "no topology change")
}

func TestEnsurePlaceholderReusesExisting(t *testing.T) {
	tr, ids := seed(t)
	v := syncVirtualizer(&fakeRegistry{})
	g, err := v.Create(context.Background(), tr, []id.NodeID{ids[0]}, "g", "red")
	require.NoError(t, err)

	n, err := v.EnsurePlaceholder(tr, g, tr.DefaultViewID())
	require.NoError(t, err)
	assert.Equal(t, g.PlaceholderID, n.ID, "existing binding reused, no duplicate placeholder")

	count := 0
	for _, nodeID := range tr.Flatten(tr.DefaultViewID()) {
		if node, _ := tr.Node(nodeID); node.Kind == tree.KindGroup {
			count++
		}
	}
	assert.Equal(t, 1, count)
}
