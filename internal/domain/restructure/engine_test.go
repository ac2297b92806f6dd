package restructure

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/shared/id"
)

const (
	waitLong = time.Second
	waitTick = 10 * time.Millisecond
)

type fakeRegistry struct {
	host.Registry
	mu       sync.Mutex
	moves    []moveCall
	dupErr   error
	nextTab  int
	dupCalls []int
}

type moveCall struct {
	tabID, index int
}

func (f *fakeRegistry) Move(_ context.Context, tabID, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, moveCall{tabID, index})
	return nil
}

func (f *fakeRegistry) Duplicate(_ context.Context, tabID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dupCalls = append(f.dupCalls, tabID)
	if f.dupErr != nil {
		return 0, f.dupErr
	}
	f.nextTab++
	return 1000 + f.nextTab, nil
}

// syncEngine runs host-call results inline so tests stay deterministic.
func syncEngine(reg host.Registry, pos DuplicatePosition) *Engine {
	return NewEngine(reg, nil, pos, func(fn func()) { fn() })
}

func seedTree(t *testing.T, n int) (*tree.Tree, []*tree.Node) {
	t.Helper()
	tr := tree.New(1)
	nodes := make([]*tree.Node, n)
	for i := 0; i < n; i++ {
		node, err := tr.CreateTabNode(100+i, tr.DefaultViewID())
		require.NoError(t, err)
		nodes[i] = node
	}
	return tr, nodes
}

func rootIDs(tr *tree.Tree) []id.NodeID {
	v, _ := tr.View(tr.DefaultViewID())
	return v.RootNodeIDs
}

func TestDropOntoAppendsAsLastChildAndExpands(t *testing.T) {
	tr, nodes := seedTree(t, 3)
	require.NoError(t, tr.Attach(nodes[1].ID, nodes[0].ID, -1))
	nodes[0].Expanded = false

	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{nodes[2].ID},
		Mode:     ModeOnto,
		TargetID: nodes[0].ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{nodes[1].ID, nodes[2].ID}, nodes[0].Children)
	assert.Equal(t, 1, nodes[2].Depth)
	assert.True(t, nodes[0].Expanded, "drop target auto-expands")
}

func TestDropOntoSelfIsNoOp(t *testing.T) {
	tr, nodes := seedTree(t, 2)
	before := append([]id.NodeID(nil), rootIDs(tr)...)

	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{nodes[0].ID},
		Mode:     ModeOnto,
		TargetID: nodes[0].ID,
	})
	require.NoError(t, err)
	assert.Equal(t, before, rootIDs(tr))
}

func TestDropOntoDescendantRejectedUntouched(t *testing.T) {
	tr, nodes := seedTree(t, 3)
	require.NoError(t, tr.Attach(nodes[1].ID, nodes[0].ID, -1))
	require.NoError(t, tr.Attach(nodes[2].ID, nodes[1].ID, -1))
	before := append([]id.NodeID(nil), rootIDs(tr)...)

	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{nodes[0].ID},
		Mode:     ModeOnto,
		TargetID: nodes[2].ID,
	})
	require.ErrorIs(t, err, tree.ErrCycle)

	assert.Equal(t, before, rootIDs(tr))
	assert.Equal(t, []id.NodeID{nodes[1].ID}, nodes[0].Children)
	assert.Equal(t, 2, nodes[2].Depth)
}

func TestGapDropPrefersBelowNeighbor(t *testing.T) {
	// a[b] then c at root. Gap between b (above) and c (below) sits at the
	// depth boundary: the below row wins, so the drop lands as c's sibling
	// at root level, not as a's child.
	tr, nodes := seedTree(t, 4)
	a, b, c, d := nodes[0], nodes[1], nodes[2], nodes[3]
	require.NoError(t, tr.Attach(b.ID, a.ID, -1))

	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs: []id.NodeID{d.ID},
		Mode:    ModeGap,
		AboveID: b.ID,
		BelowID: c.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{a.ID, d.ID, c.ID}, rootIDs(tr))
	assert.Equal(t, 0, d.Depth)
	assert.Equal(t, []id.NodeID{b.ID}, a.Children)
}

func TestGapDropMovesNodeDownWithinSiblings(t *testing.T) {
	// Moving a node to a later gap of its own list: once a unlinks, every
	// later sibling shifts left by one, so the landing slot must account
	// for the closed hole. [a,b,c,d] with a dropped between c and d reads
	// [b,c,a,d], never [b,c,d,a].
	tr, nodes := seedTree(t, 4)
	a, b, c, d := nodes[0], nodes[1], nodes[2], nodes[3]

	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs: []id.NodeID{a.ID},
		Mode:    ModeGap,
		AboveID: c.ID,
		BelowID: d.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{b.ID, c.ID, a.ID, d.ID}, rootIDs(tr))
}

func TestGapDropMovesChildDownWithinSiblings(t *testing.T) {
	tr, nodes := seedTree(t, 4)
	p, x, y, z := nodes[0], nodes[1], nodes[2], nodes[3]
	require.NoError(t, tr.Attach(x.ID, p.ID, -1))
	require.NoError(t, tr.Attach(y.ID, p.ID, -1))
	require.NoError(t, tr.Attach(z.ID, p.ID, -1))

	// x moves below y, above z, all inside p's children.
	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs: []id.NodeID{x.ID},
		Mode:    ModeGap,
		AboveID: y.ID,
		BelowID: z.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{y.ID, x.ID, z.ID}, p.Children)
}

func TestGapDropMultiSelectMovesDownInOrder(t *testing.T) {
	tr, nodes := seedTree(t, 5)
	a, b, c, d, e := nodes[0], nodes[1], nodes[2], nodes[3], nodes[4]

	// a and b both move past c and d into the gap above e.
	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs: []id.NodeID{a.ID, b.ID},
		Mode:    ModeGap,
		AboveID: d.ID,
		BelowID: e.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{c.ID, d.ID, a.ID, b.ID, e.ID}, rootIDs(tr))
}

func TestGapDropBottomBoundaryUsesAbove(t *testing.T) {
	tr, nodes := seedTree(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	require.NoError(t, tr.Attach(b.ID, a.ID, -1))

	// End of list: only an above neighbor exists.
	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs: []id.NodeID{c.ID},
		Mode:    ModeGap,
		AboveID: b.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{b.ID, c.ID}, a.Children)
	assert.Equal(t, 1, c.Depth)
}

func TestGapDropEmptyViewAppendsToRoots(t *testing.T) {
	tr, nodes := seedTree(t, 1)
	v := tr.CreateView("Work", "#0000ff")
	require.NoError(t, tr.MoveToView(nodes[0].ID, v.ID, -1))

	other, err := tr.CreateTabNode(200, v.ID)
	require.NoError(t, err)

	eng := syncEngine(nil, DupSibling)
	err = eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs: []id.NodeID{other.ID},
		Mode:    ModeGap,
		ViewID:  v.ID,
	})
	require.NoError(t, err)

	view, _ := tr.View(v.ID)
	assert.Equal(t, []id.NodeID{nodes[0].ID, other.ID}, view.RootNodeIDs)
}

func TestMultiSelectDragKeepsDropOrder(t *testing.T) {
	tr, nodes := seedTree(t, 5)
	a, b, c, d, e := nodes[0], nodes[1], nodes[2], nodes[3], nodes[4]

	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{d.ID, b.ID, e.ID},
		Mode:     ModeOnto,
		TargetID: a.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{d.ID, b.ID, e.ID}, a.Children)
	assert.Equal(t, []id.NodeID{a.ID, c.ID}, rootIDs(tr))
}

func TestMultiSelectDescendantRidesWithAncestor(t *testing.T) {
	tr, nodes := seedTree(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	require.NoError(t, tr.Attach(b.ID, a.ID, -1))

	// Selecting both a and its child b moves only a; b stays inside.
	eng := syncEngine(nil, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{a.ID, b.ID},
		Mode:     ModeOnto,
		TargetID: c.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{a.ID}, c.Children)
	assert.Equal(t, []id.NodeID{b.ID}, a.Children)
	assert.Equal(t, 2, b.Depth)
}

func TestCrossViewDropRejected(t *testing.T) {
	tr, nodes := seedTree(t, 2)
	v := tr.CreateView("Work", "")
	target, err := tr.CreateTabNode(300, v.ID)
	require.NoError(t, err)

	eng := syncEngine(nil, DupSibling)
	err = eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{nodes[0].ID},
		Mode:     ModeOnto,
		TargetID: target.ID,
	})
	require.ErrorIs(t, err, tree.ErrCrossView)
	assert.Empty(t, target.Children)
}

func TestDropIssuesAdvisoryHostMoves(t *testing.T) {
	reg := &fakeRegistry{}
	tr, nodes := seedTree(t, 3)

	eng := syncEngine(reg, DupSibling)
	err := eng.HandleDrop(context.Background(), tr, DropIntent{
		NodeIDs:  []id.NodeID{nodes[2].ID},
		Mode:     ModeOnto,
		TargetID: nodes[0].ID,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.moves) == 1 && reg.moves[0] == moveCall{tabID: 102, index: 1}
	}, waitLong, waitTick, "tab 102 now sits right after tab 100 in the window")
}

func TestDuplicateSiblingPolicy(t *testing.T) {
	// Parent with one child: duplicating the child yields [child, dup]
	// under the parent, both at depth 1, and the dup starts childless.
	reg := &fakeRegistry{}
	tr, nodes := seedTree(t, 2)
	p, c := nodes[0], nodes[1]
	require.NoError(t, tr.Attach(c.ID, p.ID, -1))
	c.URL = "https://example.com/doc"
	c.Title = "Doc"

	eng := syncEngine(reg, DupSibling)
	dup, err := eng.Duplicate(context.Background(), tr, c.ID)
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{c.ID, dup.ID}, p.Children)
	assert.Equal(t, 1, dup.Depth)
	assert.Empty(t, dup.Children)
	assert.Equal(t, c.URL, dup.URL)
	assert.Equal(t, c.Title, dup.Title)

	assert.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.dupCalls) == 1 && dup.TabID == 1001
	}, waitLong, waitTick, "dup binds to the host tab id")
}

func TestDuplicateNeverCopiesChildren(t *testing.T) {
	tr, nodes := seedTree(t, 3)
	a, b, c := nodes[0], nodes[1], nodes[2]
	require.NoError(t, tr.Attach(b.ID, a.ID, -1))
	require.NoError(t, tr.Attach(c.ID, b.ID, -1))

	eng := syncEngine(nil, DupSibling)
	dup, err := eng.Duplicate(context.Background(), tr, b.ID)
	require.NoError(t, err)

	assert.Empty(t, dup.Children)
	assert.Equal(t, []id.NodeID{b.ID, dup.ID}, a.Children)
	assert.Equal(t, []id.NodeID{c.ID}, b.Children, "original keeps its subtree")
}

func TestDuplicateEndPolicy(t *testing.T) {
	tr, nodes := seedTree(t, 3)
	a := nodes[0]
	require.NoError(t, tr.Attach(nodes[1].ID, a.ID, -1))
	require.NoError(t, tr.Attach(nodes[2].ID, a.ID, -1))

	eng := syncEngine(nil, DupEnd)
	dup, err := eng.Duplicate(context.Background(), tr, nodes[1].ID)
	require.NoError(t, err)

	assert.Equal(t, []id.NodeID{nodes[1].ID, nodes[2].ID, dup.ID}, a.Children)
}

func TestDuplicateRegistersClaimForCreatedEvent(t *testing.T) {
	reg := &fakeRegistry{}
	tr, nodes := seedTree(t, 1)

	var claimTab int
	var claimNode id.NodeID
	eng := syncEngine(reg, DupSibling)
	eng.SetDuplicateClaim(func(origTabID int, nodeID id.NodeID) {
		claimTab = origTabID
		claimNode = nodeID
	})

	dup, err := eng.Duplicate(context.Background(), tr, nodes[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 100, claimTab)
	assert.Equal(t, dup.ID, claimNode)
}

func TestDuplicateHostFailureKeepsNode(t *testing.T) {
	reg := &fakeRegistry{dupErr: context.DeadlineExceeded}
	tr, nodes := seedTree(t, 1)

	eng := syncEngine(reg, DupSibling)
	dup, err := eng.Duplicate(context.Background(), tr, nodes[0].ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.dupCalls) == 1
	}, waitLong, waitTick)

	_, ok := tr.Node(dup.ID)
	assert.True(t, ok, "node survives the failed host call")
	assert.Zero(t, dup.TabID)
}
