package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbortabs/arbor/internal/domain/group"
	"github.com/arbortabs/arbor/internal/domain/tree"
	"github.com/arbortabs/arbor/internal/host"
	"github.com/arbortabs/arbor/internal/infrastructure/resilience"
	"github.com/arbortabs/arbor/internal/shared/id"
	"github.com/arbortabs/arbor/internal/store"
)

type fakeRegistry struct {
	host.Registry
	nextGroup  int
	groupCalls [][]int
}

func (f *fakeRegistry) Group(_ context.Context, tabIDs []int) (int, error) {
	f.groupCalls = append(f.groupCalls, tabIDs)
	f.nextGroup++
	return 500 + f.nextGroup, nil
}

type failingStore struct {
	store.Store
	err error
}

func (f *failingStore) Get(context.Context, string) ([]byte, error) { return nil, f.err }
func (f *failingStore) Set(context.Context, string, []byte) error   { return f.err }

func fastRetry() resilience.Policy {
	return resilience.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func newManager(st store.Store, reg host.Registry) *Manager {
	return NewManager(st, reg, nil, nil, nil, fastRetry())
}

func saveTree(t *testing.T, m *Manager, tr *tree.Tree, generation uint64) {
	t.Helper()
	require.NoError(t, m.Save(context.Background(), Capture(tr, generation)))
}

func TestRecoverWithoutSnapshotResyncsFromInventory(t *testing.T) {
	m := newManager(store.NewMemory(), nil)
	live := []host.TabRecord{
		{ID: 102, URL: "https://c.example", Index: 2},
		{ID: 100, URL: "https://a.example", Index: 0},
		{ID: 101, URL: "https://b.example", Index: 1, Pinned: true},
	}

	tr, err := m.Recover(context.Background(), 1, live)
	require.NoError(t, err)
	assert.Equal(t, StateLive, m.State())

	v, _ := tr.View(tr.DefaultViewID())
	require.Len(t, v.RootNodeIDs, 2, "pinned tab gets no node")
	first, _ := tr.Node(v.RootNodeIDs[0])
	assert.Equal(t, 100, first.TabID, "strip order preserved")
	assert.Equal(t, []int{101}, v.PinnedTabIDs)
}

func TestRecoverRebindsByExactTabID(t *testing.T) {
	st := store.NewMemory()
	m := newManager(st, nil)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	b, _ := orig.CreateTabNode(101, orig.DefaultViewID())
	b.URL = "https://b.example"
	require.NoError(t, orig.Attach(b.ID, a.ID, -1))
	saveTree(t, m, orig, 1)

	// Same tab ids survive (host did not restart).
	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 100, URL: "https://a.example"},
		{ID: 101, URL: "https://b.example"},
	})
	require.NoError(t, err)

	ra, ok := tr.NodeByTab(100)
	require.True(t, ok)
	rb, ok := tr.NodeByTab(101)
	require.True(t, ok)
	assert.Equal(t, ra.ID, rb.ParentID, "structure survives")
	assert.Equal(t, 1, rb.Depth)
}

func TestRecoverRebindsByURLWithLowestUnclaimedID(t *testing.T) {
	st := store.NewMemory()
	m := newManager(st, nil)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://doc.example"
	b, _ := orig.CreateTabNode(101, orig.DefaultViewID())
	b.URL = "https://doc.example"
	saveTree(t, m, orig, 1)

	// Host restarted: fresh ids, same URLs twice.
	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 207, URL: "https://doc.example"},
		{ID: 203, URL: "https://doc.example"},
	})
	require.NoError(t, err)

	// Nodes claim in node-id order, lowest live id first.
	na, _ := tr.Node(a.ID)
	nb, _ := tr.Node(b.ID)
	first, second := na, nb
	if b.ID < a.ID {
		first, second = nb, na
	}
	assert.Equal(t, 203, first.TabID)
	assert.Equal(t, 207, second.TabID)
}

func TestRecoverDropsUnbindableAndPromotesChildren(t *testing.T) {
	st := store.NewMemory()
	m := newManager(st, nil)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	gone, _ := orig.CreateTabNode(101, orig.DefaultViewID())
	gone.URL = "https://gone.example"
	c, _ := orig.CreateTabNode(102, orig.DefaultViewID())
	c.URL = "https://c.example"
	require.NoError(t, orig.Attach(gone.ID, a.ID, -1))
	require.NoError(t, orig.Attach(c.ID, gone.ID, -1))
	saveTree(t, m, orig, 1)

	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 300, URL: "https://a.example"},
		{ID: 301, URL: "https://c.example"},
	})
	require.NoError(t, err)

	_, exists := tr.Node(gone.ID)
	assert.False(t, exists, "unbindable node dropped")
	ra, _ := tr.NodeByTab(300)
	rc, _ := tr.NodeByTab(301)
	assert.Equal(t, ra.ID, rc.ParentID, "grandchild promoted into dropped slot")
}

func TestRecoverAdoptsTabsNewSinceSnapshot(t *testing.T) {
	st := store.NewMemory()
	m := newManager(st, nil)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	saveTree(t, m, orig, 1)

	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 100, URL: "https://a.example", Index: 0},
		{ID: 105, URL: "https://new.example", Index: 1},
	})
	require.NoError(t, err)

	n, ok := tr.NodeByTab(105)
	require.True(t, ok)
	assert.Equal(t, 0, n.Depth, "new tabs land as roots")
}

func TestRecoverRebindsGroupPlaceholderNotDuplicates(t *testing.T) {
	// Group of two tabs under one placeholder. Across a restart the
	// placeholder must rebind by the group's stable id, never duplicate:
	// the node count stays fixed through one and two restarts.
	st := store.NewMemory()
	reg := &fakeRegistry{}
	m := newManager(st, reg)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	b, _ := orig.CreateTabNode(101, orig.DefaultViewID())
	b.URL = "https://b.example"
	g := tree.NewGroup("Research", "blue")
	require.NoError(t, orig.AddGroup(g))
	ph, err := orig.CreateGroupNode(g, orig.DefaultViewID())
	require.NoError(t, err)
	require.NoError(t, orig.Attach(a.ID, ph.ID, -1))
	require.NoError(t, orig.Attach(b.ID, ph.ID, -1))
	g.MemberNodeIDs = []id.NodeID{a.ID, b.ID}
	g.HostGroupID = 77
	saveTree(t, m, orig, 1)

	live := []host.TabRecord{
		{ID: 400, URL: "https://a.example", GroupID: 90},
		{ID: 401, URL: "https://b.example", GroupID: 90},
	}

	tr, err := m.Recover(context.Background(), 1, live)
	require.NoError(t, err)

	placeholders := 0
	for _, vid := range []id.ViewID{tr.DefaultViewID()} {
		for _, nid := range tr.Flatten(vid) {
			if n, ok := tr.Node(nid); ok && n.Kind == tree.KindGroup {
				placeholders++
			}
		}
	}
	require.Equal(t, 1, placeholders)

	rg, ok := tr.Group(g.ID)
	require.True(t, ok)
	assert.Equal(t, 90, rg.HostGroupID, "rebound to the live host group")

	ra, _ := tr.NodeByTab(400)
	rb, _ := tr.NodeByTab(401)
	rph, _ := tr.Node(rg.PlaceholderID)
	assert.Equal(t, rph.ID, ra.ParentID)
	assert.Equal(t, rph.ID, rb.ParentID)

	// Second restart: ids change again, count must not grow.
	saveTree(t, m, tr, 2)
	tr2, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 500, URL: "https://a.example", GroupID: 91},
		{ID: 501, URL: "https://b.example", GroupID: 91},
	})
	require.NoError(t, err)

	placeholders = 0
	for _, nid := range tr2.Flatten(tr2.DefaultViewID()) {
		if n, ok := tr2.Node(nid); ok && n.Kind == tree.KindGroup {
			placeholders++
		}
	}
	assert.Equal(t, 1, placeholders, "placeholder count stable across restarts")
	assert.Equal(t, len(tr.Flatten(tr.DefaultViewID())), len(tr2.Flatten(tr2.DefaultViewID())))
}

func TestRecoverRebuildsLostGroupPlaceholder(t *testing.T) {
	// A snapshot can hold a group aggregate whose placeholder node is gone.
	// Recovery rebuilds the placeholder around the surviving members instead
	// of leaving the group bodiless.
	st := store.NewMemory()
	reg := &fakeRegistry{}
	m := newManager(st, reg).WithGroups(group.NewVirtualizer(reg, nil, nil))

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	b, _ := orig.CreateTabNode(101, orig.DefaultViewID())
	b.URL = "https://b.example"
	g := tree.NewGroup("Research", "blue")
	require.NoError(t, orig.AddGroup(g))
	ph, err := orig.CreateGroupNode(g, orig.DefaultViewID())
	require.NoError(t, err)
	require.NoError(t, orig.Attach(a.ID, ph.ID, -1))
	require.NoError(t, orig.Attach(b.ID, ph.ID, -1))
	g.MemberNodeIDs = []id.NodeID{a.ID, b.ID}

	// Simulate the loss: members back to root, placeholder node removed.
	require.NoError(t, orig.Attach(a.ID, "", -1))
	require.NoError(t, orig.Attach(b.ID, "", -1))
	require.NoError(t, orig.RemoveNode(ph.ID))
	saveTree(t, m, orig, 1)

	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 400, URL: "https://a.example", GroupID: 90},
		{ID: 401, URL: "https://b.example", GroupID: 90},
	})
	require.NoError(t, err)

	rg, ok := tr.Group(g.ID)
	require.True(t, ok)
	require.NotEmpty(t, rg.PlaceholderID)
	rph, ok := tr.Node(rg.PlaceholderID)
	require.True(t, ok)
	assert.Equal(t, tree.KindGroup, rph.Kind)

	ra, _ := tr.NodeByTab(400)
	rb, _ := tr.NodeByTab(401)
	assert.Equal(t, rph.ID, ra.ParentID)
	assert.Equal(t, rph.ID, rb.ParentID)
	assert.Equal(t, 90, rg.HostGroupID)
}

func TestRecoverDropsGroupWithNoSurvivingMembers(t *testing.T) {
	st := store.NewMemory()
	reg := &fakeRegistry{}
	m := newManager(st, reg).WithGroups(group.NewVirtualizer(reg, nil, nil))

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://gone.example"
	g := tree.NewGroup("Stale", "red")
	require.NoError(t, orig.AddGroup(g))
	ph, err := orig.CreateGroupNode(g, orig.DefaultViewID())
	require.NoError(t, err)
	require.NoError(t, orig.Attach(a.ID, ph.ID, -1))
	g.MemberNodeIDs = []id.NodeID{a.ID}
	require.NoError(t, orig.Attach(a.ID, "", -1))
	require.NoError(t, orig.RemoveNode(ph.ID))
	saveTree(t, m, orig, 1)

	// No live tab backs the member: node and group both go away.
	tr, err := m.Recover(context.Background(), 1, nil)
	require.NoError(t, err)

	_, ok := tr.Group(g.ID)
	assert.False(t, ok)
	assert.Empty(t, reg.groupCalls)
}

func TestRecoverRecreatesHostGroupWhenAbsent(t *testing.T) {
	st := store.NewMemory()
	reg := &fakeRegistry{}
	m := newManager(st, reg)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	g := tree.NewGroup("Solo", "red")
	require.NoError(t, orig.AddGroup(g))
	ph, err := orig.CreateGroupNode(g, orig.DefaultViewID())
	require.NoError(t, err)
	require.NoError(t, orig.Attach(a.ID, ph.ID, -1))
	g.MemberNodeIDs = []id.NodeID{a.ID}
	g.HostGroupID = 77
	saveTree(t, m, orig, 1)

	// The live tab carries no host group: the old one is gone.
	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 400, URL: "https://a.example"},
	})
	require.NoError(t, err)

	rg, _ := tr.Group(g.ID)
	assert.Equal(t, 501, rg.HostGroupID)
	require.Len(t, reg.groupCalls, 1)
	assert.Equal(t, []int{400}, reg.groupCalls[0])
}

func TestPinnedMembershipComesFromInventory(t *testing.T) {
	st := store.NewMemory()
	m := newManager(st, nil)

	orig := tree.New(1)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	saveTree(t, m, orig, 1)

	// The tab got pinned while we were down: its node must go away.
	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 100, URL: "https://a.example", Pinned: true},
	})
	require.NoError(t, err)

	_, tracked := tr.NodeByTab(100)
	assert.False(t, tracked)
	v, _ := tr.View(tr.ActiveViewID())
	assert.Equal(t, []int{100}, v.PinnedTabIDs)
}

func TestStoreFailureDegradesAfterRetries(t *testing.T) {
	m := newManager(&failingStore{err: errors.New("disk gone")}, nil)

	tr, err := m.Recover(context.Background(), 1, []host.TabRecord{
		{ID: 100, URL: "https://a.example"},
	})
	require.NoError(t, err, "recovery still yields a working tree")
	assert.True(t, m.Degraded())
	assert.Equal(t, StateLive, m.State())

	_, ok := tr.NodeByTab(100)
	assert.True(t, ok)

	// Saves while degraded are silent no-ops.
	assert.NoError(t, m.Save(context.Background(), Capture(tr, 1)))
}

func TestSnapshotRoundTripPreservesViews(t *testing.T) {
	orig := tree.New(7)
	a, _ := orig.CreateTabNode(100, orig.DefaultViewID())
	a.URL = "https://a.example"
	a.Title = "A"
	v := orig.CreateView("Work", "#00ff00")
	w, _ := orig.CreateTabNode(200, v.ID)
	w.URL = "https://w.example"
	require.NoError(t, orig.SetActiveView(v.ID))

	data, err := Capture(orig, 42).Encode()
	require.NoError(t, err)
	snap, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), snap.Generation)

	tr, err := snap.Restore()
	require.NoError(t, err)
	assert.Equal(t, v.ID, tr.ActiveViewID())
	assert.Len(t, tr.Views(), 2)

	rw, ok := tr.Node(w.ID)
	require.True(t, ok)
	assert.Equal(t, v.ID, rw.ViewID)
	assert.Equal(t, "https://w.example", rw.URL)
	ra, _ := tr.Node(a.ID)
	assert.Equal(t, "A", ra.Title)
}

func TestClaimWindowsMatchesByURLOverlap(t *testing.T) {
	mk := func(windowID int, urls ...string) *Snapshot {
		tr := tree.New(windowID)
		for i, u := range urls {
			n, _ := tr.CreateTabNode(100+i, tr.DefaultViewID())
			n.URL = u
		}
		return Capture(tr, 1)
	}
	snapA := mk(1, "https://a.example", "https://b.example")
	snapB := mk(2, "https://x.example", "https://y.example", "https://z.example")

	claims := ClaimWindows([]*Snapshot{snapA, snapB}, map[int][]host.TabRecord{
		31: {{ID: 1, URL: "https://x.example"}, {ID: 2, URL: "https://y.example"}},
		32: {{ID: 3, URL: "https://a.example"}},
	})

	assert.Same(t, snapB, claims[31])
	assert.Same(t, snapA, claims[32])
}

func TestClaimWindowsLeavesUnmatchedUnclaimed(t *testing.T) {
	tr := tree.New(1)
	n, _ := tr.CreateTabNode(100, tr.DefaultViewID())
	n.URL = "https://a.example"
	snap := Capture(tr, 1)

	claims := ClaimWindows([]*Snapshot{snap}, map[int][]host.TabRecord{
		31: {{ID: 1, URL: "https://other.example"}},
	})
	assert.Empty(t, claims)
}
